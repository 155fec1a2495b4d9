package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/logger"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrRunNotFound = errors.New("preprocessing run not found")

// RunModel is the run registry row: one per pipeline execution, carrying the
// configuration snapshot and the size-accounting counters.
type RunModel struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	Criterion         string            `gorm:"column:criterion"`
	Config            datatypes.JSONMap `gorm:"column:config"`
	Status            string            `gorm:"column:status"`
	RowCount          int               `gorm:"column:row_count"`
	SkippedEncounters int               `gorm:"column:skipped_encounters"`
	ExcludedHours     int               `gorm:"column:excluded_hours"`
	ErrorMessage      string            `gorm:"column:error_message"`
	CreatedAt         time.Time         `gorm:"column:created_at"`
	UpdatedAt         time.Time         `gorm:"column:updated_at"`
	CompletedAt       *time.Time        `gorm:"column:completed_at"`
}

func (RunModel) TableName() string {
	return "preprocess_runs"
}

// SampleModel mirrors one output row of the labeled matrix.
type SampleModel struct {
	ID          int64             `gorm:"primaryKey;autoIncrement;column:id"`
	RunID       uuid.UUID         `gorm:"type:uuid;index;column:run_id"`
	EncounterID string            `gorm:"index;column:encounter_id"`
	Hour        int               `gorm:"column:hour"`
	Features    datatypes.JSONMap `gorm:"column:features"`
	Missing     datatypes.JSONMap `gorm:"column:missing"`
	Label       int               `gorm:"column:label"`
	InCohort    bool              `gorm:"column:in_cohort"`
}

func (SampleModel) TableName() string {
	return "labeled_samples"
}

// Connect opens the Postgres sink. Instance-scoped on purpose: two runs with
// different configurations must not share hidden state.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.PostgresHost,
		cfg.PostgresUser,
		cfg.PostgresPassword,
		cfg.PostgresDB,
		cfg.PostgresPort,
		cfg.PostgresSSLMode,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Log.Info("connected to PostgreSQL sink")
	return db, nil
}

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&RunModel{}, &SampleModel{})
}

func (r *Repository) CreateRun(ctx context.Context, runID uuid.UUID, criterion string, cfg map[string]interface{}) error {
	run := &RunModel{
		ID:        runID,
		Criterion: criterion,
		Config:    datatypes.JSONMap(cfg),
		Status:    StatusRunning,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *Repository) CompleteRun(ctx context.Context, runID uuid.UUID, rows, skipped, excludedHours int) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"status":             StatusCompleted,
		"row_count":          rows,
		"skipped_encounters": skipped,
		"excluded_hours":     excludedHours,
		"updated_at":         now,
		"completed_at":       now,
	}).Error
}

func (r *Repository) FailRun(ctx context.Context, runID uuid.UUID, message string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", runID).Updates(map[string]interface{}{
		"status":        StatusFailed,
		"error_message": message,
		"updated_at":    now,
		"completed_at":  now,
	}).Error
}

// SaveSamples persists the merged matrix in batches after the CSV artifact is
// written; the database copy is for downstream querying, not the contract.
func (r *Repository) SaveSamples(ctx context.Context, runID uuid.UUID, samples []models.LabeledSample) error {
	rows := make([]SampleModel, 0, len(samples))
	for _, sample := range samples {
		features := make(map[string]interface{}, len(sample.Values))
		for name, value := range sample.Values {
			features[name] = value
		}
		missing := make(map[string]interface{}, len(sample.Missing))
		for name, flag := range sample.Missing {
			missing[name] = flag
		}
		rows = append(rows, SampleModel{
			RunID:       runID,
			EncounterID: sample.EncounterID,
			Hour:        sample.Hour,
			Features:    datatypes.JSONMap(features),
			Missing:     datatypes.JSONMap(missing),
			Label:       sample.Label,
			InCohort:    sample.InCohort,
		})
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

func (r *Repository) LatestRun(ctx context.Context) (*RunModel, error) {
	var run RunModel
	result := r.db.WithContext(ctx).Order("created_at desc").First(&run)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	return &run, result.Error
}
