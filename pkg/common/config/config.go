package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full parameter surface of one preprocessing run. It is built
// once and passed explicitly into every component constructor; nothing in the
// pipeline reads process-wide state after Load returns.
type Config struct {
	// Input / output artifacts
	RawDataDir       string `yaml:"raw_data_dir"`
	ProcessedDataDir string `yaml:"processed_data_dir"`
	VariablesFile    string `yaml:"variables_file"`
	MedicationsFile  string `yaml:"medications_file"`
	OutcomesFile     string `yaml:"outcomes_file"`
	MatrixFile       string `yaml:"matrix_file"`
	ExclusionsFile   string `yaml:"exclusions_file"`

	// Cohort selection
	Criterion        string `yaml:"criterion"` // sirs | psofa | phoenix
	MinDurationHours int    `yaml:"min_duration_hours"`

	// Feature extraction
	Features           []string `yaml:"features"`
	StalenessHours     int      `yaml:"staleness_hours"`
	LookbackHours      int      `yaml:"lookback_hours"`
	MinLookbackHours   int      `yaml:"min_lookback_hours"`
	RollingAggregates  bool     `yaml:"rolling_aggregates"`
	FitPercent         int      `yaml:"fit_percent"`
	KeepNonCohortHours bool     `yaml:"keep_non_cohort_hours"`
	MaxEncounterHours  int      `yaml:"max_encounter_hours"`

	// Labeling
	PositiveWindowHours  int      `yaml:"positive_window_hours"`
	EpisodeResetHours    int      `yaml:"episode_reset_hours"`
	AntiinfectiveClasses []string `yaml:"antiinfective_classes"`

	// Execution
	Workers int `yaml:"workers"`

	// Optional sinks; a sink is disabled when its address is empty.
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     string `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	FeatureCacheTTL time.Duration `yaml:"feature_cache_ttl"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// Operational surface
	ServerHost string `yaml:"server_host"`
	ServerPort string `yaml:"server_port"`
	Schedule   string `yaml:"schedule"` // cron expression; empty means run once
}

// DefaultFeatures are the vitals and labs retained for the hourly grid,
// drawn from the pediatric sepsis screening variable set.
var DefaultFeatures = []string{
	"pulse", "map", "bp_sys", "bp_dias", "resp", "spo2", "temp", "fio2",
	"coma_scale_total", "cap_refill",
	"wbc", "platelets", "creatinine", "bilirubin_total", "lactic_acid",
	"glucose", "sodium", "potassium", "hemoglobin", "ph",
}

func Load() *Config {
	return &Config{
		RawDataDir:       getEnv("RAW_DATA_DIR", "synthetic_data/raw"),
		ProcessedDataDir: getEnv("PROCESSED_DATA_DIR", "processed_data"),
		VariablesFile:    getEnv("VARIABLES_FILE", "variables.csv"),
		MedicationsFile:  getEnv("MEDICATIONS_FILE", "medications.csv"),
		OutcomesFile:     getEnv("OUTCOMES_FILE", "outcomes.csv"),
		MatrixFile:       getEnv("MATRIX_FILE", "processed_matrix.csv"),
		ExclusionsFile:   getEnv("EXCLUSIONS_FILE", "exclusions.csv"),

		Criterion:        getEnv("COHORT_CRITERION", "phoenix"),
		MinDurationHours: getIntEnv("MIN_DURATION_HOURS", 6),

		Features:           getStringSliceEnv("FEATURE_VARIABLES", DefaultFeatures),
		StalenessHours:     getIntEnv("STALENESS_HOURS", 6),
		LookbackHours:      getIntEnv("LOOKBACK_WINDOW_HOURS", 12),
		MinLookbackHours:   getIntEnv("MIN_LOOKBACK_HOURS", 1),
		RollingAggregates:  getBoolEnv("ROLLING_AGGREGATES", true),
		FitPercent:         getIntEnv("FIT_PERCENT", 70),
		KeepNonCohortHours: getBoolEnv("KEEP_NON_COHORT_HOURS", false),
		MaxEncounterHours:  getIntEnv("MAX_ENCOUNTER_HOURS", 24*28),

		PositiveWindowHours:  getIntEnv("POSITIVE_WINDOW_HOURS", 6),
		EpisodeResetHours:    getIntEnv("EPISODE_RESET_HOURS", 72),
		AntiinfectiveClasses: getStringSliceEnv("ANTIINFECTIVE_CLASSES", []string{"antibacterial", "antifungal", "antiviral"}),

		Workers: getIntEnv("PIPELINE_WORKERS", 4),

		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "maai"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "maai"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getIntEnv("REDIS_DB", 0),
		FeatureCacheTTL: getDuration("FEATURE_CACHE_TTL", 15*time.Minute),

		KafkaBrokers: getStringSliceEnv("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "preprocess.runs"),

		ServerHost: getEnv("SERVER_HOST", "127.0.0.1"),
		ServerPort: getEnv("SERVER_PORT", "8090"),
		Schedule:   getEnv("RUN_SCHEDULE", ""),
	}
}

// LoadFile overlays a YAML run manifest on top of the env-derived defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Criterion {
	case "sirs", "psofa", "phoenix":
	default:
		return fmt.Errorf("unknown cohort criterion %q", c.Criterion)
	}
	if len(c.Features) == 0 {
		return fmt.Errorf("feature variable list is empty")
	}
	if c.StalenessHours <= 0 || c.LookbackHours <= 0 || c.PositiveWindowHours <= 0 {
		return fmt.Errorf("staleness, lookback and positive window must be positive")
	}
	if c.MinLookbackHours < 1 {
		return fmt.Errorf("min lookback must be at least one hour")
	}
	if c.FitPercent <= 0 || c.FitPercent > 100 {
		return fmt.Errorf("fit percent %d outside (0,100]", c.FitPercent)
	}
	return nil
}

func (c *Config) VariablesPath() string   { return filepath.Join(c.RawDataDir, c.VariablesFile) }
func (c *Config) MedicationsPath() string { return filepath.Join(c.RawDataDir, c.MedicationsFile) }
func (c *Config) OutcomesPath() string    { return filepath.Join(c.RawDataDir, c.OutcomesFile) }
func (c *Config) MatrixPath() string      { return filepath.Join(c.ProcessedDataDir, c.MatrixFile) }
func (c *Config) ExclusionsPath() string  { return filepath.Join(c.ProcessedDataDir, c.ExclusionsFile) }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
