package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/cohort"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/logger"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/dataset"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/events"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/features"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/labels"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/storage"
)

// Result summarizes one completed run. Samples are sorted by
// (encounter id, hour) and exclusions by (encounter id, hour, reason), so two
// runs over identical inputs produce identical Results.
type Result struct {
	RunID             uuid.UUID              `json:"run_id"`
	Columns           []string               `json:"columns"`
	Samples           []models.LabeledSample `json:"-"`
	Exclusions        []models.Exclusion     `json:"-"`
	Encounters        int                    `json:"encounters"`
	SkippedEncounters int                    `json:"skipped_encounters"`
	ExcludedHours     int                    `json:"excluded_hours"`
	Rows              int                    `json:"rows"`
	StartedAt         time.Time              `json:"started_at"`
	CompletedAt       time.Time              `json:"completed_at"`
}

type Option func(*Orchestrator)

func WithRepository(repo *storage.Repository) Option {
	return func(o *Orchestrator) { o.repo = repo }
}

func WithFeatureCache(cache *storage.FeatureCache) Option {
	return func(o *Orchestrator) { o.cache = cache }
}

func WithPublisher(publisher *events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = publisher }
}

// Orchestrator sequences selection, extraction and labeling per encounter and
// merges the results deterministically. Encounters are independent: a skipped
// one never halts the rest, and processing order cannot change the output.
type Orchestrator struct {
	cfg       *config.Config
	criterion cohort.Criterion
	repo      *storage.Repository
	cache     *storage.FeatureCache
	publisher *events.Publisher
}

func NewOrchestrator(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	criterion, err := cohort.ByName(cfg.Criterion)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{cfg: cfg, criterion: criterion}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Run executes the full pipeline: load and validate inputs, fit imputation
// statistics on the fitting partition, process encounters through a bounded
// worker pool, merge, persist. Schema-level failures abort before any
// per-encounter work; everything else degrades to reasoned exclusions.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	result := &Result{RunID: uuid.New(), StartedAt: time.Now().UTC()}

	o.publish(ctx, result.RunID, events.TypeRunStarted, map[string]interface{}{
		"criterion": o.cfg.Criterion,
	})
	if o.repo != nil {
		if err := o.repo.CreateRun(ctx, result.RunID, o.cfg.Criterion, o.configSnapshot()); err != nil {
			logger.WithError(err).Warn("run registry unavailable")
		}
	}

	res, err := o.run(ctx, result)
	if err != nil {
		o.publish(ctx, result.RunID, events.TypeRunFailed, map[string]interface{}{"error": err.Error()})
		if o.repo != nil {
			if ferr := o.repo.FailRun(ctx, result.RunID, err.Error()); ferr != nil {
				logger.WithError(ferr).Warn("failed to record run failure")
			}
		}
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, result *Result) (*Result, error) {
	observations, corruptVars, err := dataset.ReadVariables(o.cfg.VariablesPath())
	if err != nil {
		return nil, err
	}
	medications, corruptMeds, err := dataset.ReadMedications(o.cfg.MedicationsPath())
	if err != nil {
		return nil, err
	}
	outcomes, err := dataset.ReadOutcomes(o.cfg.OutcomesPath())
	if err != nil {
		return nil, err
	}

	corrupt := corruptVars
	for id := range corruptMeds {
		corrupt[id] = true
	}

	encounters, obsByEncounter := buildEncounters(observations, o.cfg.MaxEncounterHours)
	medsByEncounter := groupMedications(medications)
	auditOutcomes(outcomes, obsByEncounter)

	// An encounter whose every row failed timestamp parsing contributes no
	// observations and never enters the encounter set. It still gets a
	// reasoned exclusion: sizes must stay explainable.
	for id := range corrupt {
		if _, ok := obsByEncounter[id]; ok {
			continue
		}
		result.Encounters++
		result.SkippedEncounters++
		result.Exclusions = append(result.Exclusions,
			models.EncounterExclusion(id, models.ReasonCorruptTimestamps))
		logger.WithField("encounter_id", id).Warn("encounter skipped: corrupt timestamps")
	}

	// Phase one: fit once, before any parallel work. The stats are immutable
	// from here on.
	stats := features.FitImputer(observations, o.cfg.Features, features.PartitionSelector(o.cfg.FitPercent))

	selector := cohort.NewSelector(o.criterion, o.cfg)
	extractor := features.NewExtractor(o.cfg, stats)
	generator := labels.NewGenerator(o.cfg)

	outputs := make(map[string]*encounterOutput, len(encounters))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.workerCount())

	for _, enc := range encounters {
		wg.Add(1)
		go func(enc models.Encounter) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			out := o.processEncounter(enc, corrupt[enc.ID], selector, extractor, generator,
				obsByEncounter[enc.ID], medsByEncounter[enc.ID])
			mu.Lock()
			outputs[enc.ID] = out
			mu.Unlock()
		}(enc)
	}
	wg.Wait()

	// Merge in encounter-id order so the artifact is independent of worker
	// scheduling.
	for _, enc := range encounters {
		out := outputs[enc.ID]
		if out.err != nil {
			return nil, fmt.Errorf("encounter %s: %w", enc.ID, out.err)
		}
		if out.skipped {
			result.SkippedEncounters++
		}
		result.Samples = append(result.Samples, out.samples...)
		result.Exclusions = append(result.Exclusions, out.exclusions...)
	}
	sortSamples(result.Samples)
	sortExclusions(result.Exclusions)

	extractorSchema := extractor.ValueSchema()
	flagSchema := extractor.FlagSchema()
	result.Columns = dataset.MatrixColumns(extractorSchema, flagSchema)
	result.Encounters += len(encounters)
	result.Rows = len(result.Samples)
	for _, e := range result.Exclusions {
		if e.Hour >= 0 {
			result.ExcludedHours++
		}
	}

	if err := dataset.WriteMatrix(o.cfg.MatrixPath(), extractorSchema, flagSchema, result.Samples); err != nil {
		return nil, err
	}
	if err := dataset.WriteExclusions(o.cfg.ExclusionsPath(), result.Exclusions); err != nil {
		return nil, err
	}
	o.persistSinks(ctx, result)

	result.CompletedAt = time.Now().UTC()
	logger.WithFields(map[string]interface{}{
		"run_id":             result.RunID,
		"encounters":         result.Encounters,
		"rows":               result.Rows,
		"skipped_encounters": result.SkippedEncounters,
		"excluded_hours":     result.ExcludedHours,
	}).Info("preprocessing run completed")
	return result, nil
}

type encounterOutput struct {
	samples    []models.LabeledSample
	exclusions []models.Exclusion
	skipped    bool
	err        error
}

// processEncounter runs selection, extraction and labeling for one encounter.
// Encounter-level problems become a skip with a reason; only invariant
// violations inside extraction are returned as errors and abort the run.
func (o *Orchestrator) processEncounter(
	enc models.Encounter,
	corrupt bool,
	selector *cohort.Selector,
	extractor *features.Extractor,
	generator *labels.Generator,
	observations []models.RawObservation,
	medications []models.MedicationEvent,
) *encounterOutput {
	out := &encounterOutput{}
	if corrupt {
		out.skipped = true
		out.exclusions = append(out.exclusions,
			models.EncounterExclusion(enc.ID, models.ReasonCorruptTimestamps))
		logger.WithField("encounter_id", enc.ID).Warn("encounter skipped: corrupt timestamps")
		return out
	}

	selection, err := selector.Select(enc, observations)
	if err != nil {
		var skip *cohort.SkipError
		if errors.As(err, &skip) {
			out.skipped = true
			out.exclusions = append(out.exclusions, models.EncounterExclusion(enc.ID, skip.Reason))
			logger.WithFields(map[string]interface{}{
				"encounter_id": enc.ID,
				"reason":       skip.Reason,
			}).Info("encounter skipped")
			return out
		}
		out.err = err
		return out
	}
	out.exclusions = append(out.exclusions, selection.Excluded...)

	vectors, hourExclusions, err := extractor.Extract(enc, observations)
	if err != nil {
		out.err = err
		return out
	}
	out.exclusions = append(out.exclusions, hourExclusions...)

	labeled, labelExclusions := generator.Label(enc, vectors, medications)
	out.exclusions = append(out.exclusions, labelExclusions...)

	eligible := make(map[int]bool, len(selection.Eligible))
	for _, hour := range selection.Eligible {
		eligible[hour] = true
	}
	for _, sample := range labeled {
		sample.InCohort = eligible[sample.Hour]
		if !sample.InCohort && !o.cfg.KeepNonCohortHours {
			continue
		}
		out.samples = append(out.samples, sample)
	}
	return out
}

func (o *Orchestrator) workerCount() int {
	if o.cfg.Workers <= 0 {
		return 1
	}
	return o.cfg.Workers
}

func (o *Orchestrator) configSnapshot() map[string]interface{} {
	return map[string]interface{}{
		"criterion":             o.cfg.Criterion,
		"features":              o.cfg.Features,
		"staleness_hours":       o.cfg.StalenessHours,
		"lookback_hours":        o.cfg.LookbackHours,
		"min_lookback_hours":    o.cfg.MinLookbackHours,
		"positive_window_hours": o.cfg.PositiveWindowHours,
		"episode_reset_hours":   o.cfg.EpisodeResetHours,
		"fit_percent":           o.cfg.FitPercent,
		"min_duration_hours":    o.cfg.MinDurationHours,
	}
}

func (o *Orchestrator) publish(ctx context.Context, runID uuid.UUID, eventType string, data map[string]interface{}) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, runID, eventType, data); err != nil {
		logger.WithError(err).Warn("event publish failed")
	}
}

func (o *Orchestrator) persistSinks(ctx context.Context, result *Result) {
	if o.repo != nil {
		if err := o.repo.SaveSamples(ctx, result.RunID, result.Samples); err != nil {
			logger.WithError(err).Warn("failed to persist samples to registry")
		}
		if err := o.repo.CompleteRun(ctx, result.RunID, result.Rows, result.SkippedEncounters, result.ExcludedHours); err != nil {
			logger.WithError(err).Warn("failed to complete run record")
		}
	}
	if o.cache != nil {
		for _, sample := range latestPerEncounter(result.Samples) {
			if err := o.cache.CacheLatest(ctx, sample); err != nil {
				logger.WithError(err).Warn("feature cache write failed")
				break
			}
		}
	}
	o.publish(ctx, result.RunID, events.TypeRunCompleted, map[string]interface{}{
		"rows":               result.Rows,
		"encounters":         result.Encounters,
		"skipped_encounters": result.SkippedEncounters,
	})
}

// buildEncounters derives the encounter set from the observation stream
// alone: admission is the first observation hour, duration runs to the last.
// Medication data deliberately plays no part, so perturbing it can never
// change the grid.
func buildEncounters(observations []models.RawObservation, maxHours int) ([]models.Encounter, map[string][]models.RawObservation) {
	byEncounter := make(map[string][]models.RawObservation)
	for _, obs := range observations {
		byEncounter[obs.EncounterID] = append(byEncounter[obs.EncounterID], obs)
	}

	ids := make([]string, 0, len(byEncounter))
	for id := range byEncounter {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	encounters := make([]models.Encounter, 0, len(ids))
	for _, id := range ids {
		series := byEncounter[id]
		first, last := series[0].Time, series[0].Time
		for _, obs := range series[1:] {
			if obs.Time.Before(first) {
				first = obs.Time
			}
			if obs.Time.After(last) {
				last = obs.Time
			}
		}
		admitted := first.Truncate(time.Hour)
		duration := int(math.Ceil(last.Sub(admitted).Hours()))
		if duration < 1 {
			duration = 1
		}
		if maxHours > 0 && duration > maxHours {
			duration = maxHours
		}
		encounters = append(encounters, models.Encounter{
			ID:            id,
			AdmittedAt:    admitted,
			DurationHours: duration,
		})
	}
	return encounters, byEncounter
}

func groupMedications(medications []models.MedicationEvent) map[string][]models.MedicationEvent {
	byEncounter := make(map[string][]models.MedicationEvent)
	for _, event := range medications {
		byEncounter[event.EncounterID] = append(byEncounter[event.EncounterID], event)
	}
	return byEncounter
}

// auditOutcomes cross-checks the outcomes stream against the observed
// encounter set. Audit only: outcomes never reach features or labels.
func auditOutcomes(outcomes []models.OutcomeEvent, observed map[string][]models.RawObservation) {
	unknown := 0
	for _, outcome := range outcomes {
		if _, ok := observed[outcome.EncounterID]; !ok {
			unknown++
		}
	}
	if unknown > 0 {
		logger.WithFields(map[string]interface{}{
			"outcome_records": len(outcomes),
			"unknown":         unknown,
		}).Warn("outcome records reference encounters absent from the observation stream")
	}
}

func latestPerEncounter(samples []models.LabeledSample) []models.LabeledSample {
	latest := make(map[string]models.LabeledSample)
	var order []string
	for _, sample := range samples {
		if _, seen := latest[sample.EncounterID]; !seen {
			order = append(order, sample.EncounterID)
		}
		latest[sample.EncounterID] = sample
	}
	out := make([]models.LabeledSample, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

func sortSamples(samples []models.LabeledSample) {
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].EncounterID != samples[j].EncounterID {
			return samples[i].EncounterID < samples[j].EncounterID
		}
		return samples[i].Hour < samples[j].Hour
	})
}

func sortExclusions(exclusions []models.Exclusion) {
	sort.Slice(exclusions, func(i, j int) bool {
		if exclusions[i].EncounterID != exclusions[j].EncounterID {
			return exclusions[i].EncounterID < exclusions[j].EncounterID
		}
		if exclusions[i].Hour != exclusions[j].Hour {
			return exclusions[i].Hour < exclusions[j].Hour
		}
		return exclusions[i].Reason < exclusions[j].Reason
	})
}
