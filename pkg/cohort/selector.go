package cohort

import (
	"fmt"
	"sort"
	"time"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// SkipError rejects a whole encounter before any hour is evaluated. The run
// continues; the reason lands in the exclusion report.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("encounter skipped: %s", e.Reason)
}

// Selection is the per-encounter eligibility verdict: eligible hour indices in
// ascending order plus a reasoned exclusion for every rejected hour.
type Selection struct {
	Eligible []int
	Excluded []models.Exclusion
}

type Selector struct {
	criterion        Criterion
	stalenessHours   int
	minDurationHours int
}

func NewSelector(criterion Criterion, cfg *config.Config) *Selector {
	return &Selector{
		criterion:        criterion,
		stalenessHours:   cfg.StalenessHours,
		minDurationHours: cfg.MinDurationHours,
	}
}

// Select walks every hour from admission to discharge, builds the
// staleness-bounded snapshot over the criterion's variable set and records
// inclusion or a reasoned exclusion. Observations are assumed untrusted:
// zero timestamps mark the encounter corrupt.
func (s *Selector) Select(enc models.Encounter, observations []models.RawObservation) (Selection, error) {
	if enc.DurationHours < s.minDurationHours {
		return Selection{}, &SkipError{Reason: models.ReasonEncounterTooShort}
	}
	for _, obs := range observations {
		if obs.Time.IsZero() {
			return Selection{}, &SkipError{Reason: models.ReasonCorruptTimestamps}
		}
	}

	required := s.criterion.Variables()
	series := seriesByVariable(observations, required)
	if len(series) == 0 {
		return Selection{}, &SkipError{Reason: models.ReasonNoRequiredVariables}
	}

	var selection Selection
	for hour := 0; hour < enc.DurationHours; hour++ {
		snapshot := SnapshotAt(enc, series, hour, s.stalenessHours, required)
		switch {
		case len(snapshot.Values) == 0:
			selection.Excluded = append(selection.Excluded,
				models.HourExclusion(enc.ID, hour, models.ReasonInsufficientData))
		case !s.criterion.Met(snapshot):
			selection.Excluded = append(selection.Excluded,
				models.HourExclusion(enc.ID, hour, models.ReasonCriteriaNotMet))
		default:
			selection.Eligible = append(selection.Eligible, hour)
		}
	}
	return selection, nil
}

// seriesByVariable groups the wanted variables into time-sorted series.
func seriesByVariable(observations []models.RawObservation, wanted []string) map[string][]models.RawObservation {
	keep := make(map[string]bool, len(wanted))
	for _, name := range wanted {
		keep[name] = true
	}
	series := make(map[string][]models.RawObservation)
	for _, obs := range observations {
		if keep[obs.Variable] {
			series[obs.Variable] = append(series[obs.Variable], obs)
		}
	}
	for name := range series {
		sort.SliceStable(series[name], func(i, j int) bool {
			return series[name][i].Time.Before(series[name][j].Time)
		})
	}
	return series
}

// SnapshotAt resolves the latest value per variable as of the end of the
// given hour, discarding anything older than the staleness bound.
func SnapshotAt(enc models.Encounter, series map[string][]models.RawObservation, hour, stalenessHours int, variables []string) models.Snapshot {
	cutoff := enc.AdmittedAt.Add(time.Duration(hour+1) * time.Hour)
	horizon := cutoff.Add(-time.Duration(stalenessHours) * time.Hour)

	snapshot := models.Snapshot{Hour: hour, Values: make(map[string]float64)}
	for _, name := range variables {
		obs := series[name]
		for i := len(obs) - 1; i >= 0; i-- {
			if obs[i].Time.Before(cutoff) {
				if !obs[i].Time.Before(horizon) {
					snapshot.Values[name] = obs[i].Value
				}
				break
			}
		}
	}
	return snapshot
}
