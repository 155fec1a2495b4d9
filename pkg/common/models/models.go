package models

import "time"

// Encounter is one ICU stay, the unit of cohort membership. Admission is the
// hour-zero anchor for every hourly index derived from it.
type Encounter struct {
	ID            string    `json:"encounter_id"`
	AdmittedAt    time.Time `json:"admitted_at"`
	DurationHours int       `json:"duration_hours"`
}

// RawObservation is one point of the vitals/labs stream. Never mutated.
type RawObservation struct {
	EncounterID string    `json:"encounter_id"`
	Variable    string    `json:"variable_name"`
	Time        time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
}

// MedicationEvent marks one antibiotic administration. Consumed only by the
// label generator; feature construction must never see these.
type MedicationEvent struct {
	EncounterID string    `json:"encounter_id"`
	DrugClass   string    `json:"drug_class"`
	Time        time.Time `json:"timestamp"`
}

// OutcomeEvent is an audit-only outcome record. It is validated and reported
// against but never joined into features or labels.
type OutcomeEvent struct {
	EncounterID string    `json:"encounter_id"`
	Label       string    `json:"outcome_label"`
	Time        time.Time `json:"timestamp"`
}

// Snapshot holds the latest known value per variable as of the end of one
// hour, already filtered by the staleness bound. Absent key means no usable
// observation.
type Snapshot struct {
	Hour   int                `json:"hour"`
	Values map[string]float64 `json:"values"`
}

func (s Snapshot) Value(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// HourlyFeatureVector is one fully-populated row of the hourly grid. Values
// covers the whole declared schema; Missing marks features whose value came
// from the population fallback rather than observation or carry-forward.
type HourlyFeatureVector struct {
	EncounterID string             `json:"encounter_id"`
	Hour        int                `json:"hour"`
	Values      map[string]float64 `json:"values"`
	Missing     map[string]bool    `json:"missing"`
}

// LabeledSample is the persisted unit of the processed dataset.
type LabeledSample struct {
	HourlyFeatureVector
	Label    int  `json:"label"`
	InCohort bool `json:"in_cohort"`
}

// Exclusion reason codes. Encounter-level reasons skip the whole stay; the
// rest exclude single hours.
const (
	ReasonCorruptTimestamps   = "corrupt_timestamps"
	ReasonEncounterTooShort   = "encounter_too_short"
	ReasonNoRequiredVariables = "no_required_variables"
	ReasonInsufficientData    = "insufficient_data"
	ReasonCriteriaNotMet      = "criteria_not_met"
	ReasonInsufficientHistory = "insufficient_lookback"
	ReasonAfterAdministration = "after_administration"
)

// Exclusion is one line of the run-level exclusion report. Hour is -1 for
// encounter-level exclusions.
type Exclusion struct {
	EncounterID string `json:"encounter_id"`
	Hour        int    `json:"hour"`
	Reason      string `json:"reason"`
}

func EncounterExclusion(encounterID, reason string) Exclusion {
	return Exclusion{EncounterID: encounterID, Hour: -1, Reason: reason}
}

func HourExclusion(encounterID string, hour int, reason string) Exclusion {
	return Exclusion{EncounterID: encounterID, Hour: hour, Reason: reason}
}
