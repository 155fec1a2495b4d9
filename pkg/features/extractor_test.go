package features

import (
	"math"
	"testing"
	"time"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

var admitted = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func extractorConfig(features ...string) *config.Config {
	cfg := config.Load()
	cfg.Features = features
	cfg.StalenessHours = 3
	cfg.LookbackHours = 4
	cfg.MinLookbackHours = 1
	cfg.RollingAggregates = false
	return cfg
}

func rawObs(variable string, hourOffset float64, value float64) models.RawObservation {
	return models.RawObservation{
		EncounterID: "e1",
		Variable:    variable,
		Time:        admitted.Add(time.Duration(hourOffset * float64(time.Hour))),
		Value:       value,
	}
}

func vectorByHour(vectors []models.HourlyFeatureVector, hour int) *models.HourlyFeatureVector {
	for i := range vectors {
		if vectors[i].Hour == hour {
			return &vectors[i]
		}
	}
	return nil
}

func TestExtractCarryForwardAndStaleness(t *testing.T) {
	stats := ImputerStats{Medians: map[string]float64{"pulse": 80}}
	extractor := NewExtractor(extractorConfig("pulse"), stats)
	enc := models.Encounter{ID: "e1", AdmittedAt: admitted, DurationHours: 6}

	vectors, exclusions, err := extractor.Extract(enc, []models.RawObservation{rawObs("pulse", 0.5, 100)})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(exclusions) != 1 || exclusions[0].Hour != 0 || exclusions[0].Reason != models.ReasonInsufficientHistory {
		t.Fatalf("expected hour 0 excluded for lookback, got %v", exclusions)
	}
	if len(vectors) != 5 {
		t.Fatalf("expected vectors for hours 1-5, got %d", len(vectors))
	}

	// Carried forward while inside the 3h staleness bound.
	for _, hour := range []int{1, 2} {
		v := vectorByHour(vectors, hour)
		if v.Values["pulse"] != 100 || v.Missing["pulse"] {
			t.Fatalf("hour %d: expected carried value 100, got %v missing=%v", hour, v.Values["pulse"], v.Missing["pulse"])
		}
	}
	// Stale from hour 3 on: population fallback with the flag set.
	for _, hour := range []int{3, 4, 5} {
		v := vectorByHour(vectors, hour)
		if v.Values["pulse"] != 80 || !v.Missing["pulse"] {
			t.Fatalf("hour %d: expected fallback 80 with missing=1, got %v missing=%v", hour, v.Values["pulse"], v.Missing["pulse"])
		}
	}
}

func TestExtractAggregatesWithinHourByMedian(t *testing.T) {
	stats := ImputerStats{Medians: map[string]float64{"pulse": 80}}
	extractor := NewExtractor(extractorConfig("pulse"), stats)
	enc := models.Encounter{ID: "e1", AdmittedAt: admitted, DurationHours: 3}

	observations := []models.RawObservation{
		rawObs("pulse", 1.2, 100),
		rawObs("pulse", 1.5, 120),
		rawObs("pulse", 1.8, 104),
	}
	vectors, _, err := extractor.Extract(enc, observations)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	v := vectorByHour(vectors, 1)
	if v.Values["pulse"] != 104 {
		t.Fatalf("within-hour median = %v, want 104", v.Values["pulse"])
	}
	if v.Missing["pulse"] {
		t.Fatal("observed hour must not be flagged missing")
	}
}

func TestExtractAbsentVariableUsesFittedFallbackEveryHour(t *testing.T) {
	// Stats fitted elsewhere; this encounter never observes wbc. Every hour
	// must carry the fitted fallback with missingness set, and the encounter
	// must not abort.
	stats := ImputerStats{Medians: map[string]float64{"pulse": 90, "wbc": 11.5}}
	extractor := NewExtractor(extractorConfig("pulse", "wbc"), stats)
	enc := models.Encounter{ID: "held-out", AdmittedAt: admitted, DurationHours: 5}

	observations := []models.RawObservation{
		rawObs("pulse", 0.5, 100), rawObs("pulse", 1.5, 102),
		rawObs("pulse", 2.5, 99), rawObs("pulse", 3.5, 101),
	}
	vectors, _, err := extractor.Extract(enc, observations)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, v := range vectors {
		if v.Values["wbc"] != 11.5 {
			t.Fatalf("hour %d: wbc = %v, want fitted fallback 11.5", v.Hour, v.Values["wbc"])
		}
		if !v.Missing["wbc"] {
			t.Fatalf("hour %d: wbc must be flagged missing", v.Hour)
		}
	}
}

func TestExtractDerivedRatios(t *testing.T) {
	stats := ImputerStats{Medians: map[string]float64{"pulse": 90, "bp_sys": 50}}
	extractor := NewExtractor(extractorConfig("pulse", "bp_sys"), stats)
	enc := models.Encounter{ID: "e1", AdmittedAt: admitted, DurationHours: 3}

	observations := []models.RawObservation{
		rawObs("pulse", 1.5, 120),
		rawObs("bp_sys", 1.5, 80),
	}
	vectors, _, err := extractor.Extract(enc, observations)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	v := vectorByHour(vectors, 1)
	if got := v.Values["shock_index"]; got != 1.5 {
		t.Fatalf("shock_index = %v, want 1.5", got)
	}
	if v.Missing["shock_index"] {
		t.Fatal("ratio of two observed inputs must not be missing")
	}
}

func TestExtractRollingAggregates(t *testing.T) {
	cfg := extractorConfig("pulse")
	cfg.RollingAggregates = true
	cfg.LookbackHours = 2
	stats := ImputerStats{Medians: map[string]float64{"pulse": 80}}
	extractor := NewExtractor(cfg, stats)
	enc := models.Encounter{ID: "e1", AdmittedAt: admitted, DurationHours: 5}

	observations := []models.RawObservation{
		rawObs("pulse", 0.5, 10), rawObs("pulse", 1.5, 20),
		rawObs("pulse", 2.5, 30), rawObs("pulse", 3.5, 40),
		rawObs("pulse", 4.5, 50),
	}
	vectors, _, err := extractor.Extract(enc, observations)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	v := vectorByHour(vectors, 3)
	if v.Values["pulse_mean"] != 35 || v.Values["pulse_min"] != 30 || v.Values["pulse_max"] != 40 {
		t.Fatalf("unexpected aggregates mean=%v min=%v max=%v",
			v.Values["pulse_mean"], v.Values["pulse_min"], v.Values["pulse_max"])
	}
	if math.Abs(v.Values["pulse_std"]-5) > 1e-9 {
		t.Fatalf("pulse_std = %v, want 5", v.Values["pulse_std"])
	}
}

func TestExtractVectorsCoverFullSchema(t *testing.T) {
	cfg := extractorConfig("pulse", "bp_sys")
	cfg.RollingAggregates = true
	stats := ImputerStats{Medians: map[string]float64{"pulse": 90, "bp_sys": 60}}
	extractor := NewExtractor(cfg, stats)
	enc := models.Encounter{ID: "e1", AdmittedAt: admitted, DurationHours: 4}

	vectors, _, err := extractor.Extract(enc, []models.RawObservation{rawObs("pulse", 0.5, 100)})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	schema := extractor.ValueSchema()
	for _, v := range vectors {
		if len(v.Values) != len(schema) {
			t.Fatalf("hour %d: %d values, schema wants %d", v.Hour, len(v.Values), len(schema))
		}
		for _, name := range schema {
			if _, ok := v.Values[name]; !ok {
				t.Fatalf("hour %d: schema column %q absent", v.Hour, name)
			}
		}
	}
}
