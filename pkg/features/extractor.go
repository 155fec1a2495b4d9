package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// derivedRatio is a pediatric bedside ratio computed from two imputed base
// features. It joins the schema only when both inputs are configured.
type derivedRatio struct {
	name        string
	numerator   string
	denominator string
}

var derivedRatios = []derivedRatio{
	{name: "shock_index", numerator: "pulse", denominator: "bp_sys"},
	{name: "sf_ratio", numerator: "spo2", denominator: "fio2"},
}

// Extractor resamples raw observation streams onto the hourly grid and emits
// one complete feature vector per hour. It is constructed once per run with
// the fitted imputation statistics and holds no mutable state, so encounters
// can be extracted concurrently.
type Extractor struct {
	features    []string
	derived     []derivedRatio
	staleness   time.Duration
	lookback    int
	minLookback int
	rolling     bool
	stats       ImputerStats
}

func NewExtractor(cfg *config.Config, stats ImputerStats) *Extractor {
	configured := make(map[string]bool, len(cfg.Features))
	for _, name := range cfg.Features {
		configured[name] = true
	}
	var derived []derivedRatio
	for _, ratio := range derivedRatios {
		if configured[ratio.numerator] && configured[ratio.denominator] {
			derived = append(derived, ratio)
		}
	}
	return &Extractor{
		features:    append([]string(nil), cfg.Features...),
		derived:     derived,
		staleness:   time.Duration(cfg.StalenessHours) * time.Hour,
		lookback:    cfg.LookbackHours,
		minLookback: cfg.MinLookbackHours,
		rolling:     cfg.RollingAggregates,
		stats:       stats,
	}
}

// ValueSchema is the declared feature schema: base variables, derived ratios,
// then rolling aggregates. Every emitted vector carries exactly these keys.
func (e *Extractor) ValueSchema() []string {
	schema := append([]string(nil), e.features...)
	for _, ratio := range e.derived {
		schema = append(schema, ratio.name)
	}
	if e.rolling {
		for _, name := range e.features {
			for _, suffix := range aggregateSuffixes {
				schema = append(schema, name+suffix)
			}
		}
	}
	return schema
}

// FlagSchema lists the features carrying a missingness indicator.
func (e *Extractor) FlagSchema() []string {
	flags := append([]string(nil), e.features...)
	for _, ratio := range e.derived {
		flags = append(flags, ratio.name)
	}
	return flags
}

// Extract produces one HourlyFeatureVector per hour of the encounter, minus
// the leading hours that lack the minimum lookback history. A partial vector
// is a construction bug, not data: it fails the whole run.
func (e *Extractor) Extract(enc models.Encounter, observations []models.RawObservation) ([]models.HourlyFeatureVector, []models.Exclusion, error) {
	duration := enc.DurationHours
	if duration <= 0 {
		return nil, nil, nil
	}

	imputed := make(map[string][]float64, len(e.features))
	fallback := make(map[string][]bool, len(e.features))
	for _, name := range e.features {
		values, missing := e.resample(enc, name, filterVariable(observations, name))
		imputed[name] = values
		fallback[name] = missing
	}

	var exclusions []models.Exclusion
	vectors := make([]models.HourlyFeatureVector, 0, duration)
	schemaLen := len(e.ValueSchema())

	for hour := 0; hour < duration; hour++ {
		if hour < e.minLookback {
			exclusions = append(exclusions,
				models.HourExclusion(enc.ID, hour, models.ReasonInsufficientHistory))
			continue
		}

		vector := models.HourlyFeatureVector{
			EncounterID: enc.ID,
			Hour:        hour,
			Values:      make(map[string]float64, schemaLen),
			Missing:     make(map[string]bool, len(e.features)+len(e.derived)),
		}
		for _, name := range e.features {
			vector.Values[name] = imputed[name][hour]
			vector.Missing[name] = fallback[name][hour]
		}
		for _, ratio := range e.derived {
			value, missing := evalRatio(ratio, vector)
			vector.Values[ratio.name] = value
			vector.Missing[ratio.name] = missing
		}
		if e.rolling {
			for _, name := range e.features {
				mean, std, min, max := rollingAggregates(imputed[name], hour, e.lookback)
				vector.Values[name+"_mean"] = mean
				vector.Values[name+"_std"] = std
				vector.Values[name+"_min"] = min
				vector.Values[name+"_max"] = max
			}
		}
		if len(vector.Values) != schemaLen {
			return nil, nil, fmt.Errorf("encounter %s hour %d: vector has %d of %d schema values",
				enc.ID, hour, len(vector.Values), schemaLen)
		}
		vectors = append(vectors, vector)
	}
	return vectors, exclusions, nil
}

// resample places one variable onto the hourly grid: within-hour observations
// aggregate by median, otherwise the last observation carries forward until
// it exceeds the staleness bound, after which the fitted population median
// applies with the missingness flag set. A variable absent for the whole
// encounter is all-fallback, never an error.
func (e *Extractor) resample(enc models.Encounter, name string, observations []models.RawObservation) ([]float64, []bool) {
	duration := enc.DurationHours
	values := make([]float64, duration)
	missing := make([]bool, duration)

	buckets := make([][]models.RawObservation, duration)
	var lastTime time.Time
	var lastValue float64
	for _, obs := range observations {
		offset := obs.Time.Sub(enc.AdmittedAt)
		switch {
		case offset < 0:
			// Pre-admission baseline: usable for carry-forward only.
			if obs.Time.After(lastTime) {
				lastTime, lastValue = obs.Time, obs.Value
			}
		case int(offset.Hours()) < duration:
			buckets[int(offset.Hours())] = append(buckets[int(offset.Hours())], obs)
		}
	}

	for hour := 0; hour < duration; hour++ {
		hourEnd := enc.AdmittedAt.Add(time.Duration(hour+1) * time.Hour)
		if bucket := buckets[hour]; len(bucket) > 0 {
			inHour := make([]float64, len(bucket))
			for i, obs := range bucket {
				inHour[i] = obs.Value
				if obs.Time.After(lastTime) {
					lastTime = obs.Time
				}
			}
			lastValue = median(inHour)
			values[hour] = lastValue
			continue
		}
		if !lastTime.IsZero() && !lastTime.Before(hourEnd.Add(-e.staleness)) {
			values[hour] = lastValue
			continue
		}
		values[hour] = e.stats.Fallback(name)
		missing[hour] = true
	}
	return values, missing
}

func evalRatio(ratio derivedRatio, vector models.HourlyFeatureVector) (float64, bool) {
	num := vector.Values[ratio.numerator]
	den := vector.Values[ratio.denominator]
	missing := vector.Missing[ratio.numerator] || vector.Missing[ratio.denominator]
	if den == 0 {
		return 0, true
	}
	return num / den, missing
}

func filterVariable(observations []models.RawObservation, name string) []models.RawObservation {
	var filtered []models.RawObservation
	for _, obs := range observations {
		if obs.Variable == name {
			filtered = append(filtered, obs)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Time.Before(filtered[j].Time)
	})
	return filtered
}
