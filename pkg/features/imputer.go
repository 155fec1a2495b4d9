package features

import (
	"hash/fnv"
	"sort"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/logger"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// ImputerStats is the immutable output of the fitting phase: one population
// median per feature, computed on the fitting partition only. Applying it is
// a pure lookup; nothing here is ever refit during extraction.
type ImputerStats struct {
	Medians map[string]float64 `json:"medians"`
	Counts  map[string]int     `json:"fit_observations"`
}

// Fallback returns the fitted population median for a feature, or zero when
// the fitting partition never observed it.
func (s ImputerStats) Fallback(name string) float64 {
	return s.Medians[name]
}

// PartitionSelector deterministically assigns encounters to the fitting
// partition: FNV-1a of the encounter id modulo 100 against the configured
// percentage. The same inputs always produce the same split, so reruns are
// reproducible without a stored assignment table.
func PartitionSelector(percent int) func(encounterID string) bool {
	return func(encounterID string) bool {
		h := fnv.New32a()
		h.Write([]byte(encounterID))
		return int(h.Sum32()%100) < percent
	}
}

// FitImputer computes per-feature population medians over the observations of
// fitting-partition encounters. Validation and test encounters contribute
// nothing to the statistics.
func FitImputer(observations []models.RawObservation, featureNames []string, inFit func(encounterID string) bool) ImputerStats {
	wanted := make(map[string]bool, len(featureNames))
	for _, name := range featureNames {
		wanted[name] = true
	}

	values := make(map[string][]float64)
	for _, obs := range observations {
		if wanted[obs.Variable] && inFit(obs.EncounterID) {
			values[obs.Variable] = append(values[obs.Variable], obs.Value)
		}
	}

	stats := ImputerStats{
		Medians: make(map[string]float64, len(values)),
		Counts:  make(map[string]int, len(values)),
	}
	for name, series := range values {
		stats.Medians[name] = median(series)
		stats.Counts[name] = len(series)
	}

	logger.WithFields(map[string]interface{}{
		"features_requested": len(featureNames),
		"features_fitted":    len(stats.Medians),
	}).Info("imputation statistics fitted")
	return stats
}

// median sorts a copy; the fit phase must not reorder caller data.
func median(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	sorted := make([]float64, len(series))
	copy(sorted, series)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
