package cohort

import (
	"fmt"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// Criterion is one named clinical screening rule. Implementations differ only
// in the variables they inspect and the thresholds they apply; the selector's
// control flow is shared.
type Criterion interface {
	Name() string
	Variables() []string
	Met(snapshot models.Snapshot) bool
}

// ByName resolves the active criterion for a run.
func ByName(name string) (Criterion, error) {
	switch name {
	case "sirs":
		return sirsCriterion{}, nil
	case "psofa":
		return psofaCriterion{}, nil
	case "phoenix":
		return phoenixCriterion{}, nil
	default:
		return nil, fmt.Errorf("unknown cohort criterion %q", name)
	}
}

// sirsCriterion: met when at least two of temperature, heart rate, respiratory
// rate and white count are deranged. Thresholds follow the pediatric
// consensus-conference bands for the school-age group.
type sirsCriterion struct{}

func (sirsCriterion) Name() string { return "sirs" }

func (sirsCriterion) Variables() []string {
	return []string{"temp", "pulse", "resp", "wbc"}
}

func (sirsCriterion) Met(s models.Snapshot) bool {
	deranged := 0
	if v, ok := s.Value("temp"); ok && (v > 38.5 || v < 36.0) {
		deranged++
	}
	if v, ok := s.Value("pulse"); ok && v > 140 {
		deranged++
	}
	if v, ok := s.Value("resp"); ok && v > 34 {
		deranged++
	}
	if v, ok := s.Value("wbc"); ok && (v > 15.5 || v < 4.5) {
		deranged++
	}
	return deranged >= 2
}

// psofaCriterion: met when the summed organ subscores reach 2. Each axis
// contributes 0-2 from the variable observed in the snapshot; unobserved
// axes contribute 0.
type psofaCriterion struct{}

func (psofaCriterion) Name() string { return "psofa" }

func (psofaCriterion) Variables() []string {
	return []string{"spo2", "fio2", "map", "platelets", "bilirubin_total", "creatinine", "coma_scale_total"}
}

func (psofaCriterion) Met(s models.Snapshot) bool {
	return psofaScore(s) >= 2
}

func psofaScore(s models.Snapshot) int {
	score := 0
	score += respiratorySubscore(s)
	if v, ok := s.Value("map"); ok {
		switch {
		case v < 50:
			score += 2
		case v < 60:
			score++
		}
	}
	if v, ok := s.Value("platelets"); ok {
		switch {
		case v < 100:
			score += 2
		case v < 150:
			score++
		}
	}
	if v, ok := s.Value("bilirubin_total"); ok {
		switch {
		case v >= 2.0:
			score += 2
		case v >= 1.2:
			score++
		}
	}
	if v, ok := s.Value("creatinine"); ok {
		switch {
		case v >= 1.7:
			score += 2
		case v >= 1.0:
			score++
		}
	}
	if v, ok := s.Value("coma_scale_total"); ok {
		switch {
		case v <= 9:
			score += 2
		case v <= 12:
			score++
		}
	}
	return score
}

// respiratorySubscore grades the SpO2/FiO2 ratio; FiO2 arrives as a fraction.
func respiratorySubscore(s models.Snapshot) int {
	spo2, haveSpo2 := s.Value("spo2")
	fio2, haveFio2 := s.Value("fio2")
	if !haveSpo2 || !haveFio2 || fio2 <= 0 {
		return 0
	}
	ratio := spo2 / fio2
	switch {
	case ratio < 221:
		return 2
	case ratio < 264:
		return 1
	default:
		return 0
	}
}

// phoenixCriterion: four organ axes (respiratory, cardiovascular, coagulation,
// neurologic); met at a total of 2. The cardiovascular axis grades lactate and
// mean arterial pressure together.
type phoenixCriterion struct{}

func (phoenixCriterion) Name() string { return "phoenix" }

func (phoenixCriterion) Variables() []string {
	return []string{"spo2", "fio2", "map", "lactic_acid", "platelets", "coma_scale_total"}
}

func (phoenixCriterion) Met(s models.Snapshot) bool {
	score := 0
	score += respiratorySubscore(s)

	cardio := 0
	if v, ok := s.Value("lactic_acid"); ok {
		switch {
		case v >= 11:
			cardio += 2
		case v >= 5:
			cardio++
		}
	}
	if v, ok := s.Value("map"); ok && v < 50 {
		cardio++
	}
	if cardio > 2 {
		cardio = 2
	}
	score += cardio

	if v, ok := s.Value("platelets"); ok && v < 100 {
		score++
	}
	if v, ok := s.Value("coma_scale_total"); ok && v <= 10 {
		score++
	}
	return score >= 2
}
