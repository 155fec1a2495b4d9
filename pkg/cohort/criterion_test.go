package cohort

import (
	"testing"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

func snapshot(values map[string]float64) models.Snapshot {
	return models.Snapshot{Values: values}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"sirs", "psofa", "phoenix"} {
		criterion, err := ByName(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if criterion.Name() != name {
			t.Fatalf("expected %s, got %s", name, criterion.Name())
		}
		if len(criterion.Variables()) == 0 {
			t.Fatalf("%s reports no variables", name)
		}
	}
	if _, err := ByName("news2"); err == nil {
		t.Fatal("expected error for unknown criterion")
	}
}

func TestSIRSCriterion(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]float64
		met    bool
	}{
		{"fever and tachycardia", map[string]float64{"temp": 39.2, "pulse": 150}, true},
		{"fever only", map[string]float64{"temp": 39.2, "pulse": 110}, false},
		{"hypothermia and leukopenia", map[string]float64{"temp": 35.5, "wbc": 3.1}, true},
		{"tachypnea and leukocytosis", map[string]float64{"resp": 40, "wbc": 18}, true},
		{"all normal", map[string]float64{"temp": 37.0, "pulse": 100, "resp": 22, "wbc": 9}, false},
		{"empty snapshot", map[string]float64{}, false},
	}
	criterion := sirsCriterion{}
	for _, tc := range cases {
		if got := criterion.Met(snapshot(tc.values)); got != tc.met {
			t.Errorf("%s: met=%v, want %v", tc.name, got, tc.met)
		}
	}
}

func TestPSOFACriterion(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]float64
		met    bool
	}{
		{"hypotension alone scores two", map[string]float64{"map": 45}, true},
		{"mild hypotension alone", map[string]float64{"map": 55}, false},
		{"mild hypotension plus thrombocytopenia", map[string]float64{"map": 55, "platelets": 120}, true},
		{"severe respiratory failure", map[string]float64{"spo2": 88, "fio2": 0.6}, true},
		{"normal oxygenation", map[string]float64{"spo2": 98, "fio2": 0.21}, false},
		{"deep coma", map[string]float64{"coma_scale_total": 6}, true},
	}
	criterion := psofaCriterion{}
	for _, tc := range cases {
		if got := criterion.Met(snapshot(tc.values)); got != tc.met {
			t.Errorf("%s: met=%v, want %v", tc.name, got, tc.met)
		}
	}
}

func TestPhoenixCriterion(t *testing.T) {
	cases := []struct {
		name   string
		values map[string]float64
		met    bool
	}{
		{"severe hyperlactatemia", map[string]float64{"lactic_acid": 12}, true},
		{"moderate lactate plus hypotension", map[string]float64{"lactic_acid": 6, "map": 45}, true},
		{"moderate lactate alone", map[string]float64{"lactic_acid": 6}, false},
		{"coagulation plus neurologic", map[string]float64{"platelets": 80, "coma_scale_total": 9}, true},
		{"normal snapshot", map[string]float64{"lactic_acid": 1.1, "map": 70, "platelets": 250}, false},
	}
	criterion := phoenixCriterion{}
	for _, tc := range cases {
		if got := criterion.Met(snapshot(tc.values)); got != tc.met {
			t.Errorf("%s: met=%v, want %v", tc.name, got, tc.met)
		}
	}
}
