package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/dataset"
)

var admitted = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// writeFixtures builds a two-encounter input set: enc-a is a 13-hour stay
// with persistently deranged vitals and one antibiotic dose at hour 8.5;
// enc-b spans under two hours and must be skipped as too short.
func writeFixtures(t *testing.T, dir string, doseOffset time.Duration) {
	t.Helper()

	var variables strings.Builder
	variables.WriteString("encounter_id,variable_name,timestamp,value\n")
	values := map[string]float64{
		"temp": 39.5, "pulse": 150, "resp": 40, "wbc": 20, "map": 45, "platelets": 120,
	}
	for hour := 0; hour <= 12; hour++ {
		ts := admitted.Add(time.Duration(hour)*time.Hour + 15*time.Minute)
		for name, value := range values {
			fmt.Fprintf(&variables, "enc-a,%s,%s,%g\n", name, ts.Format(time.RFC3339), value)
		}
	}
	shortStart := time.Date(2024, 3, 2, 9, 5, 0, 0, time.UTC)
	fmt.Fprintf(&variables, "enc-b,temp,%s,37.2\n", shortStart.Format(time.RFC3339))
	fmt.Fprintf(&variables, "enc-b,temp,%s,37.4\n", shortStart.Add(time.Hour).Format(time.RFC3339))

	var medications strings.Builder
	medications.WriteString("encounter_id,drug_class,timestamp\n")
	fmt.Fprintf(&medications, "enc-a,antibacterial,%s\n",
		admitted.Add(8*time.Hour+30*time.Minute+doseOffset).Format(time.RFC3339))
	fmt.Fprintf(&medications, "enc-a,vasopressor,%s\n",
		admitted.Add(2*time.Hour).Format(time.RFC3339))

	outcomes := "encounter_id,outcome_label,timestamp\n" +
		"enc-a,sepsis," + admitted.Add(12*time.Hour).Format(time.RFC3339) + "\n" +
		"ghost,none," + admitted.Format(time.RFC3339) + "\n"

	for name, content := range map[string]string{
		"variables.csv":   variables.String(),
		"medications.csv": medications.String(),
		"outcomes.csv":    outcomes,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testConfig(rawDir, outDir string) *config.Config {
	cfg := config.Load()
	cfg.RawDataDir = rawDir
	cfg.ProcessedDataDir = outDir
	cfg.Criterion = "sirs"
	cfg.Features = []string{"temp", "pulse", "resp", "wbc", "map", "platelets"}
	cfg.StalenessHours = 6
	cfg.LookbackHours = 12
	cfg.MinLookbackHours = 1
	cfg.RollingAggregates = false
	cfg.FitPercent = 100
	cfg.MinDurationHours = 6
	cfg.PositiveWindowHours = 3
	cfg.EpisodeResetHours = 72
	cfg.AntiinfectiveClasses = []string{"antibacterial"}
	cfg.Workers = 3
	cfg.PostgresHost = ""
	cfg.RedisAddr = ""
	cfg.KafkaBrokers = nil
	return cfg
}

func runPipeline(t *testing.T, cfg *config.Config) *Result {
	t.Helper()
	orchestrator, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("build orchestrator: %v", err)
	}
	result, err := orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return result
}

func readMatrix(t *testing.T, path string) ([]string, [][]string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return records[0], records[1:]
}

func TestPipelineEndToEnd(t *testing.T) {
	rawDir := t.TempDir()
	writeFixtures(t, rawDir, 0)
	cfg := testConfig(rawDir, filepath.Join(rawDir, "out"))

	result := runPipeline(t, cfg)

	if result.Encounters != 2 {
		t.Fatalf("expected 2 encounters, got %d", result.Encounters)
	}
	if result.SkippedEncounters != 1 {
		t.Fatalf("expected 1 skipped encounter, got %d", result.SkippedEncounters)
	}

	header, rows := readMatrix(t, cfg.MatrixPath())
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}

	seen := make(map[string]bool)
	for _, row := range rows {
		if row[col["encounter_id"]] != "enc-a" {
			t.Fatalf("unexpected encounter %q in output", row[col["encounter_id"]])
		}
		hour, _ := strconv.Atoi(row[col["hour"]])
		if hour < 0 || hour >= 13 {
			t.Fatalf("hour %d outside [0, duration)", hour)
		}
		key := row[col["encounter_id"]] + ":" + row[col["hour"]]
		if seen[key] {
			t.Fatalf("duplicate (encounter, hour) pair %s", key)
		}
		seen[key] = true

		wantLabel := "0"
		if hour >= 5 && hour < 8 {
			wantLabel = "1"
		}
		if row[col["label"]] != wantLabel {
			t.Fatalf("hour %d: label %s, want %s", hour, row[col["label"]], wantLabel)
		}
		if hour >= 8 {
			t.Fatalf("hour %d at or after administration must be absent", hour)
		}
		if row[col["in_cohort"]] != "1" {
			t.Fatalf("hour %d: expected in_cohort=1", hour)
		}
	}
	if len(rows) != 7 {
		t.Fatalf("expected hours 1-7 of enc-a, got %d rows", len(rows))
	}

	// The short encounter is recorded, never silently dropped.
	foundSkip := false
	for _, e := range result.Exclusions {
		if e.EncounterID == "enc-b" && e.Hour == -1 && e.Reason == models.ReasonEncounterTooShort {
			foundSkip = true
		}
	}
	if !foundSkip {
		t.Fatal("expected enc-b recorded as encounter_too_short")
	}
	if _, err := os.Stat(cfg.ExclusionsPath()); err != nil {
		t.Fatalf("exclusion report not written: %v", err)
	}
}

func TestFullyCorruptEncounterIsReported(t *testing.T) {
	rawDir := t.TempDir()
	writeFixtures(t, rawDir, 0)
	f, err := os.OpenFile(filepath.Join(rawDir, "variables.csv"), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("enc-corrupt,temp,not-a-time,38.9\nenc-corrupt,pulse,also bad,151\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	cfg := testConfig(rawDir, filepath.Join(rawDir, "out"))

	result := runPipeline(t, cfg)

	if result.Encounters != 3 {
		t.Fatalf("expected 3 encounters, got %d", result.Encounters)
	}
	if result.SkippedEncounters != 2 {
		t.Fatalf("expected 2 skipped encounters, got %d", result.SkippedEncounters)
	}
	found := false
	for _, e := range result.Exclusions {
		if e.EncounterID == "enc-corrupt" && e.Hour == -1 && e.Reason == models.ReasonCorruptTimestamps {
			found = true
		}
	}
	if !found {
		t.Fatal("expected enc-corrupt recorded as corrupt_timestamps in the exclusion report")
	}

	_, rows := readMatrix(t, cfg.MatrixPath())
	for _, row := range rows {
		if row[0] == "enc-corrupt" {
			t.Fatal("corrupt encounter must not reach the output matrix")
		}
	}
}

func TestPipelineIsIdempotent(t *testing.T) {
	rawDir := t.TempDir()
	writeFixtures(t, rawDir, 0)

	cfgA := testConfig(rawDir, filepath.Join(rawDir, "out-a"))
	cfgB := testConfig(rawDir, filepath.Join(rawDir, "out-b"))
	runPipeline(t, cfgA)
	runPipeline(t, cfgB)

	matrixA, err := os.ReadFile(cfgA.MatrixPath())
	if err != nil {
		t.Fatal(err)
	}
	matrixB, err := os.ReadFile(cfgB.MatrixPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(matrixA) != string(matrixB) {
		t.Fatal("reruns over identical inputs produced different matrices")
	}

	exclusionsA, _ := os.ReadFile(cfgA.ExclusionsPath())
	exclusionsB, _ := os.ReadFile(cfgB.ExclusionsPath())
	if string(exclusionsA) != string(exclusionsB) {
		t.Fatal("reruns produced different exclusion reports")
	}
}

func TestMedicationPerturbationNeverReachesFeatures(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeFixtures(t, dirA, 0)
	writeFixtures(t, dirB, 25*time.Minute)

	cfgA := testConfig(dirA, filepath.Join(dirA, "out"))
	cfgB := testConfig(dirB, filepath.Join(dirB, "out"))
	runPipeline(t, cfgA)
	runPipeline(t, cfgB)

	headerA, rowsA := readMatrix(t, cfgA.MatrixPath())
	headerB, rowsB := readMatrix(t, cfgB.MatrixPath())
	if strings.Join(headerA, ",") != strings.Join(headerB, ",") {
		t.Fatal("schemas differ between runs")
	}

	featureCols := make([]int, 0, len(headerA))
	for i, name := range headerA {
		if name != "label" && name != "in_cohort" {
			featureCols = append(featureCols, i)
		}
	}
	indexRows := func(rows [][]string) map[string][]string {
		byKey := make(map[string][]string, len(rows))
		for _, row := range rows {
			byKey[row[0]+":"+row[1]] = row
		}
		return byKey
	}
	byKeyB := indexRows(rowsB)
	for key, rowA := range indexRows(rowsA) {
		rowB, ok := byKeyB[key]
		if !ok {
			continue
		}
		for _, i := range featureCols {
			if rowA[i] != rowB[i] {
				t.Fatalf("%s: feature column %s changed with medication timestamps", key, headerA[i])
			}
		}
	}
}

func TestCriterionSwitchPreservesFeatureValues(t *testing.T) {
	rawDir := t.TempDir()
	writeFixtures(t, rawDir, 0)

	cfgSIRS := testConfig(rawDir, filepath.Join(rawDir, "out-sirs"))
	cfgPSOFA := testConfig(rawDir, filepath.Join(rawDir, "out-psofa"))
	cfgPSOFA.Criterion = "psofa"
	runPipeline(t, cfgSIRS)
	runPipeline(t, cfgPSOFA)

	header, rowsSIRS := readMatrix(t, cfgSIRS.MatrixPath())
	_, rowsPSOFA := readMatrix(t, cfgPSOFA.MatrixPath())

	index := func(rows [][]string) map[string][]string {
		byKey := make(map[string][]string, len(rows))
		for _, row := range rows {
			byKey[row[0]+":"+row[1]] = row
		}
		return byKey
	}
	psofaRows := index(rowsPSOFA)
	for key, sirsRow := range index(rowsSIRS) {
		psofaRow, ok := psofaRows[key]
		if !ok {
			continue
		}
		for i, name := range header {
			if name == "label" || name == "in_cohort" {
				continue
			}
			if sirsRow[i] != psofaRow[i] {
				t.Fatalf("%s: column %s differs across criteria", key, name)
			}
		}
	}
}

func TestPipelineAbortsOnSchemaError(t *testing.T) {
	rawDir := t.TempDir()
	writeFixtures(t, rawDir, 0)
	// Drop the value column entirely.
	broken := "encounter_id,variable_name,timestamp\nenc-a,temp,2024-03-01T08:15:00Z\n"
	if err := os.WriteFile(filepath.Join(rawDir, "variables.csv"), []byte(broken), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(rawDir, filepath.Join(rawDir, "out"))

	orchestrator, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatal(err)
	}
	_, err = orchestrator.Run(context.Background())
	var schemaErr *dataset.SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if _, statErr := os.Stat(cfg.MatrixPath()); !os.IsNotExist(statErr) {
		t.Fatal("no output must be written after a schema failure")
	}
}
