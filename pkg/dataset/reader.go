package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/logger"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// SchemaError reports a required column missing from an input file. It is
// fatal: the run aborts before any per-encounter work starts.
type SchemaError struct {
	File   string
	Column string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("input %s: required column %q not found", e.File, e.Column)
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// header maps required column names to indices, or fails with a SchemaError.
func header(file string, record []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(record))
	for i, name := range record {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, &SchemaError{File: file, Column: col}
		}
	}
	return idx, nil
}

// ReadVariables loads the raw vitals/labs stream. Rows with an unparseable
// timestamp poison their encounter (returned in corrupt) rather than the run.
// Combined blood-pressure strings like "118/74" are split into bp_sys/bp_dias
// at read time.
func ReadVariables(path string) ([]models.RawObservation, map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	head, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	cols, err := header(path, head, "encounter_id", "variable_name", "timestamp", "value")
	if err != nil {
		return nil, nil, err
	}

	var observations []models.RawObservation
	corrupt := make(map[string]bool)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}

		encounterID := strings.TrimSpace(record[cols["encounter_id"]])
		variable := strings.ToLower(strings.TrimSpace(record[cols["variable_name"]]))
		if encounterID == "" || variable == "" {
			continue
		}

		ts, err := parseTimestamp(record[cols["timestamp"]])
		if err != nil {
			corrupt[encounterID] = true
			continue
		}

		rawValue := strings.TrimSpace(record[cols["value"]])
		if variable == "bp" {
			sys, dias, ok := splitBloodPressure(rawValue)
			if ok {
				observations = append(observations,
					models.RawObservation{EncounterID: encounterID, Variable: "bp_sys", Time: ts, Value: sys},
					models.RawObservation{EncounterID: encounterID, Variable: "bp_dias", Time: ts, Value: dias})
			}
			continue
		}

		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"encounter_id": encounterID,
				"variable":     variable,
				"value":        rawValue,
			}).Debug("dropping non-numeric observation")
			continue
		}
		observations = append(observations, models.RawObservation{
			EncounterID: encounterID,
			Variable:    variable,
			Time:        ts,
			Value:       value,
		})
	}
	return observations, corrupt, nil
}

func splitBloodPressure(raw string) (float64, float64, bool) {
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	sys, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	dias, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return sys, dias, true
}

// ReadMedications loads the antibiotic administration stream.
func ReadMedications(path string) ([]models.MedicationEvent, map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	head, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	cols, err := header(path, head, "encounter_id", "drug_class", "timestamp")
	if err != nil {
		return nil, nil, err
	}

	var events []models.MedicationEvent
	corrupt := make(map[string]bool)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}

		encounterID := strings.TrimSpace(record[cols["encounter_id"]])
		if encounterID == "" {
			continue
		}
		ts, err := parseTimestamp(record[cols["timestamp"]])
		if err != nil {
			corrupt[encounterID] = true
			continue
		}
		events = append(events, models.MedicationEvent{
			EncounterID: encounterID,
			DrugClass:   strings.ToLower(strings.TrimSpace(record[cols["drug_class"]])),
			Time:        ts,
		})
	}
	return events, corrupt, nil
}

// ReadOutcomes loads the audit-only outcomes stream.
func ReadOutcomes(path string) ([]models.OutcomeEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	head, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	cols, err := header(path, head, "encounter_id", "outcome_label", "timestamp")
	if err != nil {
		return nil, err
	}

	var events []models.OutcomeEvent
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		ts, err := parseTimestamp(record[cols["timestamp"]])
		if err != nil {
			continue
		}
		events = append(events, models.OutcomeEvent{
			EncounterID: strings.TrimSpace(record[cols["encounter_id"]]),
			Label:       strings.TrimSpace(record[cols["outcome_label"]]),
			Time:        ts,
		})
	}
	return events, nil
}
