package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// MatrixColumns is the exported column order of the processed matrix:
// identity, the value schema, one missingness flag per flagged feature, then
// label and cohort flag. The order is a function of the schema alone so
// reruns are byte-identical.
func MatrixColumns(valueSchema, flagSchema []string) []string {
	columns := make([]string, 0, len(valueSchema)+len(flagSchema)+4)
	columns = append(columns, "encounter_id", "hour")
	columns = append(columns, valueSchema...)
	for _, name := range flagSchema {
		columns = append(columns, "miss_"+name)
	}
	columns = append(columns, "label", "in_cohort")
	return columns
}

// WriteMatrix persists the merged labeled samples. Samples must arrive
// already sorted by (encounter id, hour); the writer does not reorder.
func WriteMatrix(path string, valueSchema, flagSchema []string, samples []models.LabeledSample) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write(MatrixColumns(valueSchema, flagSchema)); err != nil {
		return err
	}

	row := make([]string, 0, len(valueSchema)+len(flagSchema)+4)
	for _, sample := range samples {
		row = row[:0]
		row = append(row, sample.EncounterID, strconv.Itoa(sample.Hour))
		for _, name := range valueSchema {
			value, ok := sample.Values[name]
			if !ok {
				return fmt.Errorf("encounter %s hour %d: schema column %q missing from vector",
					sample.EncounterID, sample.Hour, name)
			}
			row = append(row, formatValue(value))
		}
		for _, name := range flagSchema {
			row = append(row, boolFlag(sample.Missing[name]))
		}
		row = append(row, strconv.Itoa(sample.Label), boolFlag(sample.InCohort))
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteExclusions persists the run-level exclusion report.
func WriteExclusions(path string, exclusions []models.Exclusion) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write([]string{"encounter_id", "hour", "reason"}); err != nil {
		return err
	}
	for _, e := range exclusions {
		if err := writer.Write([]string{e.EncounterID, strconv.Itoa(e.Hour), e.Reason}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
