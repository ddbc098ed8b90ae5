package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/asiaops/asia/pkg/types"
)

// Canonical column names a telemetry file must provide.
const (
	ColTimeStep    = "time_step"
	ColCmdDeg      = "cmd_deg"
	ColPosDeg      = "pos_deg"
	ColHydPressure = "hyd_pressure_psi"
	ColTemperature = "actuator_temp_C"
)

// RequiredColumns lists the canonical columns in sample field order.
var RequiredColumns = []string{ColTimeStep, ColCmdDeg, ColPosDeg, ColHydPressure, ColTemperature}

// columnAliases maps each canonical column to the normalized header names
// accepted for it, checked in order.
var columnAliases = map[string][]string{
	ColTimeStep:    {"time_step"},
	ColCmdDeg:      {"cmd_deg"},
	ColPosDeg:      {"pos_deg"},
	ColHydPressure: {"hyd_pressure_psi"},
	ColTemperature: {"actuator_temp_c"},
}

var invalidHeaderChars = regexp.MustCompile(`[^a-z0-9_]`)

// ValidationError reports input that cannot be turned into samples.
type ValidationError struct {
	Reason  string
	Missing []string // canonical columns not found
	Found   []string // normalized headers present in the file
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("ingest: missing required columns %v in CSV; found: %v", e.Missing, e.Found)
	}
	return "ingest: " + e.Reason
}

// IsValidation reports whether err is, or wraps, a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NormalizeHeader lower-cases name and strips characters outside [a-z0-9_].
func NormalizeHeader(name string) string {
	return invalidHeaderChars.ReplaceAllString(strings.ToLower(name), "")
}

// ParseBytes decodes a CSV document held in memory.
func ParseBytes(data []byte) ([]types.Sample, error) {
	return Parse(bytes.NewReader(data))
}

// Parse decodes a CSV document with a header row into samples, preserving
// row order.
func Parse(r io.Reader) ([]types.Sample, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, &ValidationError{Reason: "empty CSV: no header row"}
	}
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("read header: %v", err)}
	}

	index, err := resolveColumns(header)
	if err != nil {
		return nil, err
	}

	var samples []types.Sample
	for row := 2; ; row++ { // row 1 is the header
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("row %d: %v", row, err)}
		}

		var vals [5]float64
		for i, col := range RequiredColumns {
			pos := index[col]
			if pos >= len(rec) {
				return nil, &ValidationError{Reason: fmt.Sprintf("row %d: column %s: missing value", row, col)}
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[pos]), 64)
			if err != nil {
				return nil, &ValidationError{Reason: fmt.Sprintf("row %d: column %s: %q is not a number", row, col, rec[pos])}
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &ValidationError{Reason: fmt.Sprintf("row %d: column %s: %q is not a finite number", row, col, rec[pos])}
			}
			vals[i] = v
		}
		samples = append(samples, types.Sample{
			TimeStep:       vals[0],
			CmdDeg:         vals[1],
			PosDeg:         vals[2],
			HydPressurePSI: vals[3],
			ActuatorTempC:  vals[4],
		})
	}

	if len(samples) == 0 {
		return nil, &ValidationError{Reason: "CSV has no data rows"}
	}
	return samples, nil
}

// resolveColumns maps each canonical column to its position in header.
func resolveColumns(header []string) (map[string]int, error) {
	positions := make(map[string]int, len(header))
	found := make([]string, 0, len(header))
	for i, h := range header {
		n := NormalizeHeader(h)
		found = append(found, n)
		if _, dup := positions[n]; !dup {
			positions[n] = i
		}
	}

	index := make(map[string]int, len(RequiredColumns))
	var missing []string
	for _, col := range RequiredColumns {
		resolved := false
		for _, alias := range columnAliases[col] {
			if pos, ok := positions[alias]; ok {
				index[col] = pos
				resolved = true
				break
			}
		}
		if !resolved {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Missing: missing, Found: found}
	}
	return index, nil
}
