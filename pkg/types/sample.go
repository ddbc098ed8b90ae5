package types

import (
	"encoding/json"
	"slices"
)

// Sample is one actuator telemetry reading. A run is an ordered []Sample in
// acquisition order; order matters for trend analysis.
type Sample struct {
	TimeStep       float64 `json:"time_step"`
	CmdDeg         float64 `json:"cmd_deg"`
	PosDeg         float64 `json:"pos_deg"`
	HydPressurePSI float64 `json:"hyd_pressure_psi"`
	ActuatorTempC  float64 `json:"actuator_temp_C"`
}

// Canonical signal names, in the order the extractor emits them.
const (
	SignalLag         = "cmd_pos_lag_avg"
	SignalPressure    = "hyd_pressure_trend"
	SignalTemperature = "actuator_temp_C_max"
)

// Metric types attached to each KPI record.
const (
	MetricActuatorPerformance = "Actuator Performance"
	MetricSystemHealth        = "System Health"
	MetricThermalHealth       = "Thermal Health"
)

// producedFields lists the numeric fields each indicator always carries.
var producedFields = map[string][]string{
	SignalLag:         {"mean_value", "std_dev"},
	SignalPressure:    {"mean_value", "trend_slope"},
	SignalTemperature: {"mean_value", "max_value"},
}

// KPIRecord is one named, quantified health indicator derived from a run.
//
// Numeric fields are pointers: a nil field was either not produced by the
// indicator or is indeterminate (NaN) for the given input, e.g. the standard
// deviation of a single-sample run. Callers treat nil as "insufficient data".
// In JSON an indeterminate field the indicator produces is null; a field it
// does not produce is omitted.
type KPIRecord struct {
	SignalName  string   `json:"signal_name"`
	MetricType  string   `json:"metric_type"`
	MeanValue   *float64 `json:"mean_value,omitempty"`
	StdDev      *float64 `json:"std_dev,omitempty"`
	MaxValue    *float64 `json:"max_value,omitempty"`
	TrendSlope  *float64 `json:"trend_slope,omitempty"`
	Description string   `json:"description"`
}

// Field returns the named numeric field ("mean_value", "std_dev", "max_value",
// "trend_slope") and whether it is set.
func (k KPIRecord) Field(name string) (float64, bool) {
	var p *float64
	switch name {
	case "mean_value":
		p = k.MeanValue
	case "std_dev":
		p = k.StdDev
	case "max_value":
		p = k.MaxValue
	case "trend_slope":
		p = k.TrendSlope
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// MarshalJSON encodes the record, writing null for indeterminate fields.
func (k KPIRecord) MarshalJSON() ([]byte, error) {
	produced := producedFields[k.SignalName]
	field := func(name string, p *float64) *nullFloat {
		if p == nil && !slices.Contains(produced, name) {
			return nil
		}
		return &nullFloat{p}
	}
	return json.Marshal(struct {
		SignalName  string     `json:"signal_name"`
		MetricType  string     `json:"metric_type"`
		MeanValue   *nullFloat `json:"mean_value,omitempty"`
		StdDev      *nullFloat `json:"std_dev,omitempty"`
		MaxValue    *nullFloat `json:"max_value,omitempty"`
		TrendSlope  *nullFloat `json:"trend_slope,omitempty"`
		Description string     `json:"description"`
	}{
		SignalName:  k.SignalName,
		MetricType:  k.MetricType,
		MeanValue:   field("mean_value", k.MeanValue),
		StdDev:      field("std_dev", k.StdDev),
		MaxValue:    field("max_value", k.MaxValue),
		TrendSlope:  field("trend_slope", k.TrendSlope),
		Description: k.Description,
	})
}

type nullFloat struct{ v *float64 }

func (n nullFloat) MarshalJSON() ([]byte, error) {
	if n.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.v)
}
