package kpi

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/asiaops/asia/pkg/types"
)

// Rounding applied to each emitted value, in decimal places.
const (
	lagPlaces         = 3
	pressurePlaces    = 1
	slopePlaces       = 4
	temperaturePlaces = 1
)

// SlopeScale converts a per-time-step pressure slope into drift per 1000
// time steps, the unit reported in hyd_pressure_trend.trend_slope.
const SlopeScale = 1000

// IncreasingThreshold is the raw slope (psi per time step) above which the
// pressure trend is labelled increasing. A slope equal to it is stable.
const IncreasingThreshold = 0.001

// Trend labels.
const (
	TrendIncreasing = "increasing"
	TrendStable     = "stable"
)

// ErrNoSamples is returned by Extract for an empty run.
var ErrNoSamples = errors.New("kpi: run has no samples")

// TrendLabel classifies a raw (unscaled) pressure slope.
func TrendLabel(slope float64) string {
	if slope > IncreasingThreshold {
		return TrendIncreasing
	}
	return TrendStable
}

// Extract computes the three actuator KPI records for a run, in canonical
// order: command-to-position lag, hydraulic pressure trend, actuator
// temperature extremes.
//
// A single-sample run is valid: the lag standard deviation is indeterminate
// and left nil, and the pressure slope falls back to 0.
func Extract(samples []types.Sample) ([]types.KPIRecord, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	n := len(samples)
	lag := make([]float64, n)
	steps := make([]float64, n)
	psi := make([]float64, n)
	temp := make([]float64, n)
	for i, s := range samples {
		lag[i] = s.CmdDeg - s.PosDeg
		steps[i] = s.TimeStep
		psi[i] = s.HydPressurePSI
		temp[i] = s.ActuatorTempC
	}

	return []types.KPIRecord{
		lagRecord(lag),
		pressureRecord(steps, psi),
		temperatureRecord(temp),
	}, nil
}

func lagRecord(lag []float64) types.KPIRecord {
	mean := Round(Mean(lag), lagPlaces)
	std := Round(StdDev(lag), lagPlaces)
	return types.KPIRecord{
		SignalName: types.SignalLag,
		MetricType: types.MetricActuatorPerformance,
		MeanValue:  value(mean),
		StdDev:     value(std),
		Description: "Average lag between commanded and measured angle. Target is near zero. " +
			"Mean: " + formatNum(mean) + " degrees.",
	}
}

func pressureRecord(steps, psi []float64) types.KPIRecord {
	slope, err := Slope(steps, psi)
	if err != nil {
		// Too few points or a flat time axis: report no trend.
		slope = 0
	}
	scaled := Round(slope*SlopeScale, slopePlaces)

	note := "Trend is stable."
	if TrendLabel(slope) == TrendIncreasing {
		note = "Positive slope suggests increasing pressure required for operation, " +
			"potentially due to internal leakage or wear."
	}

	return types.KPIRecord{
		SignalName: types.SignalPressure,
		MetricType: types.MetricSystemHealth,
		MeanValue:  value(Round(Mean(psi), pressurePlaces)),
		TrendSlope: value(scaled),
		Description: fmt.Sprintf("Pressure trend per %d time steps/cycles. Slope: %s psi. %s",
			SlopeScale, formatNum(scaled), note),
	}
}

func temperatureRecord(temp []float64) types.KPIRecord {
	maxT := Round(Max(temp), temperaturePlaces)
	return types.KPIRecord{
		SignalName:  types.SignalTemperature,
		MetricType:  types.MetricThermalHealth,
		MeanValue:   value(Round(Mean(temp), temperaturePlaces)),
		MaxValue:    value(maxT),
		Description: "Max observed temperature. Max: " + formatNum(maxT) + " C.",
	}
}

// value boxes v, mapping indeterminate results to nil.
func value(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// formatNum renders v with the shortest exact representation, keeping a
// trailing ".0" on whole numbers so 62 reads as 62.0.
func formatNum(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !math.IsInf(v, 0) && !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
