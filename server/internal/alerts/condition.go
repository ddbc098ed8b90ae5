package alerts

import (
	"strconv"
	"strings"

	"github.com/asiaops/asia/pkg/types"
)

// evalCondition evaluates a rule condition string against an analyzed run.
//
// Supported expressions (field operator value):
//
//	severity == HIGH
//	severity != LOW
//	status == failed
//	cmd_pos_lag_avg.mean_value > 0.1
//	cmd_pos_lag_avg.std_dev > 0.05
//	hyd_pressure_trend.trend_slope > 0
//	actuator_temp_C_max.max_value >= 80
//
// It returns whether the rule fires, the observed value for numeric fields,
// and ok. ok is false when the run cannot be judged: the expression does not
// parse, the field is unknown, or the run has no value for it (a failed run
// has no diagnosis, a single-sample run no std_dev). Such a run neither
// fires nor resolves the rule.
func evalCondition(cond string, view *types.RunView) (fires bool, value float64, ok bool) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0, false
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	switch field {
	case "severity":
		if view.AnomalyResult == nil {
			return false, 0, false
		}
		fires, ok = compareString(view.AnomalyResult.Severity, op, strings.ToUpper(rhs))
		return fires, 0, ok

	case "status":
		fires, ok = compareString(view.Run.Status, op, strings.ToLower(rhs))
		return fires, 0, ok

	default:
		v, found := signalField(field, view.Signals)
		if !found {
			return false, 0, false
		}
		threshold, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return false, 0, false
		}
		fires, ok = compareFloat(v, op, threshold)
		return fires, v, ok
	}
}

// isThreshold reports whether cond compares a numeric KPI field rather than
// the diagnosis severity or run status.
func isThreshold(cond string) bool {
	parts := strings.Fields(cond)
	return len(parts) == 3 && parts[0] != "severity" && parts[0] != "status"
}

// signalField resolves "<signal_name>.<field>" against the run's signals.
func signalField(field string, signals []types.Signal) (float64, bool) {
	i := strings.LastIndexByte(field, '.')
	if i <= 0 {
		return 0, false
	}
	name, attr := field[:i], field[i+1:]
	for _, s := range signals {
		if s.SignalName == name {
			return s.Field(attr)
		}
	}
	return 0, false
}

func compareString(v, op, want string) (bool, bool) {
	switch op {
	case "==":
		return v == want, true
	case "!=":
		return v != want, true
	default:
		return false, false
	}
}

// compareFloat applies op to v and threshold; ok is false for unknown operators.
func compareFloat(v float64, op string, threshold float64) (fires, ok bool) {
	switch op {
	case ">":
		return v > threshold, true
	case ">=":
		return v >= threshold, true
	case "<":
		return v < threshold, true
	case "<=":
		return v <= threshold, true
	case "==":
		return v == threshold, true
	case "!=":
		return v != threshold, true
	default:
		return false, false
	}
}
