// Package kpi derives actuator health indicators from a run of telemetry
// samples.
//
// stats.go provides the reducers the indicators are built from: mean, sample
// standard deviation (N-1), maximum, the ordinary least-squares slope
// cov(x,y)/var(x), and decimal rounding.
//
// extract.go provides Extract, which emits exactly three records in a fixed
// order:
//
//	cmd_pos_lag_avg      mean and std-dev of cmd_deg - pos_deg (3 decimals)
//	hyd_pressure_trend   mean pressure (1 decimal) and OLS slope * 1000 (4 decimals)
//	actuator_temp_C_max  mean and max temperature (1 decimal)
//
// Extract is a pure function: it performs no I/O, keeps no state and never
// modifies its input, so it is safe to call concurrently for independent runs.
// Rounding is applied only when a record is emitted.
package kpi
