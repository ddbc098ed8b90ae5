// Package metrics exposes Prometheus instrumentation for the analysis
// pipeline: run outcomes, analysis latency, diagnosis severities and the KPI
// values of the most recent completed run.
package metrics
