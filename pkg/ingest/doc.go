// Package ingest decodes uploaded telemetry CSV files into samples.
//
// Header names are normalized before lookup: lower-cased, then stripped of
// every character outside [a-z0-9_]. Canonical columns are resolved through a
// declarative alias table, so "Actuator_Temp_C" and "actuator temp c" both
// satisfy actuator_temp_C. A file that still lacks a required column, has no
// data rows, or holds a non-numeric value in a required column is rejected
// with a *ValidationError before any KPI is computed.
package ingest
