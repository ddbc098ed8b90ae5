// Package types defines the shared Go types used by the server, the CLI and
// the KPI extractor: telemetry samples, KPI records, and the run, signal,
// diagnosis and chat documents persisted by the server.
package types
