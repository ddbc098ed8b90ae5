// Package store persists run documents: run metadata and status, the KPI
// signals computed for the run (keyed run_id-signal_name), the anomaly
// result produced by the diagnosis service, and chat exchanges.
//
// Two backends implement Store: Memory, a thread-safe in-process map with
// optional retention eviction, and SQLite, a single-file database using the
// pure-Go modernc driver.
package store
