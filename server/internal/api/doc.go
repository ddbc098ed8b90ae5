// Package api implements the HTTP surface of asia-server.
//
// New(service, opts) returns an http.Handler that serves:
//
//	POST /upload                      multipart "file" (CSV) + optional "metadata" (JSON)
//	GET  /results/{run_id}            run, signals and anomaly_result; 404 if unknown
//	POST /chat                        {"run_id", "message"} -> {"response"}; 400 if not analyzed
//	GET  /api/v1/health               status, run count, active alert count
//	GET  /api/v1/runs                 all runs, newest first
//	GET  /api/v1/runs/{run_id}        same as /results/{run_id}
//	GET  /api/v1/runs/{run_id}/chat   chat exchanges recorded for a run
//	GET  /api/v1/runs/{run_id}/raw    the uploaded CSV (text/csv)
//	GET  /api/v1/alerts               firing and recently resolved alerts
//	GET  /metrics                     Prometheus exposition (when configured)
//	GET  /ws/runs                     WebSocket run stream, ?subsystem=&status= (when configured)
//
// Errors are JSON bodies {"error": "..."}: validation failures and chat on an
// unanalyzed run are 400, unknown runs 404, everything else 500. Routing uses
// gorilla/mux; panics are recovered by gorilla/handlers and WithAccessLog adds
// a structured access log.
package api
