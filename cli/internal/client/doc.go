// Package client is the HTTP client asiactl uses to talk to asia-server.
//
// Requests that fail transiently (connection errors, 429, 502, 503 and 504)
// are retried with truncated exponential backoff (1s→60s, ±25% jitter) up to
// MaxAttempts. Uploads are not idempotent: they are only retried when the
// server refused them outright (429 or 503), never after a connection error
// where the upload may already have been analyzed.
//
// Non-2xx responses are returned as *APIError carrying the status code, the
// server's error message and, for failed uploads, the run ID.
//
// Stream connects to the /ws/runs websocket and delivers each run list pushed
// by the server.
package client
