// Package config loads the server configuration from config.yaml.
//
// Sections:
//   - server:    HTTP port, log level, upload size cap, shutdown timeout
//   - storage:   document store backend: memory (default) or sqlite
//   - blob:      raw CSV object store: local directory (default) or gcs bucket
//   - diagnosis: Gemini/Vertex model, timeout, lag threshold, circuit breaker
//   - events:    Kafka brokers and topic for run-completed events (optional)
//   - alerts:    rules evaluated on completed runs and webhook targets
//   - stream:    websocket run-list broadcast interval
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, fn) re-runs Load whenever the file changes.
package config
