// Package config loads the asiactl client configuration.
//
// The file is optional: Load on a missing path returns the defaults. The
// ASIA_SERVER environment variable overrides the server URL from the file, and
// command-line flags override both (applied by the caller).
//
//	server: "http://localhost:8080"
//	timeout: 2m
//	max_attempts: 4
//	style: auto   # auto | dark | light | notty
package config
