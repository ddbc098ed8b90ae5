package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort        = 8080
	DefaultLogLevel        = "info"
	DefaultMaxUploadBytes  = 32 << 20
	DefaultShutdownTimeout = 10 * time.Second
	DefaultStorageBackend  = "memory"
	DefaultBlobBackend     = "local"
	DefaultBlobDir         = "data"
	DefaultModel           = "gemini-2.5-flash"
	DefaultLocation        = "us-central1"
	DefaultDiagnosisTTL    = 60 * time.Second
	DefaultLagThreshold    = 0.1
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = 30 * time.Second
	DefaultEventsTopic     = "asia.runs.completed"
	DefaultStreamInterval  = 5 * time.Second
)

// Config holds the complete server configuration parsed from config.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Blob      BlobConfig      `yaml:"blob"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
	Events    EventsConfig    `yaml:"events"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Stream    StreamConfig    `yaml:"stream"`
}

// ServerConfig holds HTTP listener and process settings.
type ServerConfig struct {
	// HTTPPort is the port the REST API, metrics and run stream listen on.
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of: debug | info | warn | error. Applied again on hot reload.
	LogLevel string `yaml:"log_level"`

	// MaxUploadBytes caps the size of a multipart upload request.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Level returns the slog level named by LogLevel.
func (s ServerConfig) Level() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// StorageConfig selects the document store holding runs, signals, anomaly
// results and chat logs.
type StorageConfig struct {
	// Backend is one of: memory | sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Used when Backend == "sqlite".
	Path string `yaml:"path"`

	// Retention evicts runs older than this from the memory backend.
	// Zero keeps runs for the lifetime of the process.
	Retention time.Duration `yaml:"retention"`
}

// BlobConfig selects the object store holding raw uploaded CSV files.
type BlobConfig struct {
	// Backend is one of: local | gcs.
	Backend string `yaml:"backend"`

	// Dir is the root directory for the local backend.
	Dir string `yaml:"dir"`

	// Bucket is the Cloud Storage bucket for the gcs backend.
	Bucket string `yaml:"bucket"`
}

// DiagnosisConfig configures the generative diagnosis service.
type DiagnosisConfig struct {
	// Backend is one of: gemini (API key) | vertex (project + location).
	Backend string `yaml:"backend"`

	// APIKeyEnv is the name of the environment variable holding the Gemini API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Project and Location address Vertex AI when Backend == "vertex".
	Project  string `yaml:"project"`
	Location string `yaml:"location"`

	// Model is the generative model name (default gemini-2.5-flash).
	Model string `yaml:"model"`

	// Timeout bounds one generation request.
	Timeout time.Duration `yaml:"timeout"`

	// LagThresholdDeg is the average lag the prompt tells the model to treat
	// as a problem.
	LagThresholdDeg float64 `yaml:"lag_threshold_deg"`

	// Breaker trips after consecutive generation failures.
	Breaker BreakerConfig `yaml:"breaker"`
}

// APIKey returns the Gemini API key resolved from the environment.
func (d DiagnosisConfig) APIKey() string {
	if d.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(d.APIKeyEnv)
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// EventsConfig configures run-completed event publishing. Publishing is
// disabled when Brokers is empty.
type EventsConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one condition evaluated against every completed run.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name"`

	// Condition is a simple expression: "severity == HIGH",
	// "cmd_pos_lag_avg.mean_value > 0.1", "hyd_pressure_trend.trend_slope > 0".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// StreamConfig controls the websocket run stream.
type StreamConfig struct {
	// Interval is how often the run list is pushed to connected clients.
	Interval time.Duration `yaml:"interval"`
}

// Load reads and parses the config file at path.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        DefaultHTTPPort,
			LogLevel:        DefaultLogLevel,
			MaxUploadBytes:  DefaultMaxUploadBytes,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
		},
		Blob: BlobConfig{
			Backend: DefaultBlobBackend,
			Dir:     DefaultBlobDir,
		},
		Diagnosis: DiagnosisConfig{
			Backend:         "gemini",
			APIKeyEnv:       "GEMINI_API_KEY",
			Location:        DefaultLocation,
			Model:           DefaultModel,
			Timeout:         DefaultDiagnosisTTL,
			LagThresholdDeg: DefaultLagThreshold,
			Breaker: BreakerConfig{
				MaxFailures:  DefaultMaxFailures,
				ResetTimeout: DefaultResetTimeout,
			},
		},
		Events: EventsConfig{
			Topic: DefaultEventsTopic,
		},
		Stream: StreamConfig{
			Interval: DefaultStreamInterval,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", cfg.Server.LogLevel)
	}
	if cfg.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q unknown: want memory|sqlite", cfg.Storage.Backend)
	}
	if cfg.Storage.Retention < 0 {
		return fmt.Errorf("storage.retention must not be negative")
	}

	switch cfg.Blob.Backend {
	case "local":
		if cfg.Blob.Dir == "" {
			return fmt.Errorf("blob.dir is required for the local backend")
		}
	case "gcs":
		if cfg.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend %q unknown: want local|gcs", cfg.Blob.Backend)
	}

	switch cfg.Diagnosis.Backend {
	case "gemini":
	case "vertex":
		if cfg.Diagnosis.Project == "" {
			return fmt.Errorf("diagnosis.project is required for the vertex backend")
		}
	default:
		return fmt.Errorf("diagnosis.backend %q unknown: want gemini|vertex", cfg.Diagnosis.Backend)
	}
	if cfg.Diagnosis.Timeout <= 0 {
		return fmt.Errorf("diagnosis.timeout must be positive")
	}
	if cfg.Diagnosis.Breaker.MaxFailures <= 0 {
		return fmt.Errorf("diagnosis.breaker.max_failures must be positive")
	}
	if cfg.Diagnosis.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("diagnosis.breaker.reset_timeout must be positive")
	}

	if len(cfg.Events.Brokers) > 0 && cfg.Events.Topic == "" {
		return fmt.Errorf("events.topic is required when brokers are set")
	}

	for i, r := range cfg.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("alerts.rules[%d]: name is required", i)
		}
		if len(strings.Fields(r.Condition)) != 3 {
			return fmt.Errorf("alerts.rules[%d] %q: condition %q must be \"field op value\"", i, r.Name, r.Condition)
		}
		switch r.Severity {
		case "critical", "warning", "info", "":
		default:
			return fmt.Errorf("alerts.rules[%d] %q: unknown severity %q", i, r.Name, r.Severity)
		}
	}
	for i, w := range cfg.Alerts.Webhooks {
		switch w.Type {
		case "teams", "slack", "http":
		default:
			return fmt.Errorf("alerts.webhooks[%d]: unknown type %q", i, w.Type)
		}
	}

	if cfg.Stream.Interval <= 0 {
		return fmt.Errorf("stream.interval must be positive")
	}
	return nil
}
