package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultServer      = "http://localhost:8080"
	DefaultTimeout     = 2 * time.Minute
	DefaultMaxAttempts = 4
	DefaultStyle       = "auto"
)

// ServerEnv overrides Config.Server when set.
const ServerEnv = "ASIA_SERVER"

// Config holds the asiactl settings.
type Config struct {
	// Server is the base URL of asia-server.
	Server string `yaml:"server"`

	// Timeout bounds one request, including the server-side analysis of an
	// upload.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts is the number of tries for a request that fails transiently.
	MaxAttempts int `yaml:"max_attempts"`

	// Style selects the markdown rendering style: auto | dark | light | notty.
	Style string `yaml:"style"`
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("asiactl config: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("asiactl config: parse yaml: %w", err)
			}
		}
	}

	if s := os.Getenv(ServerEnv); s != "" {
		cfg.Server = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("asiactl config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:      DefaultServer,
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		Style:       DefaultStyle,
	}
}

// Validate checks the settings after flags have been applied.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server %q must be an http(s) URL", c.Server)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	switch c.Style {
	case "auto", "dark", "light", "notty":
	default:
		return fmt.Errorf("style %q unknown: want auto|dark|light|notty", c.Style)
	}
	return nil
}
