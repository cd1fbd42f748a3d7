package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config represents the complete application configuration.
type Config struct {
	Version string        `yaml:"version"`
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Sweeper SweeperConfig `yaml:"sweeper"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// APIConfig contains API-related configuration.
type APIConfig struct {
	Enabled  bool       `yaml:"enabled"`
	BasePath string     `yaml:"base_path"`
	Auth     AuthConfig `yaml:"auth"`
}

// AuthConfig contains authentication configuration.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	APIKeys    []string `yaml:"api_keys"`
	HeaderName string   `yaml:"header_name"`
}

// StorageConfig selects and configures the counter store backend.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Ignored by the memory backend.
	Path string `yaml:"path"`
}

// EngineConfig contains admission engine configuration.
type EngineConfig struct {
	// StoreTimeout bounds each counter store call. A timeout denies
	// fail-closed rather than blocking the caller.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// Defaults are the limits provisioned for a principal on first sight.
	Defaults DefaultLimitsConfig `yaml:"defaults"`
}

// DefaultLimitsConfig overrides the stock per-principal limits.
// Zero values fall back to the built-in defaults.
type DefaultLimitsConfig struct {
	RequestsPerMinute     int64 `yaml:"requests_per_minute"`
	RequestsPerHour       int64 `yaml:"requests_per_hour"`
	RequestsPerDay        int64 `yaml:"requests_per_day"`
	TokensPerDay          int64 `yaml:"tokens_per_day"`
	MaxConcurrentRequests int64 `yaml:"max_concurrent_requests"`
}

// SweeperConfig contains retention sweeper configuration.
type SweeperConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a standard cron expression. Default: daily at 03:00.
	Schedule string `yaml:"schedule"`
	// Retention is how long closed windows are kept. Default: 168h.
	Retention time.Duration `yaml:"retention"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := c.Sweeper.Validate(); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	return nil
}

// Validate validates API configuration.
func (a *APIConfig) Validate() error {
	if a.BasePath == "" {
		a.BasePath = "/v1"
	}
	if a.Auth.Enabled && len(a.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth: api_keys is required when auth is enabled")
	}
	if a.Auth.HeaderName == "" {
		a.Auth.HeaderName = "X-API-Key"
	}
	return nil
}

// Validate validates storage configuration.
func (s *StorageConfig) Validate() error {
	if s.Backend == "" {
		s.Backend = "sqlite"
	}
	if s.Backend != "sqlite" && s.Backend != "memory" {
		return fmt.Errorf("backend must be one of: sqlite, memory")
	}
	if s.Backend == "sqlite" && s.Path == "" {
		s.Path = "tollgate.db"
	}
	return nil
}

// Validate validates engine configuration.
func (e *EngineConfig) Validate() error {
	if e.StoreTimeout < 0 {
		return fmt.Errorf("store_timeout cannot be negative")
	}
	if e.StoreTimeout == 0 {
		e.StoreTimeout = 5 * time.Second
	}

	limits := []struct {
		name  string
		value int64
	}{
		{"requests_per_minute", e.Defaults.RequestsPerMinute},
		{"requests_per_hour", e.Defaults.RequestsPerHour},
		{"requests_per_day", e.Defaults.RequestsPerDay},
		{"tokens_per_day", e.Defaults.TokensPerDay},
		{"max_concurrent_requests", e.Defaults.MaxConcurrentRequests},
	}
	for _, l := range limits {
		if l.value < 0 {
			return fmt.Errorf("defaults: %s cannot be negative", l.name)
		}
	}
	return nil
}

// Validate validates sweeper configuration and applies defaults.
func (s *SweeperConfig) Validate() error {
	if s.Schedule == "" {
		s.Schedule = "0 3 * * *"
	}
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.Schedule, err)
	}
	if s.Retention < 0 {
		return fmt.Errorf("retention cannot be negative")
	}
	if s.Retention == 0 {
		s.Retention = 7 * 24 * time.Hour
	}
	return nil
}
