package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Version: "1.0",
		Server: ServerConfig{
			Host:            "127.0.0.1",
			HTTPPort:        8428,
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        "info",
		},
		API: APIConfig{
			Enabled:  true,
			BasePath: "/v1",
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "tollgate.db",
		},
		Engine: EngineConfig{
			StoreTimeout: 5 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Schedule:  "0 3 * * *",
			Retention: 7 * 24 * time.Hour,
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing version",
			mutate:  func(c *Config) { c.Version = "" },
			wantErr: true,
			errMsg:  "version is required",
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Server.Host = "" },
			wantErr: true,
			errMsg:  "host is required",
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: true,
			errMsg:  "http_port",
		},
		{
			name:    "auth enabled without keys",
			mutate:  func(c *Config) { c.API.Auth.Enabled = true },
			wantErr: true,
			errMsg:  "api_keys is required",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "postgres" },
			wantErr: true,
			errMsg:  "backend must be one of",
		},
		{
			name:    "invalid sweep schedule",
			mutate:  func(c *Config) { c.Sweeper.Schedule = "every day at noon" },
			wantErr: true,
			errMsg:  "invalid schedule",
		},
		{
			name:    "negative default limit",
			mutate:  func(c *Config) { c.Engine.Defaults.TokensPerDay = -1 },
			wantErr: true,
			errMsg:  "tokens_per_day cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Server.ShutdownTimeout = 0
	cfg.API.BasePath = ""
	cfg.API.Auth.HeaderName = ""
	cfg.Storage.Backend = ""
	cfg.Storage.Path = ""
	cfg.Engine.StoreTimeout = 0
	cfg.Sweeper.Schedule = ""
	cfg.Sweeper.Retention = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "/v1", cfg.API.BasePath)
	assert.Equal(t, "X-API-Key", cfg.API.Auth.HeaderName)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "tollgate.db", cfg.Storage.Path)
	assert.Equal(t, 5*time.Second, cfg.Engine.StoreTimeout)
	assert.Equal(t, "0 3 * * *", cfg.Sweeper.Schedule)
	assert.Equal(t, 7*24*time.Hour, cfg.Sweeper.Retention)
}

func TestParse(t *testing.T) {
	data := []byte(`
version: "1.0"
server:
  host: 127.0.0.1
  http_port: 9000
storage:
  backend: memory
engine:
  store_timeout: 2s
  defaults:
    requests_per_minute: 120
sweeper:
  schedule: "0 */6 * * *"
  retention: 72h
`)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 2*time.Second, cfg.Engine.StoreTimeout)
	assert.Equal(t, int64(120), cfg.Engine.Defaults.RequestsPerMinute)
	assert.Equal(t, "0 */6 * * *", cfg.Sweeper.Schedule)
	assert.Equal(t, 72*time.Hour, cfg.Sweeper.Retention)
	assert.True(t, cfg.API.Enabled)
	assert.True(t, cfg.Sweeper.Enabled)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("version: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
version: "1.0"
server:
  host: 127.0.0.1
  http_port: 8428
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "1.0", cfg.Version)
	assert.Same(t, cfg, loader.Get())
}

func TestLoader_LoadMissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoader_EnvSubstitution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("TOLLGATE_TEST_HOST", "10.0.0.5")
	content := `
version: "1.0"
server:
  host: ${TOLLGATE_TEST_HOST}
  http_port: 8428
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Server.Host)
}

func TestLoader_ReloadCallsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
version: "1.0"
server:
  host: 127.0.0.1
  http_port: 8428
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	var got *Config
	loader.SetOnChange(func(c *Config) { got = c })

	_, err = loader.Reload()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.0", got.Version)
}
