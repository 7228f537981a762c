package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("INSTALL_DIR", "/var/lib/bundles")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ProviderFake, cfg.Provider)
	assert.Equal(t, "/var/lib/bundles", cfg.InstallDir)
	assert.Equal(t, 3, cfg.MaxParallel)
	assert.Equal(t, int64(1048576), cfg.ProgressInterval)
	assert.Equal(t, 10, cfg.Fake.Chunks)
	assert.Equal(t, 500*time.Millisecond, cfg.Fake.TickInterval)
	assert.Equal(t, "0.0.0.0:9092", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfig_SplitWords(t *testing.T) {
	t.Setenv("INSTALL_DIR", "/var/lib/bundles")
	t.Setenv("FAKE_NETWORK_ERROR", "true")
	t.Setenv("API_USERNAME", "admin")
	t.Setenv("WEB_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.Fake.NetworkError)
	assert.Equal(t, "admin", cfg.API.Username)
	assert.Equal(t, 5*time.Second, cfg.Web.ShutdownTimeout)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfig_RequiresInstallDir(t *testing.T) {
	t.Setenv("INSTALL_DIR", "unset")
	require.NoError(t, os.Unsetenv("INSTALL_DIR"))

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Provider: ProviderFake, MaxParallel: 1, QueueSize: 1, CleanupInterval: time.Hour}
		cfg.Fake.Chunks = 1

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "fake ok", mutate: func(*Config) {}},
		{name: "http without base url", mutate: func(c *Config) { c.Provider = ProviderHTTP }, wantErr: "SOURCE_BASE_URL"},
		{name: "http ok", mutate: func(c *Config) { c.Provider = ProviderHTTP; c.SourceBaseURL = "http://cdn" }},
		{name: "putio without token", mutate: func(c *Config) { c.Provider = ProviderPutio }, wantErr: "PUTIO_TOKEN"},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "play" }, wantErr: "unknown provider"},
		{name: "no workers", mutate: func(c *Config) { c.MaxParallel = 0 }, wantErr: "MAX_PARALLEL"},
		{name: "no cleanup interval", mutate: func(c *Config) { c.CleanupInterval = 0 }, wantErr: "CLEANUP_INTERVAL"},
		{name: "fake without chunks", mutate: func(c *Config) { c.Fake.Chunks = 0 }, wantErr: "FAKE_CHUNKS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warn":    slog.LevelWarn,
		"ERROR":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}

	for level, want := range tests {
		cfg := &Config{LogLevel: level}
		assert.Equal(t, want, cfg.SlogLevel(), level)
	}
}
