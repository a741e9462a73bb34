package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func writeFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultIsSane(t *testing.T) {
	cfg, err := Sanitize(Default())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.False(t, cfg.AllowAllOrigins)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, HubEcho, cfg.Hub.Variant)
	assert.Equal(t, time.Second, cfg.Hub.StreamDelay)
}

func TestApplyEnv(t *testing.T) {
	cfg := ApplyEnv(Default(), envMap(map[string]string{
		"SERVER_PORT":                ":9090",
		"ALLOWED_ORIGINS":            "http://a.example, https://B.example:8443",
		"MAX_MESSAGE_SIZE":           "1024",
		"RATE_LIMIT_BURST":           "10",
		"RATE_LIMIT_REFILL_INTERVAL": "2",
		"LOG_LEVEL":                  "debug",
		"LOG_FORMAT":                 "text",
		"HUB_VARIANT":                "group",
		"STREAM_DELAY":               "250ms",
	}))

	cfg, err := Sanitize(cfg)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example:8443"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.MaxMessageSize)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 2*time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, HubGroup, cfg.Hub.Variant)
	assert.Equal(t, 250*time.Millisecond, cfg.Hub.StreamDelay)
}

func TestApplyEnvIgnoresInvalidNumbers(t *testing.T) {
	cfg := ApplyEnv(Default(), envMap(map[string]string{
		"MAX_MESSAGE_SIZE":           "huge",
		"RATE_LIMIT_BURST":           "-1",
		"RATE_LIMIT_REFILL_INTERVAL": "soon",
		"STREAM_DELAY":               "-5s",
	}))

	def := Default()
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.Hub.StreamDelay, cfg.Hub.StreamDelay)
}

func TestRefillIntervalAcceptsDuration(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, parseRefillInterval("500ms", time.Second))
	assert.Equal(t, 3*time.Second, parseRefillInterval("3", time.Second))
	assert.Equal(t, time.Second, parseRefillInterval("0", time.Second))
}

func TestSanitizeFillsDefaults(t *testing.T) {
	cfg, err := Sanitize(Config{Port: "7000", Hub: HubConfig{StreamDelay: -1}})
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, ":7000", cfg.Port)
	assert.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.Hub.StreamDelay, cfg.Hub.StreamDelay)
	assert.Equal(t, def.Hub.Variant, cfg.Hub.Variant)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Empty(t, cfg.AllowedOrigins)
}

func TestSanitizeKeepsZeroStreamDelay(t *testing.T) {
	cfg, err := Sanitize(Config{Hub: HubConfig{StreamDelay: 0}})
	require.NoError(t, err)
	assert.Zero(t, cfg.Hub.StreamDelay)
}

func TestSanitizeRejectsUnknownVariant(t *testing.T) {
	cfg := Default()
	cfg.Hub.Variant = "chat"
	_, err := Sanitize(cfg)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestSanitizeRejectsUnknownLogFormat(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "xml"
	_, err := Sanitize(cfg)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNormalizeOrigins(t *testing.T) {
	origins, allowAll := NormalizeOrigins([]string{"HTTP://Example.COM", "", "not a url", "*", "https://ok.example"})
	assert.Equal(t, []string{"http://example.com", "https://ok.example"}, origins)
	assert.True(t, allowAll)

	origins, allowAll = NormalizeOrigins(nil)
	assert.Nil(t, origins)
	assert.False(t, allowAll)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
port = ":9999"
allowed_origins = ["https://app.example"]
max_message_size = 2048
shutdown_timeout = "3s"

[rate_limit]
burst = 20
refill_interval = "500ms"

[log]
level = "warn"
format = "text"

[hub]
variant = "group"
group = "admins"
stream_delay = "10ms"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Port)
	assert.Equal(t, []string{"https://app.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, RateLimitConfig{Burst: 20, RefillInterval: 500 * time.Millisecond}, cfg.RateLimit)
	assert.Equal(t, LoggingConfig{Level: "warn", Format: "text"}, cfg.Logging)
	assert.Equal(t, HubConfig{Variant: HubGroup, Group: "admins", StreamDelay: 10 * time.Millisecond}, cfg.Hub)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `port = ":9999"`)
	t.Setenv("SERVER_PORT", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Port)
}

func TestLoadFileErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{name: "syntax", contents: `port = `},
		{name: "bad duration", contents: "[hub]\nstream_delay = \"soon\""},
		{name: "unknown key", contents: `colour = "blue"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.contents))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
