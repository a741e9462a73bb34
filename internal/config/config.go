// Package config defines runtime defaults for the relay and loads overrides
// from an optional TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid reports a configuration value that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// Hub variants selectable with HUB_VARIANT or hub.variant.
const (
	HubEcho  = "echo"
	HubGroup = "group"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 5
	defaultRefillInterval  = time.Second
	defaultStreamDelay     = time.Second
	defaultGroup           = "users"
	defaultShutdownTimeout = 10 * time.Second
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// LoggingConfig selects the log level and output format ("json" or "text").
type LoggingConfig struct {
	Level  string
	Format string
}

// HubConfig selects the hub behind the multiplexed endpoint.
type HubConfig struct {
	Variant     string
	Group       string
	StreamDelay time.Duration
}

// Config holds the relay configuration including security controls.
type Config struct {
	Port            string
	AllowedOrigins  []string
	AllowAllOrigins bool
	MaxMessageSize  int64
	ShutdownTimeout time.Duration
	RateLimit       RateLimitConfig
	Logging         LoggingConfig
	Hub             HubConfig
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port: defaultPort,
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  defaultMaxMessageSize,
		ShutdownTimeout: defaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: defaultRefillInterval,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Hub: HubConfig{
			Variant:     HubEcho,
			Group:       defaultGroup,
			StreamDelay: defaultStreamDelay,
		},
	}
}

type fileConfig struct {
	Port            string   `toml:"port"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	MaxMessageSize  int64    `toml:"max_message_size"`
	ShutdownTimeout string   `toml:"shutdown_timeout"`
	RateLimit       struct {
		Burst          int    `toml:"burst"`
		RefillInterval string `toml:"refill_interval"`
	} `toml:"rate_limit"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Hub struct {
		Variant     string `toml:"variant"`
		Group       string `toml:"group"`
		StreamDelay string `toml:"stream_delay"`
	} `toml:"hub"`
}

// Load builds the configuration from defaults, the TOML file at path when
// path is non-empty, and finally the environment. The result is sanitized.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = loadFile(cfg, path); err != nil {
			return Config{}, err
		}
	}
	cfg = ApplyEnv(cfg, os.LookupEnv)
	return Sanitize(cfg)
}

func loadFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("allowed_origins") {
		cfg.AllowedOrigins = append([]string(nil), raw.AllowedOrigins...)
	}
	if meta.IsDefined("max_message_size") {
		cfg.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("shutdown_timeout") {
		if cfg.ShutdownTimeout, err = parseDuration("shutdown_timeout", raw.ShutdownTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("rate_limit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}
	if meta.IsDefined("rate_limit", "refill_interval") {
		if cfg.RateLimit.RefillInterval, err = parseDuration("rate_limit.refill_interval", raw.RateLimit.RefillInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("log", "level") {
		cfg.Logging.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Logging.Format = strings.TrimSpace(raw.Log.Format)
	}
	if meta.IsDefined("hub", "variant") {
		cfg.Hub.Variant = strings.TrimSpace(raw.Hub.Variant)
	}
	if meta.IsDefined("hub", "group") {
		cfg.Hub.Group = strings.TrimSpace(raw.Hub.Group)
	}
	if meta.IsDefined("hub", "stream_delay") {
		if cfg.Hub.StreamDelay, err = parseDuration("hub.stream_delay", raw.Hub.StreamDelay); err != nil {
			return Config{}, err
		}
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}
	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

// ApplyEnv overlays environment variables read through lookup. Unparseable
// numeric values are ignored and the previous value is kept.
func ApplyEnv(cfg Config, lookup func(string) (string, bool)) Config {
	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if port := get("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if origins := get("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := get("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}
	if burst := get("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := get("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}
	if level := get("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := get("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if variant := get("HUB_VARIANT"); variant != "" {
		cfg.Hub.Variant = variant
	}
	if delay := get("STREAM_DELAY"); delay != "" {
		if d, err := time.ParseDuration(delay); err == nil && d >= 0 {
			cfg.Hub.StreamDelay = d
		}
	}
	return cfg
}

// Sanitize replaces unusable values with defaults and normalizes the origin
// allow-list. An unknown hub variant or log format is an error.
func Sanitize(cfg Config) (Config, error) {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.Hub.StreamDelay < 0 {
		cfg.Hub.StreamDelay = def.Hub.StreamDelay
	}
	if cfg.Hub.Group == "" {
		cfg.Hub.Group = def.Hub.Group
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}

	cfg.Hub.Variant = strings.ToLower(cfg.Hub.Variant)
	switch cfg.Hub.Variant {
	case "":
		cfg.Hub.Variant = def.Hub.Variant
	case HubEcho, HubGroup:
	default:
		return Config{}, fmt.Errorf("%w: hub variant %q", ErrInvalid, cfg.Hub.Variant)
	}

	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = def.Logging.Format
	case "json", "text":
	default:
		return Config{}, fmt.Errorf("%w: log format %q", ErrInvalid, cfg.Logging.Format)
	}

	origins, allowAll := NormalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = origins
	cfg.AllowAllOrigins = cfg.AllowAllOrigins || allowAll
	return cfg, nil
}

// NormalizeOrigins lower-cases scheme and host of every valid origin and
// drops the rest. A "*" entry is reported as allowAll instead of being kept.
func NormalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if n, ok := NormalizeOrigin(trimmed); ok {
			normalized = append(normalized, n)
		}
	}

	return normalized, allowAll
}

// NormalizeOrigin returns scheme://host in lower case, or false when origin
// has no scheme or host.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseRefillInterval accepts whole seconds, or a Go duration string.
func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
