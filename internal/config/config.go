// Package config loads splitd configuration from environment variables.
//
// Required variables:
//   - SPLIT_API_KEY: SDK API key, unless SPLIT_LOCALHOST_FILE is set.
//
// Optional variables:
//   - SPLIT_LOCALHOST_FILE: YAML definitions file; enables localhost mode.
//   - SPLIT_SDK_URL / SPLIT_EVENTS_URL: control service endpoints.
//   - SPLIT_HTTP_TIMEOUT: per-request timeout (default "15s", must be > 0).
//   - SPLIT_FEATURES_REFRESH_RATE, SPLIT_SEGMENTS_REFRESH_RATE,
//     SPLIT_IMPRESSIONS_REFRESH_RATE, SPLIT_EVENTS_PUSH_RATE: polling and
//     flush intervals (must be > 0).
//   - SPLIT_IMPRESSIONS_CHUNK_SIZE, SPLIT_IMPRESSIONS_QUEUE_SIZE,
//     SPLIT_EVENTS_PER_PUSH, SPLIT_EVENTS_QUEUE_SIZE: batch and buffer sizes
//     (must be > 0).
//   - SPLIT_EVENTS_FIRST_PUSH_WINDOW: delay before the first event flush
//     (default "10s", must be >= 0).
//   - SPLIT_READY_TIMEOUT: deadline for SDK_READY_TIMED_OUT (default "10s";
//     a negative value disables it).
//   - SPLIT_LABELS_ENABLED: send rule labels with impressions (default true).
//   - SPLIT_TRAFFIC_TYPE: traffic type used when track requests omit one.
//   - SPLIT_SNAPSHOT_BACKEND: "memory", "postgres", "redis" or "sqlite".
//   - SPLIT_SNAPSHOT_DSN: connection string or file path for the backend.
//   - HTTP_ADDR / GRPC_ADDR: sidecar listen addresses.
//   - SPLITD_TOKEN_HASH: bcrypt hash of the sidecar bearer token, or a
//     comma-separated list while rotating tokens; when empty the sidecar
//     API is unauthenticated.
//   - SPLITD_TOKEN_CACHE_TTL: how long an accepted token skips bcrypt
//     (default "1m"; 0 disables the cache).
//   - AUTH_RATE_LIMIT: failed auth attempts per minute per IP (default 10).
//   - SPLITD_MAX_CLIENTS: per-key SDK clients kept by the sidecar before
//     idle ones are closed (default 10000).
//   - MAX_JSON_BODY_SIZE: max request body in bytes (default 1048576).
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - LOG_FORMAT: "json" or "text" (default "json").
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/matt-riley/splitsdk/internal/api"
	"github.com/matt-riley/splitsdk/internal/logging"
	"github.com/matt-riley/splitsdk/sdk"
)

// Snapshot backends.
const (
	BackendNone     = ""
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
)

// Config holds the runtime configuration for splitd.
type Config struct {
	APIKey        string        `env:"SPLIT_API_KEY"`
	LocalhostFile string        `env:"SPLIT_LOCALHOST_FILE"`
	SDKURL        string        `env:"SPLIT_SDK_URL" envDefault:"https://sdk.split.io/api"`
	EventsURL     string        `env:"SPLIT_EVENTS_URL" envDefault:"https://events.split.io/api"`
	HTTPTimeout   time.Duration `env:"SPLIT_HTTP_TIMEOUT" envDefault:"15s"`

	FeaturesRefreshRate   time.Duration `env:"SPLIT_FEATURES_REFRESH_RATE" envDefault:"1h"`
	SegmentsRefreshRate   time.Duration `env:"SPLIT_SEGMENTS_REFRESH_RATE" envDefault:"30m"`
	ImpressionRefreshRate time.Duration `env:"SPLIT_IMPRESSIONS_REFRESH_RATE" envDefault:"30m"`
	ImpressionsChunkSize  int           `env:"SPLIT_IMPRESSIONS_CHUNK_SIZE" envDefault:"100"`
	ImpressionsQueueSize  int           `env:"SPLIT_IMPRESSIONS_QUEUE_SIZE" envDefault:"10000"`
	EventsPushRate        time.Duration `env:"SPLIT_EVENTS_PUSH_RATE" envDefault:"30m"`
	EventsFirstPushWindow time.Duration `env:"SPLIT_EVENTS_FIRST_PUSH_WINDOW" envDefault:"10s"`
	EventsPerPush         int           `env:"SPLIT_EVENTS_PER_PUSH" envDefault:"2000"`
	EventsQueueSize       int           `env:"SPLIT_EVENTS_QUEUE_SIZE" envDefault:"10000"`
	ReadyTimeout          time.Duration `env:"SPLIT_READY_TIMEOUT" envDefault:"10s"`
	LabelsEnabled         bool          `env:"SPLIT_LABELS_ENABLED" envDefault:"true"`
	TrafficType           string        `env:"SPLIT_TRAFFIC_TYPE"`

	SnapshotBackend string `env:"SPLIT_SNAPSHOT_BACKEND"`
	SnapshotDSN     string `env:"SPLIT_SNAPSHOT_DSN"`

	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr        string        `env:"GRPC_ADDR" envDefault:":9090"`
	TokenHash       string        `env:"SPLITD_TOKEN_HASH"`
	TokenCacheTTL   time.Duration `env:"SPLITD_TOKEN_CACHE_TTL" envDefault:"1m"`
	AuthRateLimit   int           `env:"AUTH_RATE_LIMIT" envDefault:"10"`
	MaxClients      int           `env:"SPLITD_MAX_CLIENTS" envDefault:"10000"`
	MaxJSONBodySize int64         `env:"MAX_JSON_BODY_SIZE" envDefault:"1048576"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. Overrides run after parsing and before validation, which lets
// command-line flags take precedence. It returns an error if required
// variables are missing or if optional values fail validation.
func Load(overrides ...func(*Config)) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	for _, override := range overrides {
		override(&cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.LocalhostFile = strings.TrimSpace(c.LocalhostFile)
	c.SnapshotBackend = strings.ToLower(strings.TrimSpace(c.SnapshotBackend))
	c.SnapshotDSN = strings.TrimSpace(c.SnapshotDSN)
	c.TokenHash = strings.TrimSpace(c.TokenHash)
	if c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat)); c.LogFormat == "" {
		c.LogFormat = logging.FormatJSON
	}
	if c.SDKURL = strings.TrimSpace(c.SDKURL); c.SDKURL == "" {
		c.SDKURL = api.DefaultSDKURL
	}
	if c.EventsURL = strings.TrimSpace(c.EventsURL); c.EventsURL == "" {
		c.EventsURL = api.DefaultEventsURL
	}
}

// Localhost reports whether definitions come from a local file.
func (c Config) Localhost() bool {
	return c.LocalhostFile != ""
}

// Validate checks cross-field constraints and value ranges.
func (c Config) Validate() error {
	if c.APIKey == "" && !c.Localhost() {
		return errors.New("SPLIT_API_KEY is required unless SPLIT_LOCALHOST_FILE is set")
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{"SPLIT_HTTP_TIMEOUT", c.HTTPTimeout},
		{"SPLIT_FEATURES_REFRESH_RATE", c.FeaturesRefreshRate},
		{"SPLIT_SEGMENTS_REFRESH_RATE", c.SegmentsRefreshRate},
		{"SPLIT_IMPRESSIONS_REFRESH_RATE", c.ImpressionRefreshRate},
		{"SPLIT_EVENTS_PUSH_RATE", c.EventsPushRate},
	}
	for _, d := range positiveDurations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be > 0", d.name)
		}
	}
	if c.EventsFirstPushWindow < 0 {
		return errors.New("SPLIT_EVENTS_FIRST_PUSH_WINDOW must be >= 0")
	}

	positiveInts := []struct {
		name  string
		value int
	}{
		{"SPLIT_IMPRESSIONS_CHUNK_SIZE", c.ImpressionsChunkSize},
		{"SPLIT_IMPRESSIONS_QUEUE_SIZE", c.ImpressionsQueueSize},
		{"SPLIT_EVENTS_PER_PUSH", c.EventsPerPush},
		{"SPLIT_EVENTS_QUEUE_SIZE", c.EventsQueueSize},
		{"AUTH_RATE_LIMIT", c.AuthRateLimit},
		{"SPLITD_MAX_CLIENTS", c.MaxClients},
	}
	for _, n := range positiveInts {
		if n.value < 1 {
			return fmt.Errorf("%s must be a positive integer", n.name)
		}
	}
	if c.MaxJSONBodySize < 1 {
		return errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
	}

	switch c.SnapshotBackend {
	case BackendNone, BackendMemory:
	case BackendPostgres, BackendRedis, BackendSQLite:
		if c.SnapshotDSN == "" {
			return fmt.Errorf("SPLIT_SNAPSHOT_DSN is required when SPLIT_SNAPSHOT_BACKEND is %q", c.SnapshotBackend)
		}
	default:
		return fmt.Errorf("SPLIT_SNAPSHOT_BACKEND %q is not one of memory, postgres, redis, sqlite", c.SnapshotBackend)
	}

	for _, hash := range c.TokenHashes() {
		if !strings.HasPrefix(hash, "$2") {
			return errors.New("SPLITD_TOKEN_HASH must be a bcrypt hash or a comma-separated list of them")
		}
	}
	if c.TokenCacheTTL < 0 {
		return errors.New("SPLITD_TOKEN_CACHE_TTL must be >= 0")
	}
	if !logging.ValidFormat(c.LogFormat) {
		return fmt.Errorf("LOG_FORMAT %q is not one of json, text", c.LogFormat)
	}
	return nil
}

// TokenHashes splits SPLITD_TOKEN_HASH into its bcrypt hashes.
func (c Config) TokenHashes() []string {
	var hashes []string
	for _, hash := range strings.Split(c.TokenHash, ",") {
		if hash = strings.TrimSpace(hash); hash != "" {
			hashes = append(hashes, hash)
		}
	}
	return hashes
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger() *slog.Logger {
	return logging.New(logging.Options{Level: c.LogLevel, Format: c.LogFormat})
}

// SDKConfig converts the environment settings into factory settings.
func (c Config) SDKConfig() sdk.Config {
	return sdk.Config{
		FeaturesRefreshRate:   c.FeaturesRefreshRate,
		SegmentsRefreshRate:   c.SegmentsRefreshRate,
		ImpressionRefreshRate: c.ImpressionRefreshRate,
		ImpressionsChunkSize:  c.ImpressionsChunkSize,
		ImpressionsQueueSize:  c.ImpressionsQueueSize,
		EventsPushRate:        c.EventsPushRate,
		EventsFirstPushWindow: c.EventsFirstPushWindow,
		EventsPerPush:         c.EventsPerPush,
		EventsQueueSize:       c.EventsQueueSize,
		ReadyTimeout:          c.ReadyTimeout,
		FetchTimeout:          c.HTTPTimeout,
		LabelsDisabled:        !c.LabelsEnabled,
		TrafficType:           c.TrafficType,
	}
}

// APIConfig returns the control service client settings.
func (c Config) APIConfig() api.Config {
	return api.Config{
		SDKURL:    c.SDKURL,
		EventsURL: c.EventsURL,
		APIKey:    c.APIKey,
		Timeout:   c.HTTPTimeout,
	}
}
