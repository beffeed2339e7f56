// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - STREAM_POLL_INTERVAL: polling interval for SSE streaming
//     (default "1s", must be > 0 if set).
//   - CASCADE_MAX_PASSES: cap on cascade re-evaluation passes
//     (default "10", must be > 0 if set).
//   - CONFLICT_STRATEGY: conflict resolution strategy applied when multiple
//     rules write the same addon state (default "priority").
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - LOG_LEVEL: slog level (default "info").
//   - TS_HOSTNAME: serve on a tailnet with this hostname instead of a plain
//     TCP listener.
//   - TS_AUTH_KEY, TS_STATE_DIR: tsnet credentials and state directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/webshopkit/addonrules/internal/engine"
)

const (
	defaultHTTPAddr            = ":8080"
	defaultStreamPollInterval  = time.Second
	defaultTSStateDir          = "tsnet-state"
	defaultAuthRateLimit       = 10
	defaultCacheResyncInterval = time.Minute
)

// Config holds the runtime configuration for the addonrules server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	StreamPollInterval  time.Duration
	CascadeMaxPasses    int
	ConflictStrategy    engine.Strategy
	LogLevel            string
	AuthRateLimit       int
	TSHostname          string
	TSAuthKey           string
	TSStateDir          string
	CacheResyncInterval time.Duration
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	streamPollInterval := defaultStreamPollInterval
	if value := strings.TrimSpace(os.Getenv("STREAM_POLL_INTERVAL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse STREAM_POLL_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("STREAM_POLL_INTERVAL must be > 0")
		}
		streamPollInterval = parsed
	}

	cascadeMaxPasses := engine.DefaultMaxPasses
	if value := strings.TrimSpace(os.Getenv("CASCADE_MAX_PASSES")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse CASCADE_MAX_PASSES: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CASCADE_MAX_PASSES must be > 0")
		}
		cascadeMaxPasses = parsed
	}

	conflictStrategy := engine.DefaultStrategy
	if value := strings.TrimSpace(os.Getenv("CONFLICT_STRATEGY")); value != "" {
		strategy := engine.Strategy(value)
		if !engine.KnownStrategy(strategy) {
			return Config{}, fmt.Errorf("unknown CONFLICT_STRATEGY %q", value)
		}
		conflictStrategy = strategy
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	tsHostname := strings.TrimSpace(os.Getenv("TS_HOSTNAME"))
	tsAuthKey := os.Getenv("TS_AUTH_KEY")
	if tsHostname != "" && strings.TrimSpace(tsAuthKey) == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when TS_HOSTNAME is set")
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		StreamPollInterval:  streamPollInterval,
		CascadeMaxPasses:    cascadeMaxPasses,
		ConflictStrategy:    conflictStrategy,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		AuthRateLimit:       authRateLimit,
		TSHostname:          tsHostname,
		TSAuthKey:           tsAuthKey,
		TSStateDir:          envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		CacheResyncInterval: cacheResyncInterval,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
