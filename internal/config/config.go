// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Database settings. A postgres:// URL selects the Postgres store;
	// anything else is treated as a SQLite DSN.
	DatabaseURL string
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY; unused for SQLite.

	// Event intake settings.
	EventBufferSize   int           // Buffered events that trigger a flush.
	EventFlushTimeout time.Duration // Maximum time an event waits in the buffer.

	// Watch settings.
	PollInterval    time.Duration // Event poll interval when no notify hints arrive.
	EventFetchLimit int           // Events fetched per poll page.

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool // Plain HTTP to the OTLP endpoint, for local collectors.

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// A set-but-unparsable value is an error, never a silent fallback; all bad
// values are reported together.
func Load() (Config, error) {
	var errs []error

	intVal := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	durVal := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolVal := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		DatabaseURL:       envStr("NENPYO_DATABASE_URL", "file:nenpyo.db"),
		NotifyURL:         envStr("NENPYO_NOTIFY_URL", ""),
		EventBufferSize:   intVal("NENPYO_EVENT_BUFFER_SIZE", 1000),
		EventFlushTimeout: durVal("NENPYO_EVENT_FLUSH_TIMEOUT", 100*time.Millisecond),
		PollInterval:      durVal("NENPYO_POLL_INTERVAL", time.Second),
		EventFetchLimit:   intVal("NENPYO_EVENT_FETCH_LIMIT", 1000),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "nenpyo"),
		OTELInsecure:      boolVal("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:          envStr("NENPYO_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: NENPYO_DATABASE_URL is required")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("config: NENPYO_EVENT_BUFFER_SIZE must be positive")
	}
	if c.EventFlushTimeout <= 0 {
		return fmt.Errorf("config: NENPYO_EVENT_FLUSH_TIMEOUT must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: NENPYO_POLL_INTERVAL must be positive")
	}
	if c.EventFetchLimit <= 0 {
		return fmt.Errorf("config: NENPYO_EVENT_FETCH_LIMIT must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}
