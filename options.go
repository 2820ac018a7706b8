package nenpyo

import (
	"log/slog"
	"time"
)

// Option configures a Service.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	databaseURL   string
	notifyURL     string
	logger        *slog.Logger
	version       string
	pollInterval  time.Duration
	timelineHooks []TimelineHook
}

// WithDatabaseURL overrides the store connection string from config
// (NENPYO_DATABASE_URL env var). postgres:// URLs select the Postgres
// backend; anything else is treated as a SQLite DSN.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NENPYO_NOTIFY_URL env var). Set this when using a connection pooler
// (e.g. PgBouncer) for queries, since LISTEN/NOTIFY requires a direct
// (non-pooled) connection. Ignored by the SQLite backend.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the Service.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPollInterval overrides how often the event watcher polls for newly
// persisted events (NENPYO_POLL_INTERVAL env var). On Postgres with a notify
// connection the poller is woken early and the interval is only a backstop.
func WithPollInterval(interval time.Duration) Option {
	return func(o *resolvedOptions) { o.pollInterval = interval }
}

// WithTimelineHook registers a hook to receive timeline lifecycle
// notifications for watched runs. Multiple hooks may be registered; all
// registered hooks receive every callback.
func WithTimelineHook(hook TimelineHook) Option {
	return func(o *resolvedOptions) { o.timelineHooks = append(o.timelineHooks, hook) }
}
