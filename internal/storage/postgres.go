package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nenpyo-org/nenpyo/migrations"
)

// channelEvents is the LISTEN/NOTIFY channel announcing appended events.
// The payload is the run ID.
const channelEvents = "nenpyo_events"

// Postgres wraps a pgxpool.Pool for normal queries (via PgBouncer) and a
// dedicated pgx.Conn for LISTEN/NOTIFY (direct to Postgres).
type Postgres struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// NewPostgres opens a pooled Postgres store and applies migrations.
// poolDSN should point to PgBouncer (or directly to Postgres in dev).
// notifyDSN should point directly to Postgres for LISTEN/NOTIFY support and
// may be empty, which disables event notifications.
func NewPostgres(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	db := &Postgres{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}
	if err := db.runMigrations(ctx); err != nil {
		db.Close(ctx)
		return nil, err
	}
	return db, nil
}

func (db *Postgres) runMigrations(ctx context.Context) error {
	return applyMigrations(ctx, migrations.Postgres, db.logger, migrateHooks{
		trackingDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		exec: func(ctx context.Context, sql string, args ...any) error {
			_, err := db.pool.Exec(ctx, sql, args...)
			return err
		},
		appliedVersions: func(ctx context.Context) (map[string]bool, error) {
			rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			return scanVersions(rows.Next, func(dst *string) error { return rows.Scan(dst) }, rows.Err)
		},
	})
}

// Ping checks connectivity to the database.
func (db *Postgres) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *Postgres) Close(ctx context.Context) error {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
	return nil
}

// ListenEvents subscribes the dedicated notify connection to the event
// channel. Returns an error if no notify connection is configured.
func (db *Postgres) ListenEvents(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channelEvents}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channelEvents, err)
	}
	return nil
}

// WaitForEvents blocks until an event notification arrives and returns the
// run the events belong to.
func (db *Postgres) WaitForEvents(ctx context.Context) (uuid.UUID, error) {
	if db.notifyConn == nil {
		return uuid.Nil, fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: wait for notification: %w", err)
	}
	runID, err := uuid.Parse(notification.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: parse notification payload %q: %w", notification.Payload, err)
	}
	return runID, nil
}

func (db *Postgres) notifyEvents(ctx context.Context, runID uuid.UUID) {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channelEvents, runID.String()); err != nil {
		db.logger.Warn("storage: notify events", "run_id", runID, "error", err)
	}
}
