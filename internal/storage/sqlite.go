package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/stats"
	"github.com/nenpyo-org/nenpyo/migrations"
)

// SQLite is the single-node backend. The modernc driver is CGO-free, so the
// binary stays cross-compilable. Sequence numbers come from the run_events
// rowid, which is globally monotonic the same way the Postgres sequence is.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if necessary) a SQLite store at the given DSN
// and applies migrations. Plain paths and file: DSNs both work.
func NewSQLite(ctx context.Context, dsn string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}

	// WAL keeps readers unblocked during appends; the busy timeout rides out
	// short writer contention before our own retry kicks in.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) runMigrations(ctx context.Context) error {
	return applyMigrations(ctx, migrations.SQLite, s.logger, migrateHooks{
		trackingDDL: `CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		exec: func(ctx context.Context, query string, args ...any) error {
			_, err := s.db.ExecContext(ctx, query, args...)
			return err
		},
		appliedVersions: func(ctx context.Context) (map[string]bool, error) {
			rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
			if err != nil {
				return nil, err
			}
			defer rows.Close()
			return scanVersions(rows.Next, func(dst *string) error { return rows.Scan(dst) }, rows.Err)
		},
	})
}

// Ping checks connectivity to the database file.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the database handle.
func (s *SQLite) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("storage: close sqlite: %w", err)
	}
	return nil
}

// CreateRun inserts a new run in running state and returns it.
func (s *SQLite) CreateRun(ctx context.Context, pipeline string) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		Pipeline:  pipeline,
		Status:    model.RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (id, pipeline, status, started_at, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			run.ID, run.Pipeline, string(run.Status), run.StartedAt, run.CreatedAt,
		)
		return err
	})
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline, status, started_at, completed_at, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.Pipeline, &run.Status, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a running run to a terminal status.
func (s *SQLite) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	if !status.Finished() {
		return fmt.Errorf("storage: complete run: %q is not a terminal status", status)
	}
	var affected int64
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = $1, completed_at = $2
			 WHERE id = $3 AND status = 'running'`,
			string(status), time.Now().UTC(), id,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("storage: complete run %s: %w", id, ErrRunNotActive)
	}
	return nil
}

// ListRuns returns runs matching the filter, most recently started first.
func (s *SQLite) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query, args := buildListRunsQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(
			&r.ID, &r.Pipeline, &r.Status, &r.StartedAt, &r.CompletedAt, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// AppendEvents persists a batch of events in one transaction. The rowid
// autoincrement assigns sequence numbers in insert order.
func (s *SQLite) AppendEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin append tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO run_events (id, run_id, event_type, timestamp,
			                         step_key, marker_start, marker_end,
			                         file_key, step_keys, process_id, external_url,
			                         message, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`)
		if err != nil {
			return fmt.Errorf("storage: prepare append: %w", err)
		}
		defer stmt.Close()

		for _, e := range events {
			keys, err := encodeStepKeys(e.StepKeys)
			if err != nil {
				return fmt.Errorf("storage: encode step keys: %w", err)
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.RunID, string(e.EventType), e.Timestamp,
				e.StepKey, e.MarkerStart, e.MarkerEnd,
				e.FileKey, keys, e.ProcessID, e.ExternalURL,
				e.Message, e.CreatedAt,
			); err != nil {
				return fmt.Errorf("storage: insert event: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// EventsForRun retrieves a run's events after the given sequence cursor, in
// sequence (arrival) order.
func (s *SQLite) EventsForRun(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, sequence_num, timestamp,
		        step_key, marker_start, marker_end,
		        file_key, step_keys, process_id, external_url,
		        message, created_at
		 FROM run_events WHERE run_id = $1 AND sequence_num > $2
		 ORDER BY sequence_num ASC
		 LIMIT $3`, runID, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get events for run: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var keys sql.NullString
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.EventType, &e.SequenceNum, &e.Timestamp,
			&e.StepKey, &e.MarkerStart, &e.MarkerEnd,
			&e.FileKey, &keys, &e.ProcessID, &e.ExternalURL,
			&e.Message, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.StepKeys, err = decodeStepKeys(keys)
		if err != nil {
			return nil, fmt.Errorf("storage: decode step keys: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// StepStats folds the run's full event log into per-step aggregates.
func (s *SQLite) StepStats(ctx context.Context, runID uuid.UUID) ([]model.StepStats, error) {
	events, err := AllEventsForRun(ctx, s, runID)
	if err != nil {
		return nil, err
	}
	return stats.BuildStepStats(events), nil
}

// RunStats returns the run-level summary times derived from the run row.
func (s *SQLite) RunStats(ctx context.Context, runID uuid.UUID) (model.RunStats, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return model.RunStats{}, err
	}
	return run.Stats(), nil
}

func encodeStepKeys(keys []string) (any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeStepKeys(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(s.String), &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
