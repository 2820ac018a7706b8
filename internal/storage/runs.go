package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

// CreateRun inserts a new run in running state and returns it.
func (db *Postgres) CreateRun(ctx context.Context, pipeline string) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		Pipeline:  pipeline,
		Status:    model.RunStatusRunning,
		StartedAt: now,
		CreatedAt: now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, pipeline, status, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Pipeline, string(run.Status), run.StartedAt, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *Postgres) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var run model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, pipeline, status, started_at, completed_at, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.Pipeline, &run.Status, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a running run to a terminal status.
func (db *Postgres) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	if !status.Finished() {
		return fmt.Errorf("storage: complete run: %q is not a terminal status", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, completed_at = $2
		 WHERE id = $3 AND status = 'running'`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete run %s: %w", id, ErrRunNotActive)
	}
	return nil
}

// RunStats returns the run-level summary times derived from the run row.
func (db *Postgres) RunStats(ctx context.Context, runID uuid.UUID) (model.RunStats, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return model.RunStats{}, err
	}
	return run.Stats(), nil
}

// ListRuns returns runs matching the filter, most recently started first.
func (db *Postgres) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query, args := buildListRunsQuery(filter)
	rows, err := db.pool.Query(ctx, query, args...)
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
