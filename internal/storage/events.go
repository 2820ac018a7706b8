package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/stats"
)

// reserveSequenceNums atomically allocates count globally unique sequence
// numbers using a Postgres SEQUENCE. Values are monotonically increasing;
// under concurrent access they are unique but may not be consecutive (gaps
// are harmless, another caller grabbed intervening numbers).
func (db *Postgres) reserveSequenceNums(ctx context.Context, count int) ([]int64, error) {
	if count <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT nextval('event_sequence_num_seq') FROM generate_series(1, $1)`, count)
	if err != nil {
		return nil, fmt.Errorf("storage: reserve sequence nums: %w", err)
	}
	defer rows.Close()

	nums := make([]int64, 0, count)
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("storage: scan sequence num: %w", err)
		}
		nums = append(nums, v)
	}
	return nums, rows.Err()
}

// AppendEvents persists events using the COPY protocol for high throughput,
// assigning sequence numbers first. Watchers listening on the event channel
// are woken afterwards.
func (db *Postgres) AppendEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	seqs, err := db.reserveSequenceNums(ctx, len(events))
	if err != nil {
		return 0, err
	}
	if len(seqs) != len(events) {
		return 0, fmt.Errorf("storage: reserved %d sequence nums for %d events", len(seqs), len(events))
	}

	columns := []string{
		"id", "run_id", "event_type", "sequence_num", "timestamp",
		"step_key", "marker_start", "marker_end",
		"file_key", "step_keys", "process_id", "external_url",
		"message", "created_at",
	}

	rows := make([][]any, len(events))
	runIDs := map[uuid.UUID]struct{}{}
	for i, e := range events {
		e.SequenceNum = seqs[i]
		runIDs[e.RunID] = struct{}{}
		rows[i] = []any{
			e.ID,
			e.RunID,
			string(e.EventType),
			e.SequenceNum,
			e.Timestamp,
			e.StepKey,
			e.MarkerStart,
			e.MarkerEnd,
			e.FileKey,
			e.StepKeys,
			e.ProcessID,
			e.ExternalURL,
			e.Message,
			e.CreatedAt,
		}
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// ingest flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"run_events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}

	for runID := range runIDs {
		db.notifyEvents(ctx, runID)
	}
	return copyCount, nil
}

// EventsForRun retrieves a run's events after the given sequence cursor, in
// sequence (arrival) order. limit <= 0 uses the server default; callers
// should treat a full page as possibly truncated.
func (db *Postgres) EventsForRun(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}
	rows, err := db.pool.Query(ctx,
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

	return scanEvents(rows)
}

// StepStats folds the run's full event log into per-step aggregates.
func (db *Postgres) StepStats(ctx context.Context, runID uuid.UUID) ([]model.StepStats, error) {
	events, err := AllEventsForRun(ctx, db, runID)
	if err != nil {
		return nil, err
	}
	return stats.BuildStepStats(events), nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.EventType, &e.SequenceNum, &e.Timestamp,
			&e.StepKey, &e.MarkerStart, &e.MarkerEnd,
			&e.FileKey, &e.StepKeys, &e.ProcessID, &e.ExternalURL,
			&e.Message, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
