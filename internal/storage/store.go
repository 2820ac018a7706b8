// Package storage provides the persistent run index and event log.
//
// Two backends implement the same Store contract: Postgres (pgxpool for
// queries, COPY-based batch ingestion, a dedicated connection for
// LISTEN/NOTIFY) for production, and SQLite (modernc, CGO-free) for
// single-node use. Sequence numbers are store-assigned, globally monotonic,
// and define arrival order within a run; every event read path returns
// events in sequence order.
package storage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

// defaultEventLimit caps a single event page when the caller does not say.
const defaultEventLimit = 10000

// Store is the persistent run index and event log.
type Store interface {
	// CreateRun registers a new run in running state.
	CreateRun(ctx context.Context, pipeline string) (model.Run, error)
	// GetRun fetches a run by ID. Wraps ErrNotFound when absent.
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	// ListRuns returns runs matching the filter, most recently started first.
	ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error)
	// CompleteRun moves a running run to a terminal status. Wraps
	// ErrRunNotActive when the run is absent or already finished.
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus) error
	// AppendEvents persists a batch of events, assigning sequence numbers.
	// IDs, run IDs and created-at stamps must already be set.
	AppendEvents(ctx context.Context, events []model.Event) (int64, error)
	// EventsForRun returns up to limit events with sequence numbers greater
	// than afterSeq, in sequence order. limit <= 0 uses a server default.
	EventsForRun(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]model.Event, error)
	// StepStats folds the run's full event log into per-step aggregates.
	StepStats(ctx context.Context, runID uuid.UUID) ([]model.StepStats, error)
	// RunStats returns the run-level summary times for a run. Wraps
	// ErrNotFound when the run is absent.
	RunStats(ctx context.Context, runID uuid.UUID) (model.RunStats, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close releases all connections.
	Close(ctx context.Context) error
}

// Notifier is implemented by stores that can push event-arrival hints, so
// pollers can wake early instead of waiting out their interval.
type Notifier interface {
	// ListenEvents subscribes the dedicated connection to event notifications.
	ListenEvents(ctx context.Context) error
	// WaitForEvents blocks until events were appended for some run and
	// returns that run's ID.
	WaitForEvents(ctx context.Context) (uuid.UUID, error)
}

// Open selects a backend from the database URL: postgres:// and
// postgresql:// URLs get the pooled Postgres store, anything else is treated
// as a SQLite DSN. notifyURL only applies to Postgres and may be empty.
func Open(ctx context.Context, databaseURL, notifyURL string, logger *slog.Logger) (Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgres(ctx, databaseURL, notifyURL, logger)
	}
	return NewSQLite(ctx, databaseURL, logger)
}

// AllEventsForRun pages through a run's complete event log in sequence
// order. Callers that rebuild timelines need the whole log, not a page.
func AllEventsForRun(ctx context.Context, s Store, runID uuid.UUID) ([]model.Event, error) {
	var all []model.Event
	var cursor int64
	for {
		batch, err := s.EventsForRun(ctx, runID, cursor, defaultEventLimit)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < defaultEventLimit {
			return all, nil
		}
		cursor = batch[len(batch)-1].SequenceNum
	}
}
