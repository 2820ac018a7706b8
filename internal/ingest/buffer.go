// Package ingest provides the event intake pipeline: schema-validated NDJSON
// decoding and buffered batch appends to the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/storage"
	"github.com/nenpyo-org/nenpyo/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered events to prevent OOM.
// When this limit is reached, Append applies backpressure by returning an error.
const maxBufferCapacity = 100_000

// ErrBufferAtCapacity is returned by Append when accepting the batch would
// exceed the buffer's hard capacity. Callers should flush or retry later.
var ErrBufferAtCapacity = errors.New("ingest: buffer at capacity")

// Buffer accumulates events in memory and flushes them to the store in
// batches when either the buffer size or flush timeout is reached. Sequence
// numbers are assigned by the store at flush time, so buffered batches keep
// arrival order.
type Buffer struct {
	store        storage.Store
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu     sync.Mutex
	events []model.Event

	droppedEvents atomic.Int64 // total events dropped due to capacity after flush failure

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so final flush respects caller's deadline
}

// NewBuffer creates a new event buffer.
func NewBuffer(store storage.Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	return &Buffer{
		store:        store,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. It is
// idempotent; call Drain to stop.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("ingest: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append validates inputs, materializes them as stored events for runID, and
// queues them for the next flush. The whole batch is rejected if any input
// is invalid or the buffer is at capacity (backpressure).
func (b *Buffer) Append(runID uuid.UUID, inputs []model.EventInput) ([]model.Event, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, input := range inputs {
		if err := input.Validate(); err != nil {
			return nil, fmt.Errorf("ingest: event %d: %w", i, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events)+len(inputs) > maxBufferCapacity {
		return nil, fmt.Errorf("%w (%d events buffered)", ErrBufferAtCapacity, len(b.events))
	}

	now := time.Now().UTC()
	events := make([]model.Event, len(inputs))
	for i, input := range inputs {
		events[i] = model.Event{
			ID:          uuid.New(),
			RunID:       runID,
			EventType:   input.EventType,
			Timestamp:   input.Timestamp,
			StepKey:     input.StepKey,
			MarkerStart: input.MarkerStart,
			MarkerEnd:   input.MarkerEnd,
			FileKey:     input.FileKey,
			StepKeys:    input.StepKeys,
			ProcessID:   input.ProcessID,
			ExternalURL: input.ExternalURL,
			Message:     input.Message,
			CreatedAt:   now,
		}
	}

	b.events = append(b.events, events...)

	if len(b.events) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}

	return events, nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// We need a non-cancelled context because ctx is already done.
			if b.drainCtx != nil {
				_ = b.Flush(b.drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_ = b.Flush(fallbackCtx)
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			_ = b.Flush(ctx)
		case <-b.flushCh:
			_ = b.Flush(ctx)
		}
	}
}

// Flush synchronously writes all buffered events to the store. On failure
// the batch is requeued for a later retry (unless the buffer has refilled
// past capacity, in which case it is dropped and counted) and the error is
// returned so callers on the synchronous path can surface it.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	start := time.Now()
	count, err := b.store.AppendEvents(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		b.logger.Error("ingest: flush failed", "error", err, "batch_size", len(batch))
		// Put events back for retry, but respect the capacity limit.
		b.mu.Lock()
		if len(b.events)+len(batch) <= maxBufferCapacity {
			b.events = append(batch, b.events...)
		} else {
			b.droppedEvents.Add(int64(len(batch)))
			b.logger.Error("ingest: dropping events, buffer at capacity after flush failure", "dropped", len(batch))
		}
		b.mu.Unlock()
		return fmt.Errorf("ingest: flush: %w", err)
	}

	b.logger.Debug("ingest: batch flushed",
		"batch_size", count,
		"flush_duration_ms", duration.Milliseconds(),
	)
	return nil
}

// Drain signals the background flush loop to stop, waits for its final
// flush, and returns. The ctx controls the maximum time to wait and is
// passed to the final flush so it respects the caller's deadline.
func (b *Buffer) Drain(ctx context.Context) error {
	if !b.started.Load() {
		// No flush loop to stop; write out whatever is buffered.
		return b.Flush(ctx)
	}
	b.drainCtx = ctx // Store so flushLoop's final flush respects caller's deadline.
	if b.cancelLoop != nil {
		b.cancelLoop() // Signal flushLoop to exit; it does a final flush before closing b.done.
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingest: drain interrupted with %d events unflushed: %w", b.Len(), ctx.Err())
	}
}

// registerMetrics registers observable OTEL gauges for buffer health.
// Called from Start() after the global meter provider has been initialized.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter("nenpyo/ingest")

	_, _ = meter.Int64ObservableGauge("nenpyo.ingest.buffer_depth",
		metric.WithDescription("Current number of events waiting to be flushed"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("nenpyo.ingest.dropped_total",
		metric.WithDescription("Total events dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.DroppedEvents())
			return nil
		}),
	)
}

// Len returns the current number of buffered events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// DroppedEvents returns the total number of events dropped after flush
// failures. A non-zero value indicates data loss.
func (b *Buffer) DroppedEvents() int64 {
	return b.droppedEvents.Load()
}
