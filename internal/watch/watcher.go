// Package watch delivers newly persisted run events to subscribers. A single
// poll loop advances a cursor per subscription; when the store supports
// listen/notify the loop is woken early, otherwise latency is bounded by the
// poll interval.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/storage"
)

// subscriptionBuffer bounds how many undelivered batches a subscriber may
// accumulate before the watcher defers delivery to a later poll.
const subscriptionBuffer = 16

// Subscription is a live feed of one run's events in arrival order. Batches
// are delivered gap-free: the watcher only advances the cursor after a batch
// has been handed off.
type Subscription struct {
	runID  uuid.UUID
	cursor int64
	ch     chan []model.Event
}

// Events returns the batch channel. It is closed by Unsubscribe.
func (s *Subscription) Events() <-chan []model.Event { return s.ch }

// RunID returns the watched run.
func (s *Subscription) RunID() uuid.UUID { return s.runID }

// Watcher fans out persisted events to per-run subscribers.
type Watcher struct {
	store      storage.Store
	logger     *slog.Logger
	interval   time.Duration
	fetchLimit int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	wake chan uuid.UUID
}

// NewWatcher creates a watcher polling at the given interval and fetching at
// most fetchLimit events per query. Call Start to begin delivery.
func NewWatcher(store storage.Store, logger *slog.Logger, interval time.Duration, fetchLimit int) *Watcher {
	if interval <= 0 {
		interval = time.Second
	}
	if fetchLimit <= 0 {
		fetchLimit = 1000
	}
	return &Watcher{
		store:      store,
		logger:     logger,
		interval:   interval,
		fetchLimit: fetchLimit,
		subs:       make(map[*Subscription]struct{}),
		wake:       make(chan uuid.UUID, 16),
	}
}

// Start runs the poll loop. It blocks, so call it in a goroutine; it returns
// when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	if notifier, ok := w.store.(storage.Notifier); ok {
		if err := notifier.ListenEvents(ctx); err != nil {
			w.logger.Warn("watch: listen unavailable, relying on polling", "error", err)
		} else {
			w.logger.Info("watch: listening for event notifications")
			go w.notifyLoop(ctx, notifier)
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAll(ctx)
		case runID := <-w.wake:
			w.pollRun(ctx, runID)
		}
	}
}

// notifyLoop turns store notifications into poll wakeups. A dropped wakeup
// only delays delivery until the next tick.
func (w *Watcher) notifyLoop(ctx context.Context, notifier storage.Notifier) {
	for {
		runID, err := notifier.WaitForEvents(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("watch: notification error, retrying", "error", err)
			continue
		}
		select {
		case w.wake <- runID:
		default:
		}
	}
}

// Subscribe registers a feed for runID starting after the afterSeq cursor.
// Use afterSeq 0 for the full log, or the last sequence number of a snapshot
// to receive only what the snapshot missed. The caller must Unsubscribe when
// done.
func (w *Watcher) Subscribe(runID uuid.UUID, afterSeq int64) *Subscription {
	sub := &Subscription{
		runID:  runID,
		cursor: afterSeq,
		ch:     make(chan []model.Event, subscriptionBuffer),
	}
	w.mu.Lock()
	w.subs[sub] = struct{}{}
	w.mu.Unlock()

	// Wake the poll loop so the subscriber does not wait a full tick for
	// events that are already persisted.
	select {
	case w.wake <- runID:
	default:
	}
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (w *Watcher) Unsubscribe(sub *Subscription) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.subs[sub]; !ok {
		return
	}
	delete(w.subs, sub)
	close(sub.ch)
}

func (w *Watcher) pollAll(ctx context.Context) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for sub := range w.subs {
		w.deliver(ctx, sub)
	}
}

func (w *Watcher) pollRun(ctx context.Context, runID uuid.UUID) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for sub := range w.subs {
		if sub.runID == runID {
			w.deliver(ctx, sub)
		}
	}
}

// deliver fetches events past the subscription's cursor and hands them off.
// If the subscriber's buffer is full the cursor stays put and the same batch
// is retried on a later poll; events are never dropped.
func (w *Watcher) deliver(ctx context.Context, sub *Subscription) {
	for {
		events, err := w.store.EventsForRun(ctx, sub.runID, sub.cursor, w.fetchLimit)
		if err != nil {
			w.logger.Warn("watch: fetch events", "run_id", sub.runID, "error", err)
			return
		}
		if len(events) == 0 {
			return
		}

		select {
		case sub.ch <- events:
			sub.cursor = events[len(events)-1].SequenceNum
		default:
			w.logger.Debug("watch: subscriber busy, batch deferred", "run_id", sub.runID)
			return
		}

		if len(events) < w.fetchLimit {
			return
		}
	}
}
