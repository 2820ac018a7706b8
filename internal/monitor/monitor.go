// Package monitor tracks run timelines: live watching with recompute-on-batch
// and cold snapshots with a persisted-aggregate fallback.
//
// A watched run holds the full arrival-ordered event list and reduces it from
// scratch every time the watcher delivers a batch. Snapshots fan out to
// subscribers on conflated channels where a newer snapshot replaces an
// unconsumed older one, so a slow subscriber always sees the freshest state.
// Cold snapshots load the complete event log on demand, deduplicated per run
// so concurrent requests share one load.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/storage"
	"github.com/nenpyo-org/nenpyo/internal/telemetry"
	"github.com/nenpyo-org/nenpyo/internal/timeline"
	"github.com/nenpyo-org/nenpyo/internal/watch"
)

const (
	// coldLoadTimeout bounds a deduplicated cold snapshot load.
	coldLoadTimeout = 30 * time.Second
	// hookTimeout bounds one round of hook callbacks.
	hookTimeout = 10 * time.Second
)

// Snapshot is one computed view of a run timeline and the input it came from.
type Snapshot struct {
	Meta   *timeline.RunMetadata
	Source timeline.Source
}

// Monitor serves run timelines, either on demand or as a stream of updates
// for watched runs.
type Monitor struct {
	store   storage.Store
	watcher *watch.Watcher
	logger  *slog.Logger
	hooks   []Hook

	cold singleflight.Group

	mu   sync.Mutex
	runs map[uuid.UUID]*watchedRun

	recomputes     metric.Int64Counter
	reduceDuration metric.Float64Histogram
}

// watchedRun is the live state of one run being watched. Its consume
// goroutine owns the event list; the mutex guards everything subscribers and
// snapshot readers touch.
type watchedRun struct {
	runID uuid.UUID
	stop  context.CancelFunc

	mu        sync.Mutex
	events    []model.Event
	latest    Snapshot
	loaded    bool
	completed bool
	watchers  map[*runWatcher]struct{}
}

// runWatcher is one subscriber to a watched run's snapshot stream.
type runWatcher struct {
	ch chan Snapshot
}

// offer delivers a snapshot without blocking. A queued snapshot the
// subscriber has not consumed yet is replaced, never queued behind.
func (w *runWatcher) offer(snap Snapshot) {
	select {
	case w.ch <- snap:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- snap:
	default:
	}
}

// New creates a Monitor on top of a store and a running watcher.
func New(store storage.Store, watcher *watch.Watcher, logger *slog.Logger, hooks []Hook) *Monitor {
	meter := telemetry.Meter("nenpyo/monitor")
	recomputes, _ := meter.Int64Counter("nenpyo.monitor.recomputes_total",
		metric.WithDescription("Total timeline recomputations"),
	)
	reduceDur, _ := meter.Float64Histogram("nenpyo.monitor.reduce_duration",
		metric.WithDescription("Time to reduce a run's event log into a timeline (ms)"),
		metric.WithUnit("ms"),
	)

	m := &Monitor{
		store:          store,
		watcher:        watcher,
		logger:         logger,
		hooks:          hooks,
		runs:           make(map[uuid.UUID]*watchedRun),
		recomputes:     recomputes,
		reduceDuration: reduceDur,
	}

	_, _ = meter.Int64ObservableGauge("nenpyo.monitor.watched_runs",
		metric.WithDescription("Number of runs currently being watched"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.watchedRunCount())
			return nil
		}),
	)
	return m
}

func (m *Monitor) watchedRunCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.runs))
}

// Timeline returns the current timeline for a run. Watched runs are served
// from live state; anything else gets a cold snapshot computed from the full
// event log, falling back to persisted aggregates when the run has no events.
// Unknown runs surface the store's ErrNotFound.
func (m *Monitor) Timeline(ctx context.Context, runID uuid.UUID) (Snapshot, error) {
	m.mu.Lock()
	wr := m.runs[runID]
	m.mu.Unlock()

	if wr != nil {
		wr.mu.Lock()
		snap, loaded := wr.latest, wr.loaded
		wr.mu.Unlock()
		if loaded {
			return snap, nil
		}
	}
	return m.coldSnapshot(ctx, runID)
}

// coldSnapshot computes a snapshot without a live watch, deduplicating
// concurrent loads per run. The load runs on a detached context with its own
// timeout because singleflight reuses the first caller's context; a cancelled
// first caller would poison all waiters.
func (m *Monitor) coldSnapshot(_ context.Context, runID uuid.UUID) (Snapshot, error) {
	v, err, _ := m.cold.Do(runID.String(), func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.Background(), coldLoadTimeout)
		defer cancel()

		events, err := storage.AllEventsForRun(loadCtx, m.store, runID)
		if err != nil {
			return nil, err
		}
		snap, err := m.assemble(loadCtx, runID, events)
		if err != nil {
			return nil, err
		}
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// assemble applies the source decision to a fully loaded event list. With
// events the timeline is reduced from them; without, it is built from the
// persisted aggregates. The aggregate path doubles as the existence check:
// an unknown run surfaces ErrNotFound from the run lookup.
func (m *Monitor) assemble(ctx context.Context, runID uuid.UUID, events []model.Event) (Snapshot, error) {
	if src := timeline.ChooseSource(false, len(events)); src == timeline.SourceLiveEvents {
		return Snapshot{Meta: m.reduce(ctx, events), Source: src}, nil
	}

	runStats, err := m.store.RunStats(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	stepStats, err := m.store.StepStats(ctx, runID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Meta:   timeline.FromRunStats(runStats, stepStats),
		Source: timeline.SourcePersistedStats,
	}, nil
}

// reduce recomputes a timeline from scratch and records the instrumentation.
func (m *Monitor) reduce(ctx context.Context, events []model.Event) *timeline.RunMetadata {
	start := time.Now()
	meta := timeline.Reduce(events)
	m.reduceDuration.Record(ctx, time.Since(start).Seconds()*1000)
	m.recomputes.Add(ctx, 1)
	return meta
}

// Watch begins streaming timeline snapshots for a run. The returned channel
// carries the latest snapshot after every recompute; the cancel func releases
// the subscription and closes the channel. The run must exist. Watching keeps
// going after the run completes, since late events may still arrive; callers
// decide when to stop.
func (m *Monitor) Watch(ctx context.Context, runID uuid.UUID) (<-chan Snapshot, func(), error) {
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	wr, ok := m.runs[runID]
	if !ok {
		runCtx, cancel := context.WithCancel(context.Background())
		wr = &watchedRun{
			runID:    runID,
			stop:     cancel,
			watchers: make(map[*runWatcher]struct{}),
		}
		m.runs[runID] = wr
		go m.consume(runCtx, wr)
	}

	w := &runWatcher{ch: make(chan Snapshot, 1)}
	wr.mu.Lock()
	wr.watchers[w] = struct{}{}
	if wr.loaded {
		w.offer(wr.latest)
	}
	wr.mu.Unlock()
	m.mu.Unlock()

	var once sync.Once
	cancelFn := func() {
		once.Do(func() { m.unwatch(wr, w) })
	}
	return w.ch, cancelFn, nil
}

// unwatch releases one subscription. The last subscriber of a run stops its
// consume goroutine.
func (m *Monitor) unwatch(wr *watchedRun, w *runWatcher) {
	m.mu.Lock()
	wr.mu.Lock()
	_, registered := wr.watchers[w]
	delete(wr.watchers, w)
	last := registered && len(wr.watchers) == 0
	if last && m.runs[wr.runID] == wr {
		delete(m.runs, wr.runID)
	}
	if registered {
		close(w.ch)
	}
	wr.mu.Unlock()
	m.mu.Unlock()

	if last {
		wr.stop()
	}
}

// Close stops every run's consume goroutine and closes all subscriber
// channels. Cancel funcs handed out by Watch stay safe to call afterwards.
func (m *Monitor) Close() {
	m.mu.Lock()
	runs := make([]*watchedRun, 0, len(m.runs))
	for _, wr := range m.runs {
		runs = append(runs, wr)
	}
	m.runs = make(map[uuid.UUID]*watchedRun)
	m.mu.Unlock()

	for _, wr := range runs {
		wr.stop()
		wr.mu.Lock()
		for w := range wr.watchers {
			close(w.ch)
		}
		wr.watchers = make(map[*runWatcher]struct{})
		wr.mu.Unlock()
	}
}

// consume owns one watched run: it loads the full event log, subscribes to
// the watcher from the last loaded sequence number (gap-free and
// duplicate-free by construction), then recomputes and republishes the
// timeline on every delivered batch.
func (m *Monitor) consume(ctx context.Context, wr *watchedRun) {
	defer m.teardown(wr)

	events, err := storage.AllEventsForRun(ctx, m.store, wr.runID)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("monitor: event load failed", "run_id", wr.runID, "error", err)
		}
		return
	}

	sub := m.watcher.Subscribe(wr.runID, lastSeq(events))
	defer m.watcher.Unsubscribe(sub)

	completed := false
	for _, e := range events {
		if e.EventType.IsRunTerminal() {
			completed = true
			break
		}
	}
	wr.mu.Lock()
	wr.events = events
	wr.completed = completed
	wr.mu.Unlock()

	if err := m.publish(ctx, wr); err != nil && ctx.Err() == nil {
		// The first delivered batch retries with events present, which
		// cannot hit the aggregate fallback again.
		m.logger.Error("monitor: initial snapshot failed", "run_id", wr.runID, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-sub.Events():
			if !ok {
				return
			}
			wr.mu.Lock()
			wr.events = append(wr.events, batch...)
			wr.mu.Unlock()

			if err := m.publish(ctx, wr); err != nil && ctx.Err() == nil {
				m.logger.Error("monitor: snapshot failed", "run_id", wr.runID, "error", err)
			}
			m.noteCompletion(wr, batch)
		}
	}
}

// teardown drops a watched run and closes any remaining subscriber channels.
// Safe to call when Close or the last unwatch already cleaned up.
func (m *Monitor) teardown(wr *watchedRun) {
	m.mu.Lock()
	if m.runs[wr.runID] == wr {
		delete(m.runs, wr.runID)
	}
	m.mu.Unlock()

	wr.mu.Lock()
	for w := range wr.watchers {
		close(w.ch)
	}
	wr.watchers = make(map[*runWatcher]struct{})
	wr.mu.Unlock()
}

// publish recomputes the run's snapshot, stores it as the latest, fans it
// out, and fires the update hooks.
func (m *Monitor) publish(ctx context.Context, wr *watchedRun) error {
	wr.mu.Lock()
	events := wr.events
	wr.mu.Unlock()

	snap, err := m.assemble(ctx, wr.runID, events)
	if err != nil {
		return err
	}

	wr.mu.Lock()
	wr.latest = snap
	wr.loaded = true
	for w := range wr.watchers {
		w.offer(snap)
	}
	wr.mu.Unlock()

	m.fireTimelineUpdated(wr.runID, snap.Meta)
	return nil
}

// noteCompletion fires OnRunCompleted exactly once, when a run-terminal
// event first shows up in a live batch. Runs that were already complete at
// load time never fire; the completion is old news by then.
func (m *Monitor) noteCompletion(wr *watchedRun, batch []model.Event) {
	for _, e := range batch {
		status, ok := e.EventType.TerminalStatus()
		if !ok {
			continue
		}
		wr.mu.Lock()
		already := wr.completed
		wr.completed = true
		wr.mu.Unlock()
		if !already {
			m.fireRunCompleted(wr.runID, status)
		}
		return
	}
}

// fireTimelineUpdated invokes OnTimelineUpdated hooks asynchronously.
func (m *Monitor) fireTimelineUpdated(runID uuid.UUID, meta *timeline.RunMetadata) {
	if len(m.hooks) == 0 {
		return
	}
	hooks := m.hooks
	logger := m.logger
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnTimelineUpdated(hookCtx, runID, meta); err != nil {
				logger.Warn("monitor: hook OnTimelineUpdated failed", "error", err, "run_id", runID)
			}
		}
	}()
}

// fireRunCompleted invokes OnRunCompleted hooks asynchronously.
func (m *Monitor) fireRunCompleted(runID uuid.UUID, status model.RunStatus) {
	if len(m.hooks) == 0 {
		return
	}
	hooks := m.hooks
	logger := m.logger
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, h := range hooks {
			if err := h.OnRunCompleted(hookCtx, runID, status); err != nil {
				logger.Warn("monitor: hook OnRunCompleted failed", "error", err, "run_id", runID)
			}
		}
	}()
}

func lastSeq(events []model.Event) int64 {
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].SequenceNum
}
