// Package nenpyo is the public API for embedding the nenpyo run-timeline
// engine.
//
// Orchestrators and runner hosts import this package to persist run events
// and reconstruct execution timelines without operating a separate service:
//
//	svc, err := nenpyo.New(
//	    nenpyo.WithVersion(version),
//	    nenpyo.WithLogger(logger),
//	    nenpyo.WithDatabaseURL("file:runs.db"),
//	    nenpyo.WithTimelineHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := svc.Run(ctx); err != nil { ... }
//
// All exported types (RunTimeline, EventInput, Run) are standalone structs;
// callers never import internal packages, and errors surface as the package
// sentinels ErrRunNotFound, ErrRunNotActive, and ErrBufferAtCapacity.
package nenpyo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/nenpyo-org/nenpyo/internal/config"
	"github.com/nenpyo-org/nenpyo/internal/ingest"
	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/monitor"
	"github.com/nenpyo-org/nenpyo/internal/storage"
	"github.com/nenpyo-org/nenpyo/internal/telemetry"
	"github.com/nenpyo-org/nenpyo/internal/timeline"
	"github.com/nenpyo-org/nenpyo/internal/watch"
)

// shutdownDrainTimeout bounds the final event flush when the caller's
// shutdown context carries no earlier deadline.
const shutdownDrainTimeout = 10 * time.Second

var (
	// ErrRunNotFound is returned when an operation names a run that does
	// not exist.
	ErrRunNotFound = errors.New("nenpyo: run not found")
	// ErrRunNotActive is returned when a terminal status update hits a run
	// that is absent or already finished.
	ErrRunNotActive = errors.New("nenpyo: run not active")
	// ErrBufferAtCapacity is returned when the event buffer cannot accept
	// more events until a flush succeeds.
	ErrBufferAtCapacity = errors.New("nenpyo: event buffer at capacity")
)

// Service is the nenpyo engine lifecycle. Construct with New(), run with
// Run(). Service has no public fields; use New() options to configure it.
type Service struct {
	cfg          config.Config
	store        storage.Store
	buffer       *ingest.Buffer
	watcher      *watch.Watcher
	monitor      *monitor.Monitor
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the engine. It opens the event log store (running
// migrations), wires the buffer, watcher, and monitor, and returns a
// ready-to-run Service. It does NOT start any goroutines, so appends are not
// flushed in the background and watches receive no live updates until Run.
func New(opts ...Option) (*Service, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.pollInterval > 0 {
		cfg.PollInterval = o.pollInterval
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("nenpyo starting", "version", version)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the event log store. Migrations run inside the constructor.
	store, err := storage.Open(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	// Event intake buffer.
	buffer := ingest.NewBuffer(store, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)

	// Event watcher.
	watcher := watch.NewWatcher(store, logger, cfg.PollInterval, cfg.EventFetchLimit)

	// Adapt timeline hooks from public nenpyo.TimelineHook to internal
	// monitor.Hook.
	var hooks []monitor.Hook
	for _, h := range o.timelineHooks {
		hooks = append(hooks, &timelineHookAdapter{hook: h})
	}

	// Timeline monitor.
	mon := monitor.New(store, watcher, logger, hooks)

	return &Service{
		cfg:          cfg,
		store:        store,
		buffer:       buffer,
		watcher:      watcher,
		monitor:      mon,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the background flush and watch loops, then blocks until ctx is
// cancelled. On return, Shutdown is called automatically; callers should not
// call Shutdown separately.
func (s *Service) Run(ctx context.Context) error {
	s.buffer.Start(ctx)
	go s.watcher.Start(ctx)

	<-ctx.Done()

	return s.Shutdown(context.Background())
}

// Shutdown performs a graceful stop: it releases all timeline watches,
// flushes the event buffer, and closes the telemetry provider and the store.
func (s *Service) Shutdown(ctx context.Context) error {
	s.logger.Info("nenpyo shutting down")

	// Stop timeline consumers before the store goes away.
	s.monitor.Close()

	// Flush whatever the buffer still holds.
	drainCtx, drainCancel := context.WithTimeout(ctx, shutdownDrainTimeout)
	if err := s.buffer.Drain(drainCtx); err != nil {
		s.logger.Error("event buffer drain incomplete, unflushed events will be lost",
			"error", err,
			"remaining_events", s.buffer.Len(),
		)
		drainCancel()
		return fmt.Errorf("buffer drain failed: %w", err)
	}
	drainCancel()

	_ = s.otelShutdown(context.Background())
	_ = s.store.Close(context.Background())

	s.logger.Info("nenpyo stopped")
	return nil
}

// StartRun registers a new run for the named pipeline. Runners may append
// events against the returned run ID immediately.
func (s *Service) StartRun(ctx context.Context, pipeline string) (Run, error) {
	if pipeline == "" {
		return Run{}, errors.New("nenpyo: pipeline name required")
	}
	run, err := s.store.CreateRun(ctx, pipeline)
	if err != nil {
		return Run{}, err
	}
	return toPublicRun(run), nil
}

// ListRuns returns runs matching the filter, most recently started first.
func (s *Service) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	runs, err := s.store.ListRuns(ctx, fromPublicFilter(filter))
	if err != nil {
		return nil, err
	}
	out := make([]Run, len(runs))
	for i, r := range runs {
		out[i] = toPublicRun(r)
	}
	return out, nil
}

// AppendEvents validates and persists a batch of events for a run. The whole
// batch is rejected if any event is invalid. Events are buffered and then
// flushed synchronously, so they are durable when the call returns. Appending
// to an unknown run returns ErrRunNotFound; a full buffer returns
// ErrBufferAtCapacity.
func (s *Service) AppendEvents(ctx context.Context, runID uuid.UUID, events []EventInput) error {
	if len(events) == 0 {
		return nil
	}
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return mapErr(err)
	}
	inputs := make([]model.EventInput, len(events))
	for i, e := range events {
		inputs[i] = fromPublicInput(e)
	}
	if _, err := s.buffer.Append(runID, inputs); err != nil {
		return mapErr(err)
	}
	return mapErr(s.buffer.Flush(ctx))
}

// CompleteRun moves a running run to a terminal status and stamps its
// completion time, feeding the persisted-aggregate fallback. Completing a run
// that is absent or already finished returns ErrRunNotActive.
func (s *Service) CompleteRun(ctx context.Context, runID uuid.UUID, status RunStatus) error {
	return mapErr(s.store.CompleteRun(ctx, runID, model.RunStatus(status)))
}

// Timeline returns the current timeline snapshot for a run. Watched runs are
// served from live state; anything else is computed from the full event log,
// falling back to persisted aggregates when the run has no events yet.
// Unknown runs return ErrRunNotFound.
func (s *Service) Timeline(ctx context.Context, runID uuid.UUID) (TimelineSnapshot, error) {
	snap, err := s.monitor.Timeline(ctx, runID)
	if err != nil {
		return TimelineSnapshot{}, mapErr(err)
	}
	return toPublicSnapshot(snap), nil
}

// WatchTimeline streams timeline snapshots for a run, one per recompute. The
// channel always carries the latest snapshot: a consumer that falls behind
// skips intermediate states instead of queueing them. cancel releases the
// watch and closes the channel; it is safe to call more than once. Watching
// outlives run completion, since late events may still arrive. Live updates
// need the watch loop, so outside Run only the initial snapshot is delivered.
// Unknown runs return ErrRunNotFound.
func (s *Service) WatchTimeline(ctx context.Context, runID uuid.UUID) (<-chan TimelineSnapshot, func(), error) {
	snaps, cancel, err := s.monitor.Watch(ctx, runID)
	if err != nil {
		return nil, nil, mapErr(err)
	}

	out := make(chan TimelineSnapshot, 1)
	go func() {
		defer close(out)
		for snap := range snaps {
			offerSnapshot(out, toPublicSnapshot(snap))
		}
	}()
	return out, cancel, nil
}

// Replay reduces an already-collected batch of events into a run timeline
// without a store or a Service. Slice order is arrival order. Use it for
// captured event files, tests, and offline debugging.
func Replay(events []EventInput) *RunTimeline {
	internal := make([]model.Event, len(events))
	for i, e := range events {
		internal[i] = model.Event{
			EventType:   model.EventKind(e.EventType),
			SequenceNum: int64(i + 1),
			Timestamp:   e.Timestamp,
			StepKey:     e.StepKey,
			MarkerStart: e.MarkerStart,
			MarkerEnd:   e.MarkerEnd,
			FileKey:     e.FileKey,
			StepKeys:    e.StepKeys,
			ProcessID:   e.ProcessID,
			ExternalURL: e.ExternalURL,
			Message:     e.Message,
		}
	}
	return toPublicTimeline(timeline.Reduce(internal))
}

// offerSnapshot delivers without blocking, replacing an unconsumed snapshot
// so the channel always holds the freshest state.
func offerSnapshot(ch chan TimelineSnapshot, snap TimelineSnapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

// mapErr rewrites internal sentinel errors into their public equivalents so
// embedders can branch with errors.Is without importing internal packages.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrRunNotFound
	case errors.Is(err, storage.ErrRunNotActive):
		return ErrRunNotActive
	case errors.Is(err, ingest.ErrBufferAtCapacity):
		return ErrBufferAtCapacity
	}
	return err
}

// timelineHookAdapter wraps a nenpyo.TimelineHook to satisfy monitor.Hook.
// It converts internal timeline types to public nenpyo types at the boundary.
type timelineHookAdapter struct {
	hook TimelineHook
}

func (a *timelineHookAdapter) OnTimelineUpdated(ctx context.Context, runID uuid.UUID, meta *timeline.RunMetadata) error {
	return a.hook.OnTimelineUpdated(ctx, runID, toPublicTimeline(meta))
}

func (a *timelineHookAdapter) OnRunCompleted(ctx context.Context, runID uuid.UUID, status model.RunStatus) error {
	return a.hook.OnRunCompleted(ctx, runID, RunStatus(status))
}

// toPublicRun converts an internal model.Run to the public nenpyo.Run.
func toPublicRun(r model.Run) Run {
	return Run{
		ID:          r.ID,
		Pipeline:    r.Pipeline,
		Status:      RunStatus(r.Status),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
	}
}

func fromPublicFilter(f RunFilter) model.RunFilter {
	out := model.RunFilter{
		Pipeline: f.Pipeline,
		Limit:    f.Limit,
	}
	for _, st := range f.Statuses {
		out.Statuses = append(out.Statuses, model.RunStatus(st))
	}
	if f.From != nil || f.To != nil {
		out.TimeRange = &model.TimeRange{From: f.From, To: f.To}
	}
	return out
}

func fromPublicInput(e EventInput) model.EventInput {
	return model.EventInput{
		EventType:   model.EventKind(e.EventType),
		Timestamp:   e.Timestamp,
		StepKey:     e.StepKey,
		MarkerStart: e.MarkerStart,
		MarkerEnd:   e.MarkerEnd,
		FileKey:     e.FileKey,
		StepKeys:    e.StepKeys,
		ProcessID:   e.ProcessID,
		ExternalURL: e.ExternalURL,
		Message:     e.Message,
	}
}

func toPublicSnapshot(snap monitor.Snapshot) TimelineSnapshot {
	return TimelineSnapshot{
		Timeline: toPublicTimeline(snap.Meta),
		Source:   Source(snap.Source.String()),
	}
}

// toPublicTimeline deep-copies an internal timeline.RunMetadata into the
// public nenpyo.RunTimeline. The copy matters: internal snapshots are shared
// between subscribers and must stay immutable, while public values belong to
// the caller.
func toPublicTimeline(meta *timeline.RunMetadata) *RunTimeline {
	if meta == nil {
		return nil
	}
	out := &RunTimeline{
		FirstEventAt:      meta.FirstEventAt,
		MostRecentEventAt: meta.MostRecentEventAt,
		StartedAt:         copyFloat(meta.StartedAt),
		ExitedAt:          copyFloat(meta.ExitedAt),
		GlobalMarkers:     toPublicMarkers(meta.GlobalMarkers),
		Steps:             make(map[string]*StepTimeline, len(meta.Steps)),
	}
	for key, step := range meta.Steps {
		out.Steps[key] = toPublicStep(step)
	}
	if len(meta.LogCaptureSteps) > 0 {
		out.LogCaptureSteps = make(map[string]*LogCapture, len(meta.LogCaptureSteps))
		for key, info := range meta.LogCaptureSteps {
			out.LogCaptureSteps[key] = &LogCapture{
				FileKey:     info.FileKey,
				StepKeys:    append([]string(nil), info.StepKeys...),
				ProcessID:   info.ProcessID,
				ExternalURL: info.ExternalURL,
			}
		}
	}
	return out
}

func toPublicStep(step *timeline.StepMetadata) *StepTimeline {
	if step == nil {
		return nil
	}
	out := &StepTimeline{
		State:       StepState(step.State),
		Start:       copyFloat(step.Start),
		End:         copyFloat(step.End),
		Transitions: make([]Transition, len(step.Transitions)),
		Attempts:    make([]Attempt, len(step.Attempts)),
		Markers:     toPublicMarkers(step.Markers),
	}
	for i, tr := range step.Transitions {
		out.Transitions[i] = Transition{State: StepState(tr.State), Time: tr.Time}
	}
	for i, at := range step.Attempts {
		out.Attempts[i] = Attempt{
			Start:     at.Start,
			End:       copyFloat(at.End),
			ExitState: StepState(at.ExitState),
		}
	}
	return out
}

func toPublicMarkers(markers []timeline.Marker) []Marker {
	out := make([]Marker, len(markers))
	for i, m := range markers {
		out[i] = Marker{Key: m.Key, Start: copyFloat(m.Start), End: copyFloat(m.End)}
	}
	return out
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
