package nenpyo_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nenpyo-org/nenpyo"
	"github.com/nenpyo-org/nenpyo/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func newTestService(t *testing.T, opts ...nenpyo.Option) *nenpyo.Service {
	t.Helper()
	base := []nenpyo.Option{
		nenpyo.WithDatabaseURL(filepath.Join(t.TempDir(), "nenpyo.db")),
		nenpyo.WithLogger(testutil.TestLogger()),
	}
	svc, err := nenpyo.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

// startService runs the service lifecycle in the background for tests that
// need live watching.
func startService(t *testing.T, opts ...nenpyo.Option) *nenpyo.Service {
	t.Helper()
	svc := newTestService(t, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("run returned error: %v", err)
		}
	})
	return svc
}

// waitForSnapshot receives snapshots until one satisfies cond.
func waitForSnapshot(t *testing.T, ch <-chan nenpyo.TimelineSnapshot, cond func(nenpyo.TimelineSnapshot) bool) nenpyo.TimelineSnapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-ch:
			require.True(t, ok, "snapshot channel closed while waiting")
			if cond(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching snapshot")
		}
	}
}

func TestServiceAppendAndTimeline(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	run, err := svc.StartRun(ctx, "etl_daily")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, "etl_daily", run.Pipeline)
	assert.Equal(t, nenpyo.RunStatusRunning, run.Status)

	require.NoError(t, svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: nenpyo.EventRunStarted, Timestamp: 100},
		{EventType: nenpyo.EventStepStarted, Timestamp: 101, StepKey: "load"},
		{EventType: nenpyo.EventStepSucceeded, Timestamp: 140, StepKey: "load"},
		{EventType: nenpyo.EventRunSucceeded, Timestamp: 141},
	}))

	// AppendEvents persists before returning, so the timeline is current
	// without the background lifecycle running.
	snap, err := svc.Timeline(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, nenpyo.SourceLiveEvents, snap.Source)

	tl := snap.Timeline
	require.NotNil(t, tl)
	require.NotNil(t, tl.StartedAt)
	assert.Equal(t, 100.0, *tl.StartedAt)
	require.NotNil(t, tl.ExitedAt)
	assert.Equal(t, 141.0, *tl.ExitedAt)

	step := tl.Steps["load"]
	require.NotNil(t, step)
	assert.Equal(t, nenpyo.StepStateSucceeded, step.State)
	assert.Equal(t, []nenpyo.Attempt{
		{Start: 101, End: ptr(140.0), ExitState: nenpyo.StepStateSucceeded},
	}, step.Attempts)
}

func TestServiceTimelineFallsBackToStats(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	run, err := svc.StartRun(ctx, "silent")
	require.NoError(t, err)
	require.NoError(t, svc.CompleteRun(ctx, run.ID, nenpyo.RunStatusFailed))

	snap, err := svc.Timeline(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, nenpyo.SourcePersistedStats, snap.Source)
	require.NotNil(t, snap.Timeline)
	assert.NotNil(t, snap.Timeline.StartedAt)
	assert.NotNil(t, snap.Timeline.ExitedAt)
	assert.Empty(t, snap.Timeline.Steps)
}

func TestServiceUnknownRun(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.Timeline(ctx, uuid.New())
	require.ErrorIs(t, err, nenpyo.ErrRunNotFound)

	_, _, err = svc.WatchTimeline(ctx, uuid.New())
	require.ErrorIs(t, err, nenpyo.ErrRunNotFound)

	err = svc.AppendEvents(ctx, uuid.New(), []nenpyo.EventInput{
		{EventType: nenpyo.EventRunStarted, Timestamp: 1},
	})
	require.ErrorIs(t, err, nenpyo.ErrRunNotFound)
}

func TestServiceInputValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.StartRun(ctx, "")
	require.ErrorContains(t, err, "pipeline name required")

	run, err := svc.StartRun(ctx, "validation")
	require.NoError(t, err)

	err = svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: "Bogus", Timestamp: 5},
	})
	require.ErrorContains(t, err, "unknown event_type")

	err = svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: nenpyo.EventRunStarted, Timestamp: 0},
	})
	require.ErrorContains(t, err, "timestamp")

	// An empty batch is a no-op, not an error.
	require.NoError(t, svc.AppendEvents(ctx, run.ID, nil))
}

func TestServiceCompleteRunGuards(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	err := svc.CompleteRun(ctx, uuid.New(), nenpyo.RunStatusFailed)
	require.ErrorIs(t, err, nenpyo.ErrRunNotActive)

	run, err := svc.StartRun(ctx, "guards")
	require.NoError(t, err)
	require.NoError(t, svc.CompleteRun(ctx, run.ID, nenpyo.RunStatusSucceeded))

	err = svc.CompleteRun(ctx, run.ID, nenpyo.RunStatusFailed)
	require.ErrorIs(t, err, nenpyo.ErrRunNotActive)

	other, err := svc.StartRun(ctx, "guards")
	require.NoError(t, err)
	err = svc.CompleteRun(ctx, other.ID, nenpyo.RunStatusRunning)
	require.ErrorContains(t, err, "not a terminal status")
}

func TestServiceListRuns(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	alpha, err := svc.StartRun(ctx, "alpha")
	require.NoError(t, err)
	beta, err := svc.StartRun(ctx, "beta")
	require.NoError(t, err)
	require.NoError(t, svc.CompleteRun(ctx, beta.ID, nenpyo.RunStatusSucceeded))

	all, err := svc.ListRuns(ctx, nenpyo.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byPipeline, err := svc.ListRuns(ctx, nenpyo.RunFilter{Pipeline: "alpha"})
	require.NoError(t, err)
	require.Len(t, byPipeline, 1)
	assert.Equal(t, alpha.ID, byPipeline[0].ID)
	assert.Equal(t, nenpyo.RunStatusRunning, byPipeline[0].Status)

	byStatus, err := svc.ListRuns(ctx, nenpyo.RunFilter{
		Statuses: []nenpyo.RunStatus{nenpyo.RunStatusSucceeded},
	})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, beta.ID, byStatus[0].ID)

	limited, err := svc.ListRuns(ctx, nenpyo.RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	hourAgo := time.Now().Add(-time.Hour)
	recent, err := svc.ListRuns(ctx, nenpyo.RunFilter{From: &hourAgo})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
	stale, err := svc.ListRuns(ctx, nenpyo.RunFilter{To: &hourAgo})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestServiceWatchTimelineStreams(t *testing.T) {
	svc := newTestService(t, nenpyo.WithPollInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	run, err := svc.StartRun(ctx, "stream")
	require.NoError(t, err)
	require.NoError(t, svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: nenpyo.EventRunStarted, Timestamp: 1},
		{EventType: nenpyo.EventStepStarted, Timestamp: 2, StepKey: "load"},
	}))

	snaps, stop, err := svc.WatchTimeline(ctx, run.ID)
	require.NoError(t, err)
	defer stop()

	snap := waitForSnapshot(t, snaps, func(s nenpyo.TimelineSnapshot) bool {
		return s.Timeline.Steps["load"] != nil
	})
	assert.Equal(t, nenpyo.SourceLiveEvents, snap.Source)
	assert.Equal(t, nenpyo.StepStateRunning, snap.Timeline.Steps["load"].State)

	require.NoError(t, svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: nenpyo.EventStepSucceeded, Timestamp: 5, StepKey: "load"},
		{EventType: nenpyo.EventRunSucceeded, Timestamp: 6},
	}))
	snap = waitForSnapshot(t, snaps, func(s nenpyo.TimelineSnapshot) bool {
		return s.Timeline.ExitedAt != nil
	})
	assert.Equal(t, nenpyo.StepStateSucceeded, snap.Timeline.Steps["load"].State)
	assert.Equal(t, 6.0, *snap.Timeline.ExitedAt)

	cancel()
	require.NoError(t, <-errCh)

	// Shutdown tears down the watch; the stream must end rather than hang.
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-snaps:
		case <-deadline:
			t.Fatal("watch channel must close on shutdown")
		}
	}
}

// recordingHook captures hook invocations for assertions.
type recordingHook struct {
	mu        sync.Mutex
	updates   int
	completed []nenpyo.RunStatus
}

func (h *recordingHook) OnTimelineUpdated(context.Context, uuid.UUID, *nenpyo.RunTimeline) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates++
	return nil
}

func (h *recordingHook) OnRunCompleted(_ context.Context, _ uuid.UUID, status nenpyo.RunStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, status)
	return nil
}

func (h *recordingHook) state() (int, []nenpyo.RunStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updates, append([]nenpyo.RunStatus(nil), h.completed...)
}

func TestServiceTimelineHooks(t *testing.T) {
	ctx := context.Background()
	hook := &recordingHook{}
	svc := startService(t,
		nenpyo.WithPollInterval(20*time.Millisecond),
		nenpyo.WithTimelineHook(hook),
	)

	run, err := svc.StartRun(ctx, "hooked")
	require.NoError(t, err)
	require.NoError(t, svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: nenpyo.EventRunStarted, Timestamp: 1},
	}))

	snaps, stop, err := svc.WatchTimeline(ctx, run.ID)
	require.NoError(t, err)
	defer stop()
	waitForSnapshot(t, snaps, func(s nenpyo.TimelineSnapshot) bool {
		return s.Source == nenpyo.SourceLiveEvents
	})

	require.NoError(t, svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: nenpyo.EventRunFailed, Timestamp: 9},
	}))
	waitForSnapshot(t, snaps, func(s nenpyo.TimelineSnapshot) bool {
		return s.Timeline.ExitedAt != nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		updates, completed := hook.state()
		if updates > 0 && len(completed) == 1 {
			assert.Equal(t, nenpyo.RunStatusFailed, completed[0])
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("hooks not fired: %d updates, %d completions", updates, len(completed))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReplay(t *testing.T) {
	tl := nenpyo.Replay([]nenpyo.EventInput{
		{EventType: nenpyo.EventRunStarted, Timestamp: 10},
		{EventType: nenpyo.EventStepStarted, Timestamp: 11, StepKey: "transform"},
		{EventType: nenpyo.EventStepUpForRetry, Timestamp: 15, StepKey: "transform"},
		{EventType: nenpyo.EventStepRestarted, Timestamp: 20, StepKey: "transform"},
		{EventType: nenpyo.EventStepSucceeded, Timestamp: 30, StepKey: "transform"},
		{EventType: nenpyo.EventRunSucceeded, Timestamp: 31},
	})

	require.NotNil(t, tl)
	require.NotNil(t, tl.StartedAt)
	assert.Equal(t, 10.0, *tl.StartedAt)
	require.NotNil(t, tl.ExitedAt)
	assert.Equal(t, 31.0, *tl.ExitedAt)

	step := tl.Steps["transform"]
	require.NotNil(t, step)
	assert.Equal(t, nenpyo.StepStateSucceeded, step.State)
	assert.Equal(t, ptr(11.0), step.Start)
	assert.Equal(t, ptr(30.0), step.End)
	assert.Equal(t, []nenpyo.Transition{
		{State: nenpyo.StepStateRunning, Time: 11},
		{State: nenpyo.StepStateRetryRequested, Time: 15},
		{State: nenpyo.StepStatePreparing, Time: 16},
		{State: nenpyo.StepStateRunning, Time: 20},
		{State: nenpyo.StepStateSucceeded, Time: 30},
	}, step.Transitions)
	assert.Equal(t, []nenpyo.Attempt{
		{Start: 11, End: ptr(15.0), ExitState: nenpyo.StepStateRetryRequested},
		{Start: 20, End: ptr(30.0), ExitState: nenpyo.StepStateSucceeded},
	}, step.Attempts)
}

func TestServiceShutdownWithoutRun(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	run, err := svc.StartRun(ctx, "idle")
	require.NoError(t, err)
	require.NoError(t, svc.AppendEvents(ctx, run.ID, []nenpyo.EventInput{
		{EventType: nenpyo.EventRunStarted, Timestamp: 1},
	}))

	// No background lifecycle was ever started; Shutdown must still return
	// promptly instead of waiting on a flush loop that does not exist.
	done := make(chan error, 1)
	go func() { done <- svc.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hung without a running service")
	}
}
