package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/storage"
	"github.com/nenpyo-org/nenpyo/internal/testutil"
)

// testStore holds a shared Postgres-backed store for all tests in this package.
var testStore *storage.Postgres

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testStore, err = tc.NewTestStore(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testStore.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func stepEvent(runID uuid.UUID, kind model.EventKind, ts float64, stepKey string) model.Event {
	return model.Event{
		ID:        uuid.New(),
		RunID:     runID,
		EventType: kind,
		Timestamp: ts,
		StepKey:   stepKey,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "nightly_etl")
	require.NoError(t, err)
	assert.Equal(t, "nightly_etl", run.Pipeline)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	got, err := testStore.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "nightly_etl", got.Pipeline)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRunNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := testStore.GetRun(ctx, uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteRun(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "complete-test")
	require.NoError(t, err)

	err = testStore.CompleteRun(ctx, run.ID, model.RunStatusSucceeded)
	require.NoError(t, err)

	got, err := testStore.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestCompleteRunAlreadyCompleted(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "double-complete")
	require.NoError(t, err)

	err = testStore.CompleteRun(ctx, run.ID, model.RunStatusSucceeded)
	require.NoError(t, err)

	err = testStore.CompleteRun(ctx, run.ID, model.RunStatusFailed)
	require.ErrorIs(t, err, storage.ErrRunNotActive)
}

func TestCompleteRunRejectsNonTerminalStatus(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "nonterminal-complete")
	require.NoError(t, err)

	err = testStore.CompleteRun(ctx, run.ID, model.RunStatusRunning)
	require.Error(t, err)
}

func TestAppendAssignsSequenceInArrivalOrder(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "seq-test")
	require.NoError(t, err)

	first := []model.Event{
		stepEvent(run.ID, model.EventRunStarted, 1.0, ""),
		stepEvent(run.ID, model.EventStepStarted, 2.0, "load"),
	}
	count, err := testStore.AppendEvents(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	second := []model.Event{
		stepEvent(run.ID, model.EventStepSucceeded, 3.0, "load"),
	}
	_, err = testStore.AppendEvents(ctx, second)
	require.NoError(t, err)

	got, err := testStore.EventsForRun(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, model.EventRunStarted, got[0].EventType)
	assert.Equal(t, model.EventStepStarted, got[1].EventType)
	assert.Equal(t, model.EventStepSucceeded, got[2].EventType)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].SequenceNum, got[i-1].SequenceNum,
			"sequence numbers must increase in arrival order")
	}
}

func TestAppendEventsBatchCOPY(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "copy-test")
	require.NoError(t, err)

	events := make([]model.Event, 100)
	for i := range events {
		events[i] = stepEvent(run.ID, model.EventEngine, float64(i+1), "batch-step")
	}

	count, err := testStore.AppendEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(100), count)

	got, err := testStore.EventsForRun(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestEventsForRunCursor(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "cursor-test")
	require.NoError(t, err)

	events := make([]model.Event, 5)
	for i := range events {
		events[i] = stepEvent(run.ID, model.EventStepStarted, float64(i+1), fmt.Sprintf("step_%d", i))
	}
	_, err = testStore.AppendEvents(ctx, events)
	require.NoError(t, err)

	page, err := testStore.EventsForRun(ctx, run.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "step_0", page[0].StepKey)
	assert.Equal(t, "step_1", page[1].StepKey)

	rest, err := testStore.EventsForRun(ctx, run.ID, page[1].SequenceNum, 0)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, "step_2", rest[0].StepKey)
}

func TestEventFieldsRoundTrip(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "fields-test")
	require.NoError(t, err)

	ev := model.Event{
		ID:          uuid.New(),
		RunID:       run.ID,
		EventType:   model.EventLogsCaptured,
		Timestamp:   10.5,
		FileKey:     "compute_logs/abc",
		StepKeys:    []string{"extract", "transform"},
		ProcessID:   "4242",
		ExternalURL: "https://logs.example.com/abc",
		Message:     "captured stdout and stderr",
		CreatedAt:   time.Now().UTC(),
	}
	marker := model.Event{
		ID:          uuid.New(),
		RunID:       run.ID,
		EventType:   model.EventStepWorkerStarting,
		Timestamp:   11.0,
		StepKey:     "extract",
		MarkerStart: "step_process_start",
		CreatedAt:   time.Now().UTC(),
	}

	_, err = testStore.AppendEvents(ctx, []model.Event{ev, marker})
	require.NoError(t, err)

	got, err := testStore.EventsForRun(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "compute_logs/abc", got[0].FileKey)
	assert.Equal(t, []string{"extract", "transform"}, got[0].StepKeys)
	assert.Equal(t, "4242", got[0].ProcessID)
	assert.Equal(t, "https://logs.example.com/abc", got[0].ExternalURL)
	assert.Equal(t, "captured stdout and stderr", got[0].Message)
	assert.InDelta(t, 10.5, got[0].Timestamp, 1e-9)

	assert.Equal(t, "step_process_start", got[1].MarkerStart)
	assert.Empty(t, got[1].MarkerEnd)
	assert.Nil(t, got[1].StepKeys)
}

func TestListRunsFilters(t *testing.T) {
	ctx := context.Background()
	pipeline := "list-" + uuid.New().String()[:8]

	var completed model.Run
	for i := range 3 {
		run, err := testStore.CreateRun(ctx, pipeline)
		require.NoError(t, err)
		if i == 0 {
			completed = run
		}
	}
	require.NoError(t, testStore.CompleteRun(ctx, completed.ID, model.RunStatusFailed))

	all, err := testStore.ListRuns(ctx, model.RunFilter{Pipeline: pipeline})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := testStore.ListRuns(ctx, model.RunFilter{
		Pipeline: pipeline,
		Statuses: []model.RunStatus{model.RunStatusFailed},
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, completed.ID, failed[0].ID)

	limited, err := testStore.ListRuns(ctx, model.RunFilter{Pipeline: pipeline, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStepStatsAggregatesEvents(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "stats-test")
	require.NoError(t, err)

	_, err = testStore.AppendEvents(ctx, []model.Event{
		stepEvent(run.ID, model.EventStepStarted, 1.0, "extract"),
		stepEvent(run.ID, model.EventStepSucceeded, 5.0, "extract"),
		stepEvent(run.ID, model.EventStepStarted, 2.0, "transform"),
		stepEvent(run.ID, model.EventStepFailed, 6.0, "transform"),
	})
	require.NoError(t, err)

	got, err := testStore.StepStats(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "extract", got[0].StepKey)
	assert.Equal(t, model.StepStatusSuccess, got[0].Status)
	require.NotNil(t, got[0].EndTime)
	assert.InDelta(t, 5.0, *got[0].EndTime, 1e-9)

	assert.Equal(t, "transform", got[1].StepKey)
	assert.Equal(t, model.StepStatusFailure, got[1].Status)
}

func TestWaitForEventsDeliversRunID(t *testing.T) {
	ctx := context.Background()

	run, err := testStore.CreateRun(ctx, "notify-test")
	require.NoError(t, err)

	require.NoError(t, testStore.ListenEvents(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	type result struct {
		runID uuid.UUID
		err   error
	}
	done := make(chan result, 1)
	go func() {
		id, err := testStore.WaitForEvents(waitCtx)
		done <- result{id, err}
	}()

	// Give the waiter a moment to block on the notify connection.
	time.Sleep(100 * time.Millisecond)

	_, err = testStore.AppendEvents(ctx, []model.Event{
		stepEvent(run.ID, model.EventRunStarted, 1.0, ""),
	})
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, run.ID, res.runID)
	case <-waitCtx.Done():
		t.Fatal("timed out waiting for event notification")
	}
}
