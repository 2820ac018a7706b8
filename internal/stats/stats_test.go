package stats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/stats"
)

func ptr[T any](v T) *T { return &v }

func stepEv(kind model.EventKind, ts float64, key string) model.Event {
	return model.Event{EventType: kind, Timestamp: ts, StepKey: key}
}

func TestBuildStepStats_SuccessfulStep(t *testing.T) {
	out := stats.BuildStepStats([]model.Event{
		stepEv(model.EventStepStarted, 2, "stepA"),
		stepEv(model.EventStepSucceeded, 10, "stepA"),
	})

	require.Len(t, out, 1)
	st := out[0]
	assert.Equal(t, "stepA", st.StepKey)
	assert.Equal(t, model.StepStatusSuccess, st.Status)
	assert.Equal(t, ptr(2.0), st.StartTime)
	assert.Equal(t, ptr(10.0), st.EndTime)
	assert.Equal(t, []model.Interval{{Start: ptr(2.0), End: ptr(10.0)}}, st.Attempts)
}

func TestBuildStepStats_RetryProducesTwoWindows(t *testing.T) {
	out := stats.BuildStepStats([]model.Event{
		stepEv(model.EventStepStarted, 0, "stepA"),
		stepEv(model.EventStepUpForRetry, 5, "stepA"),
		stepEv(model.EventStepRestarted, 8, "stepA"),
		stepEv(model.EventStepFailed, 12, "stepA"),
	})

	require.Len(t, out, 1)
	st := out[0]
	assert.Equal(t, model.StepStatusFailure, st.Status)
	assert.Equal(t, []model.Interval{
		{Start: ptr(0.0), End: ptr(5.0)},
		{Start: ptr(8.0), End: ptr(12.0)},
	}, st.Attempts)
}

func TestBuildStepStats_UnfinishedStepStaysInProgress(t *testing.T) {
	out := stats.BuildStepStats([]model.Event{
		stepEv(model.EventStepStarted, 3, "stepA"),
	})

	require.Len(t, out, 1)
	assert.Equal(t, model.StepStatusInProgress, out[0].Status)
	assert.Nil(t, out[0].EndTime)
	require.Len(t, out[0].Attempts, 1)
	assert.Nil(t, out[0].Attempts[0].End)
}

func TestBuildStepStats_MarkersLoseKeysButKeepWindows(t *testing.T) {
	out := stats.BuildStepStats([]model.Event{
		{EventType: model.EventResourceInitStarted, Timestamp: 1, StepKey: "stepA", MarkerStart: "resource_init"},
		{EventType: model.EventResourceInitSucceeded, Timestamp: 4, StepKey: "stepA", MarkerEnd: "resource_init"},
		{EventType: model.EventEngine, Timestamp: 6, StepKey: "stepA", MarkerStart: "spinup"},
	})

	require.Len(t, out, 1)
	assert.Equal(t, []model.Interval{
		{Start: ptr(1.0), End: ptr(4.0)},
		{Start: ptr(6.0)},
	}, out[0].Markers)
}

func TestBuildStepStats_IgnoresRunScopedEvents(t *testing.T) {
	out := stats.BuildStepStats([]model.Event{
		{EventType: model.EventRunStarted, Timestamp: 0},
		stepEv(model.EventStepStarted, 1, "stepA"),
		stepEv(model.EventStepSucceeded, 2, "stepA"),
		{EventType: model.EventRunSucceeded, Timestamp: 3},
	})

	require.Len(t, out, 1)
	assert.Equal(t, "stepA", out[0].StepKey)
}

func TestBuildStepStats_OrderedByStepKey(t *testing.T) {
	out := stats.BuildStepStats([]model.Event{
		stepEv(model.EventStepStarted, 1, "zeta"),
		stepEv(model.EventStepStarted, 2, "alpha"),
		stepEv(model.EventStepSucceeded, 3, "zeta"),
		stepEv(model.EventStepSucceeded, 4, "alpha"),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "alpha", out[0].StepKey)
	assert.Equal(t, "zeta", out[1].StepKey)
}

func TestBuildStepStats_RoundTripsThroughSummaryShape(t *testing.T) {
	// The windows the fold persists are exactly what the summary path
	// consumes: a retried step must come back as one early retry window and
	// one terminal window.
	out := stats.BuildStepStats([]model.Event{
		stepEv(model.EventStepStarted, 0, "flaky"),
		stepEv(model.EventStepUpForRetry, 5, "flaky"),
		stepEv(model.EventStepRestarted, 8, "flaky"),
		stepEv(model.EventStepSucceeded, 12, "flaky"),
	})

	require.Len(t, out, 1)
	require.Len(t, out[0].Attempts, 2)
	assert.Equal(t, model.StepStatusSuccess, out[0].Status)
	assert.Equal(t, ptr(12.0), out[0].EndTime)
}
