package timeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/timeline"
)

func TestFromRunStats_StatusMapping(t *testing.T) {
	m := timeline.FromRunStats(model.RunStats{}, []model.StepStats{
		{StepKey: "ok", Status: model.StepStatusSuccess},
		{StepKey: "bad", Status: model.StepStatusFailure},
		{StepKey: "skip", Status: model.StepStatusSkipped},
		{StepKey: "mid", Status: model.StepStatusInProgress},
	})

	assert.Equal(t, timeline.StepStateSucceeded, m.Steps["ok"].State)
	assert.Equal(t, timeline.StepStateFailed, m.Steps["bad"].State)
	assert.Equal(t, timeline.StepStateSkipped, m.Steps["skip"].State)
	assert.Equal(t, timeline.StepStateUnknown, m.Steps["mid"].State)
}

func TestFromRunStats_FinalAttemptTakesTerminalState(t *testing.T) {
	m := timeline.FromRunStats(model.RunStats{}, []model.StepStats{
		{
			StepKey: "flaky",
			Status:  model.StepStatusFailure,
			Attempts: []model.Interval{
				{Start: ptr(0.0), End: ptr(5.0)},
				{Start: ptr(8.0), End: ptr(12.0)},
			},
		},
	})

	attempts := m.Steps["flaky"].Attempts
	require.Len(t, attempts, 2)
	assert.Equal(t, timeline.StepStateRetryRequested, attempts[0].ExitState)
	assert.Equal(t, timeline.StepStateFailed, attempts[1].ExitState)
	assert.Equal(t, 0.0, attempts[0].Start)
	assert.Equal(t, ptr(5.0), attempts[0].End)
	assert.Equal(t, 8.0, attempts[1].Start)
	assert.Equal(t, ptr(12.0), attempts[1].End)
}

func TestFromRunStats_SingleAttemptTakesTerminalState(t *testing.T) {
	m := timeline.FromRunStats(model.RunStats{}, []model.StepStats{
		{
			StepKey:  "once",
			Status:   model.StepStatusSuccess,
			Attempts: []model.Interval{{Start: ptr(1.0), End: ptr(4.0)}},
		},
	})

	attempts := m.Steps["once"].Attempts
	require.Len(t, attempts, 1)
	assert.Equal(t, timeline.StepStateSucceeded, attempts[0].ExitState)
}

func TestFromRunStats_SynthesizesMarkerKeys(t *testing.T) {
	m := timeline.FromRunStats(model.RunStats{}, []model.StepStats{
		{
			StepKey: "stepA",
			Status:  model.StepStatusSuccess,
			Markers: []model.Interval{
				{Start: ptr(1.0), End: ptr(2.0)},
				{Start: ptr(3.0), End: ptr(4.0)},
			},
		},
	})

	markers := m.Steps["stepA"].Markers
	require.Len(t, markers, 2)
	assert.Equal(t, "marker_0", markers[0].Key)
	assert.Equal(t, "marker_1", markers[1].Key)
	assert.Equal(t, ptr(3.0), markers[1].Start)
}

func TestFromRunStats_RunTimesAndEmptyTransitions(t *testing.T) {
	m := timeline.FromRunStats(
		model.RunStats{StartTime: ptr(100.0), EndTime: ptr(160.0)},
		[]model.StepStats{
			{StepKey: "stepA", Status: model.StepStatusSuccess, StartTime: ptr(101.0), EndTime: ptr(150.0)},
		},
	)

	assert.Equal(t, ptr(100.0), m.StartedAt)
	assert.Equal(t, ptr(160.0), m.ExitedAt)
	// No events processed, so the event horizon stays unset.
	assert.Zero(t, m.FirstEventAt)
	assert.Zero(t, m.MostRecentEventAt)

	step := m.Steps["stepA"]
	require.NotNil(t, step)
	assert.Empty(t, step.Transitions)
	assert.Equal(t, ptr(101.0), step.Start)
	assert.Equal(t, ptr(150.0), step.End)
}
