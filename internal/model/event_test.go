package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

func TestEventInputValidate_KnownKind(t *testing.T) {
	in := model.EventInput{
		EventType: model.EventStepStarted,
		Timestamp: 1700000000.25,
		StepKey:   "load_users",
	}
	assert.NoError(t, in.Validate())
}

func TestEventInputValidate_UnknownKind(t *testing.T) {
	in := model.EventInput{
		EventType: model.EventKind("StepExploded"),
		Timestamp: 1700000000,
	}
	err := in.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "StepExploded")
}

func TestEventInputValidate_MissingTimestamp(t *testing.T) {
	in := model.EventInput{EventType: model.EventStepStarted, StepKey: "a"}
	assert.Error(t, in.Validate())
}

func TestEventInputValidate_NegativeTimestamp(t *testing.T) {
	in := model.EventInput{EventType: model.EventStepStarted, StepKey: "a", Timestamp: -5}
	assert.Error(t, in.Validate())
}

func TestEventInputValidate_LogsCapturedRequiresFileKey(t *testing.T) {
	in := model.EventInput{
		EventType: model.EventLogsCaptured,
		Timestamp: 1700000000,
		StepKeys:  []string{"load_users"},
	}
	require.Error(t, in.Validate())

	in.FileKey = "compute_logs/abc123"
	assert.NoError(t, in.Validate())
}

func TestEventKindIsRunTerminal(t *testing.T) {
	assert.True(t, model.EventRunSucceeded.IsRunTerminal())
	assert.True(t, model.EventRunFailed.IsRunTerminal())
	assert.True(t, model.EventRunCanceled.IsRunTerminal())
	assert.False(t, model.EventRunStarted.IsRunTerminal())
	assert.False(t, model.EventStepFailed.IsRunTerminal())
}

func TestEventInput_RoundTripThroughStoredForm(t *testing.T) {
	in := model.EventInput{
		EventType:   model.EventLogsCaptured,
		Timestamp:   1700000123.5,
		FileKey:     "compute_logs/xyz",
		StepKeys:    []string{"a", "b"},
		ProcessID:   "1234",
		ExternalURL: "https://logs.example.com/xyz",
		Message:     "started capturing logs in process 1234",
	}
	ev := model.Event{
		RunID:       uuid.New(),
		EventType:   in.EventType,
		SequenceNum: 7,
		Timestamp:   in.Timestamp,
		FileKey:     in.FileKey,
		StepKeys:    in.StepKeys,
		ProcessID:   in.ProcessID,
		ExternalURL: in.ExternalURL,
		Message:     in.Message,
		CreatedAt:   time.Now(),
	}
	assert.Equal(t, in, ev.Input())
}

func TestRunStatusFinished(t *testing.T) {
	assert.False(t, model.RunStatusRunning.Finished())
	assert.True(t, model.RunStatusSucceeded.Finished())
	assert.True(t, model.RunStatusFailed.Finished())
	assert.True(t, model.RunStatusCanceled.Finished())
}

func TestRunStats_FromRow(t *testing.T) {
	started := time.Unix(1700000000, 500_000_000)
	completed := time.Unix(1700000060, 0)
	r := model.Run{
		Pipeline:    "nightly_etl",
		Status:      model.RunStatusSucceeded,
		StartedAt:   started,
		CompletedAt: &completed,
	}
	s := r.Stats()
	require.NotNil(t, s.StartTime)
	require.NotNil(t, s.EndTime)
	assert.InDelta(t, 1700000000.5, *s.StartTime, 1e-6)
	assert.InDelta(t, 1700000060.0, *s.EndTime, 1e-6)
}

func TestRunStats_UnfinishedRunHasNoEndTime(t *testing.T) {
	r := model.Run{Status: model.RunStatusRunning, StartedAt: time.Unix(1700000000, 0)}
	s := r.Stats()
	require.NotNil(t, s.StartTime)
	assert.Nil(t, s.EndTime)
}
