package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind represents the category of a run log event. The set is closed:
// consumers switch over every kind, and ingestion rejects anything else.
type EventKind string

const (
	// Run lifecycle events.
	EventRunStarted   EventKind = "RunStarted"
	EventRunSucceeded EventKind = "RunSucceeded"
	EventRunFailed    EventKind = "RunFailed"
	EventRunCanceled  EventKind = "RunCanceled"

	// Step lifecycle events.
	EventStepStarted    EventKind = "StepStarted"
	EventStepSucceeded  EventKind = "StepSucceeded"
	EventStepSkipped    EventKind = "StepSkipped"
	EventStepFailed     EventKind = "StepFailed"
	EventStepUpForRetry EventKind = "StepUpForRetry"
	EventStepRestarted  EventKind = "StepRestarted"

	// Infrastructure events. These may carry marker fields marking the
	// start or end of a preparation phase (worker cold start, resource
	// initialization) at run or step scope.
	EventEngine                EventKind = "Engine"
	EventStepWorkerStarting    EventKind = "StepWorkerStarting"
	EventStepWorkerStarted     EventKind = "StepWorkerStarted"
	EventResourceInitStarted   EventKind = "ResourceInitStarted"
	EventResourceInitSucceeded EventKind = "ResourceInitSucceeded"
	EventResourceInitFailed    EventKind = "ResourceInitFailed"

	// Plumbing events.
	EventObjectCopiedFromCache EventKind = "ObjectCopiedFromCache"
	EventLogsCaptured          EventKind = "LogsCaptured"
)

var knownEventKinds = map[EventKind]struct{}{
	EventRunStarted:            {},
	EventRunSucceeded:          {},
	EventRunFailed:             {},
	EventRunCanceled:           {},
	EventStepStarted:           {},
	EventStepSucceeded:         {},
	EventStepSkipped:           {},
	EventStepFailed:            {},
	EventStepUpForRetry:        {},
	EventStepRestarted:         {},
	EventEngine:                {},
	EventStepWorkerStarting:    {},
	EventStepWorkerStarted:     {},
	EventResourceInitStarted:   {},
	EventResourceInitSucceeded: {},
	EventResourceInitFailed:    {},
	EventObjectCopiedFromCache: {},
	EventLogsCaptured:          {},
}

// KnownEventKind reports whether k is part of the closed event kind set.
func KnownEventKind(k EventKind) bool {
	_, ok := knownEventKinds[k]
	return ok
}

// IsRunTerminal reports whether k ends the run as a whole.
func (k EventKind) IsRunTerminal() bool {
	switch k {
	case EventRunSucceeded, EventRunFailed, EventRunCanceled:
		return true
	}
	return false
}

// TerminalStatus maps a run-terminal event kind to the run status it
// implies. ok is false for every non-terminal kind.
func (k EventKind) TerminalStatus() (RunStatus, bool) {
	switch k {
	case EventRunSucceeded:
		return RunStatusSucceeded, true
	case EventRunFailed:
		return RunStatusFailed, true
	case EventRunCanceled:
		return RunStatusCanceled, true
	}
	return "", false
}

// IsStepLifecycle reports whether k transitions a step's state.
func (k EventKind) IsStepLifecycle() bool {
	switch k {
	case EventStepStarted, EventStepSucceeded, EventStepSkipped,
		EventStepFailed, EventStepUpForRetry, EventStepRestarted:
		return true
	}
	return false
}

// IsMarkerCapable reports whether events of this kind may carry marker
// start/end fields.
func (k EventKind) IsMarkerCapable() bool {
	switch k {
	case EventEngine, EventStepWorkerStarting, EventStepWorkerStarted,
		EventResourceInitStarted, EventResourceInitSucceeded, EventResourceInitFailed:
		return true
	}
	return false
}

// EventInput is a single event as appended by a runner. Timestamps are
// seconds since the Unix epoch and may be fractional.
type EventInput struct {
	EventType   EventKind `json:"event_type"`
	Timestamp   float64   `json:"timestamp"`
	StepKey     string    `json:"step_key,omitempty"`
	MarkerStart string    `json:"marker_start,omitempty"`
	MarkerEnd   string    `json:"marker_end,omitempty"`
	FileKey     string    `json:"file_key,omitempty"`
	StepKeys    []string  `json:"step_keys,omitempty"`
	ProcessID   string    `json:"process_id,omitempty"`
	ExternalURL string    `json:"external_url,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// Validate checks structural requirements on an appended event. An event
// naming a step key no run has announced is fine (steps are discovered from
// events), but an unknown kind or an unusable timestamp is not.
func (in EventInput) Validate() error {
	if !KnownEventKind(in.EventType) {
		return fmt.Errorf("unknown event_type %q", in.EventType)
	}
	if in.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be a positive epoch-seconds value (got %v)", in.Timestamp)
	}
	if in.EventType == EventLogsCaptured && in.FileKey == "" {
		return fmt.Errorf("%s requires file_key", EventLogsCaptured)
	}
	return nil
}

// Event is an append-only record in the run event log. Source of truth.
// Never mutated or deleted. SequenceNum is store-assigned and strictly
// increasing in arrival order within a run.
type Event struct {
	ID          uuid.UUID `json:"id"`
	RunID       uuid.UUID `json:"run_id"`
	EventType   EventKind `json:"event_type"`
	SequenceNum int64     `json:"sequence_num"`
	Timestamp   float64   `json:"timestamp"`
	StepKey     string    `json:"step_key,omitempty"`
	MarkerStart string    `json:"marker_start,omitempty"`
	MarkerEnd   string    `json:"marker_end,omitempty"`
	FileKey     string    `json:"file_key,omitempty"`
	StepKeys    []string  `json:"step_keys,omitempty"`
	ProcessID   string    `json:"process_id,omitempty"`
	ExternalURL string    `json:"external_url,omitempty"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Input returns the wire form of a stored event, for replay.
func (e Event) Input() EventInput {
	return EventInput{
		EventType:   e.EventType,
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
