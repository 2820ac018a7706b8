// Package model defines the core domain types for nenpyo.
//
// Types correspond directly to event log records and database rows. They use
// strong typing (UUIDs, time.Time, enums) and avoid interface{} wherever
// possible. Event timestamps are float64 epoch seconds because runners report
// them that way; row bookkeeping times are time.Time.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Finished reports whether the run has reached a terminal status.
func (s RunStatus) Finished() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCanceled
}

// Run is the top-level execution context a runner appends events against.
// Immutable once created, except for the terminal status transition.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RunStats is the run-level summary record, in event time. It is the
// run-global half of the persisted aggregates that stand in for the event
// log when no events are loadable.
type RunStats struct {
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`
}

// Stats maps the run row's bookkeeping times into the summary record.
func (r Run) Stats() RunStats {
	var s RunStats
	if !r.StartedAt.IsZero() {
		t := UnixSeconds(r.StartedAt)
		s.StartTime = &t
	}
	if r.CompletedAt != nil {
		t := UnixSeconds(*r.CompletedAt)
		s.EndTime = &t
	}
	return s
}

// UnixSeconds converts a time.Time to fractional epoch seconds, the unit
// runners use for event timestamps.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
