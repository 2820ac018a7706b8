package model

// StepStatus is the persisted terminal status of a step within a run.
// Distinct from the richer timeline states: aggregates only record how a
// step ended, not how it got there.
type StepStatus string

const (
	StepStatusSuccess    StepStatus = "success"
	StepStatusFailure    StepStatus = "failure"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusInProgress StepStatus = "in_progress"
)

// Interval is a half-open or closed time window in epoch seconds. Persisted
// aggregates keep windows without names; marker keys exist only in the live
// event stream.
type Interval struct {
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
}

// StepStats is the persisted per-step aggregate for a run. One record per
// step key that produced any step event.
type StepStats struct {
	StepKey   string     `json:"step_key"`
	Status    StepStatus `json:"status"`
	StartTime *float64   `json:"start_time,omitempty"`
	EndTime   *float64   `json:"end_time,omitempty"`
	Attempts  []Interval `json:"attempts"`
	Markers   []Interval `json:"markers"`
}
