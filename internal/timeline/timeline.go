// Package timeline reconstructs a run's execution timeline from its event
// log: per-step state, retry attempts, and timing markers, plus run-global
// markers and timestamps.
//
// The package is pure. Reduce is a fold over the accumulated event sequence
// and is recomputed from scratch whenever new events arrive; there is no
// incremental cursor and no state shared between calls. FromRunStats builds
// the same model from persisted aggregates for runs whose events are not
// loadable. All timestamps are fractional epoch seconds, matching the event
// records.
package timeline

// StepState is the observed execution state of a step. UNKNOWN means the run
// ended while the step was still RUNNING and no terminal step event was
// observed.
type StepState string

const (
	StepStatePreparing      StepState = "preparing"
	StepStateRetryRequested StepState = "retry_requested"
	StepStateRunning        StepState = "running"
	StepStateSucceeded      StepState = "succeeded"
	StepStateSkipped        StepState = "skipped"
	StepStateFailed         StepState = "failed"
	StepStateUnknown        StepState = "unknown"
)

// IsExit reports whether a transition into s closes the step's open attempt.
// SKIPPED is terminal for the step but never opens or closes an attempt.
func (s StepState) IsExit() bool {
	switch s {
	case StepStateRetryRequested, StepStateSucceeded, StepStateFailed, StepStateUnknown:
		return true
	}
	return false
}

// Transition is one recorded state change of a step. Multiple transitions
// may share a timestamp; ties keep the order they were observed in.
type Transition struct {
	State StepState `json:"state"`
	Time  float64   `json:"time"`
}

// Attempt is one derived execution interval of a step, bounded by a RUNNING
// transition and the next exit transition. End and ExitState are unset while
// the attempt is still open.
type Attempt struct {
	Start     float64   `json:"start"`
	End       *float64  `json:"end,omitempty"`
	ExitState StepState `json:"exit_state,omitempty"`
}

// Marker is a named sub-interval of work (resource initialization, worker
// cold start) tracked independently of step transitions. A marker is open
// while End is unset. The same key may appear in several markers when the
// interval was re-opened.
type Marker struct {
	Key   string   `json:"key"`
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
}

// StepMetadata is the reconstructed timeline of one step.
type StepMetadata struct {
	State       StepState    `json:"state"`
	Start       *float64     `json:"start,omitempty"`
	End         *float64     `json:"end,omitempty"`
	Transitions []Transition `json:"transitions"`
	Attempts    []Attempt    `json:"attempts"`
	Markers     []Marker     `json:"markers"`
}

// LogCaptureInfo associates a group of steps with a shared log stream.
type LogCaptureInfo struct {
	FileKey     string   `json:"file_key"`
	StepKeys    []string `json:"step_keys"`
	ProcessID   string   `json:"process_id,omitempty"`
	ExternalURL string   `json:"external_url,omitempty"`
}

// RunMetadata is the full reconstructed run timeline. It is rebuilt on every
// computation and returned as a fresh value; callers treat it as read-only.
// FirstEventAt and MostRecentEventAt are min/max over processed events and
// stay zero when the model was built from persisted aggregates.
type RunMetadata struct {
	FirstEventAt      float64                    `json:"first_event_at"`
	MostRecentEventAt float64                    `json:"most_recent_event_at"`
	StartedAt         *float64                   `json:"started_at,omitempty"`
	ExitedAt          *float64                   `json:"exited_at,omitempty"`
	GlobalMarkers     []Marker                   `json:"global_markers"`
	Steps             map[string]*StepMetadata   `json:"steps"`
	LogCaptureSteps   map[string]*LogCaptureInfo `json:"log_capture_steps,omitempty"`
}

func newRunMetadata() *RunMetadata {
	return &RunMetadata{
		GlobalMarkers: []Marker{},
		Steps:         map[string]*StepMetadata{},
	}
}

func newStepMetadata() *StepMetadata {
	return &StepMetadata{
		State:       StepStatePreparing,
		Transitions: []Transition{},
		Attempts:    []Attempt{},
		Markers:     []Marker{},
	}
}
