package nenpyo

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is a run's lifecycle state in the run index.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Run is the public representation of a registered pipeline run.
// It is a curated view of the internal run row for use in the embedding API.
// No internal package imports, so it is safe to use from outside the module.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RunFilter narrows a ListRuns call. Zero values mean "no constraint".
type RunFilter struct {
	Pipeline string
	Statuses []RunStatus
	// From and To bound the filter by run start time.
	From  *time.Time
	To    *time.Time
	Limit int
}

// EventKind is the category of a run log event. The set is closed: appending
// an event of any other kind is rejected.
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
	// start or end of a preparation phase at run or step scope.
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

// EventInput is a single run log event as appended by a runner. Timestamps
// are seconds since the Unix epoch and may be fractional.
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

// StepState is the observed execution state of a step in a reconstructed
// timeline. Unknown means the run ended while the step was still running and
// no terminal step event was observed.
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

// Transition is one recorded state change of a step. Multiple transitions
// may share a timestamp; ties keep the order they were observed in.
type Transition struct {
	State StepState `json:"state"`
	Time  float64   `json:"time"`
}

// Attempt is one derived execution interval of a step. End and ExitState are
// unset while the attempt is still open.
type Attempt struct {
	Start     float64   `json:"start"`
	End       *float64  `json:"end,omitempty"`
	ExitState StepState `json:"exit_state,omitempty"`
}

// Marker is a named sub-interval of preparation work (resource
// initialization, worker cold start) tracked independently of step
// transitions. A marker is open while End is unset.
type Marker struct {
	Key   string   `json:"key"`
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
}

// StepTimeline is the reconstructed timeline of one step.
type StepTimeline struct {
	State       StepState    `json:"state"`
	Start       *float64     `json:"start,omitempty"`
	End         *float64     `json:"end,omitempty"`
	Transitions []Transition `json:"transitions"`
	Attempts    []Attempt    `json:"attempts"`
	Markers     []Marker     `json:"markers"`
}

// LogCapture associates a group of steps with a shared log stream.
type LogCapture struct {
	FileKey     string   `json:"file_key"`
	StepKeys    []string `json:"step_keys"`
	ProcessID   string   `json:"process_id,omitempty"`
	ExternalURL string   `json:"external_url,omitempty"`
}

// RunTimeline is the reconstructed execution timeline of one run: per-step
// state, retry attempts, and timing markers, plus run-global markers and
// timestamps. All times are fractional epoch seconds. FirstEventAt and
// MostRecentEventAt are min/max over processed events and stay zero when the
// timeline was built from persisted aggregates.
type RunTimeline struct {
	FirstEventAt      float64                  `json:"first_event_at"`
	MostRecentEventAt float64                  `json:"most_recent_event_at"`
	StartedAt         *float64                 `json:"started_at,omitempty"`
	ExitedAt          *float64                 `json:"exited_at,omitempty"`
	GlobalMarkers     []Marker                 `json:"global_markers"`
	Steps             map[string]*StepTimeline `json:"steps"`
	LogCaptureSteps   map[string]*LogCapture   `json:"log_capture_steps,omitempty"`
}

// Source identifies which input produced a timeline snapshot.
type Source string

const (
	// SourceLiveEvents means the timeline was reduced from raw log events.
	SourceLiveEvents Source = "live_events"
	// SourcePersistedStats means the timeline came from stored aggregates,
	// the degraded view served before any events are visible.
	SourcePersistedStats Source = "persisted_stats"
)

// TimelineSnapshot pairs a computed run timeline with the input it came from.
type TimelineSnapshot struct {
	Timeline *RunTimeline `json:"timeline"`
	Source   Source       `json:"source"`
}
