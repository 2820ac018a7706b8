package timeline

import (
	"fmt"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

// FromRunStats builds a RunMetadata from persisted aggregates instead of raw
// events. This is the cold-start path for runs whose event log is not
// loadable; it is computed once, never fed growing input.
//
// Persisted attempts carry no exit information of their own, so the final
// attempt takes the step's terminal state and every earlier attempt is
// marked RETRY_REQUESTED: an earlier attempt necessarily preceded a retry.
// Persisted markers carry no keys, so keys are synthesized positionally.
func FromRunStats(run model.RunStats, stats []model.StepStats) *RunMetadata {
	m := newRunMetadata()
	m.StartedAt = run.StartTime
	m.ExitedAt = run.EndTime

	for _, st := range stats {
		step := newStepMetadata()
		step.State = stepStatusState(st.Status)
		step.Start = st.StartTime
		step.End = st.EndTime

		for i, a := range st.Attempts {
			attempt := Attempt{End: a.End, ExitState: StepStateRetryRequested}
			if a.Start != nil {
				attempt.Start = *a.Start
			}
			if i == len(st.Attempts)-1 {
				attempt.ExitState = step.State
			}
			step.Attempts = append(step.Attempts, attempt)
		}
		for i, mk := range st.Markers {
			step.Markers = append(step.Markers, Marker{
				Key:   fmt.Sprintf("marker_%d", i),
				Start: mk.Start,
				End:   mk.End,
			})
		}
		m.Steps[st.StepKey] = step
	}
	return m
}

func stepStatusState(status model.StepStatus) StepState {
	switch status {
	case model.StepStatusSuccess:
		return StepStateSucceeded
	case model.StepStatusFailure:
		return StepStateFailed
	case model.StepStatusSkipped:
		return StepStateSkipped
	default:
		return StepStateUnknown
	}
}
