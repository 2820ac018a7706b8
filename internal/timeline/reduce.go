package timeline

import (
	"sort"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

// Reduce folds a run's event log into a RunMetadata. Events are processed in
// the order given (arrival order); the fold tolerates arbitrary arrival
// order because transitions are sorted by timestamp before attempts are
// derived. Calling Reduce again with a superset of the same events yields a
// model consistent with the previous one for every timestamp already
// covered.
//
// Events naming a step no prior event announced are fine: the step is
// created on first sight. Timestamps are assumed well-formed; the ingest
// boundary rejects records that are not.
func Reduce(events []model.Event) *RunMetadata {
	m := newRunMetadata()

	seen := false
	for _, ev := range events {
		ts := ev.Timestamp
		if !seen || ts < m.FirstEventAt {
			m.FirstEventAt = ts
		}
		if !seen || ts > m.MostRecentEventAt {
			m.MostRecentEventAt = ts
		}
		seen = true

		if ev.EventType == model.EventRunStarted {
			t := ts
			m.StartedAt = &t
		}
		if ev.EventType.IsRunTerminal() {
			t := ts
			m.ExitedAt = &t
		}

		if ev.EventType == model.EventLogsCaptured {
			if m.LogCaptureSteps == nil {
				m.LogCaptureSteps = map[string]*LogCaptureInfo{}
			}
			m.LogCaptureSteps[ev.FileKey] = &LogCaptureInfo{
				FileKey:     ev.FileKey,
				StepKeys:    append([]string(nil), ev.StepKeys...),
				ProcessID:   ev.ProcessID,
				ExternalURL: ev.ExternalURL,
			}
		}

		// A cached copy means the step never actually executed this run:
		// the event contributes no transition and no timing.
		if ev.EventType == model.EventObjectCopiedFromCache {
			continue
		}

		if ev.StepKey == "" {
			if ev.EventType.IsMarkerCapable() {
				m.GlobalMarkers = applyMarker(m.GlobalMarkers, ev, ts)
			}
			continue
		}

		step := m.Steps[ev.StepKey]
		if step == nil {
			step = newStepMetadata()
			// A step always enters the model with an initial transition:
			// the lifecycle kinds push their own below, anything else
			// seeds PREPARING at the announcing event's timestamp.
			if !ev.EventType.IsStepLifecycle() {
				step.push(StepStatePreparing, ts)
			}
			m.Steps[ev.StepKey] = step
		}
		if ev.EventType.IsMarkerCapable() {
			step.Markers = applyMarker(step.Markers, ev, ts)
		}

		switch ev.EventType {
		case model.EventStepStarted:
			step.push(StepStateRunning, ts)
			t := ts
			step.Start = &t
		case model.EventStepSucceeded:
			step.push(StepStateSucceeded, ts)
			step.extendEnd(ts)
		case model.EventStepSkipped:
			step.push(StepStateSkipped, ts)
		case model.EventStepFailed:
			step.push(StepStateFailed, ts)
			step.extendEnd(ts)
		case model.EventStepUpForRetry:
			// The synthetic PREPARING transition one second later keeps the
			// attempt's exit state from reading as "preparing".
			step.push(StepStateRetryRequested, ts)
			step.push(StepStatePreparing, ts+1)
		case model.EventStepRestarted:
			step.push(StepStateRunning, ts)
		}
	}

	for _, step := range m.Steps {
		finalizeStep(step, m.ExitedAt)
	}
	return m
}

func (s *StepMetadata) push(state StepState, ts float64) {
	s.Transitions = append(s.Transitions, Transition{State: state, Time: ts})
}

func (s *StepMetadata) extendEnd(ts float64) {
	if s.End == nil || ts > *s.End {
		t := ts
		s.End = &t
	}
}

// applyMarker records marker starts and ends carried by a single event.
// The match rule is "most recent marker with this key that has no end yet";
// when none exists a new marker is created, which is how the same key comes
// to appear in several distinct markers over a step's lifetime.
func applyMarker(markers []Marker, ev model.Event, ts float64) []Marker {
	if ev.MarkerStart != "" {
		markers = upsertMarker(markers, ev.MarkerStart, func(mk *Marker) {
			t := ts
			mk.Start = &t
		})
	}
	if ev.MarkerEnd != "" {
		markers = upsertMarker(markers, ev.MarkerEnd, func(mk *Marker) {
			t := ts
			mk.End = &t
		})
	}
	return markers
}

func upsertMarker(markers []Marker, key string, set func(*Marker)) []Marker {
	for i := len(markers) - 1; i >= 0; i-- {
		if markers[i].Key == key && markers[i].End == nil {
			set(&markers[i])
			return markers
		}
	}
	markers = append(markers, Marker{Key: key})
	set(&markers[len(markers)-1])
	return markers
}

// finalizeStep orders the observed transitions and derives everything that
// depends on that order. A run-terminal timestamp forces a step whose latest
// transition left it RUNNING into UNKNOWN: a run cannot end with steps
// silently still running.
func finalizeStep(s *StepMetadata, runExitedAt *float64) {
	sortTransitions(s.Transitions)

	if runExitedAt != nil && len(s.Transitions) > 0 &&
		s.Transitions[len(s.Transitions)-1].State == StepStateRunning {
		s.push(StepStateUnknown, *runExitedAt)
		sortTransitions(s.Transitions)
	}

	if n := len(s.Transitions); n > 0 {
		s.State = s.Transitions[n-1].State
	}
	s.Attempts = deriveAttempts(s.Transitions)
}

// sortTransitions is stable: transitions sharing a timestamp keep the order
// they were observed in. Downstream consumers rely on that tie-break.
func sortTransitions(transitions []Transition) {
	sort.SliceStable(transitions, func(i, j int) bool {
		return transitions[i].Time < transitions[j].Time
	})
}

// deriveAttempts reconstructs execution intervals from ordered transitions.
// A RUNNING transition opens an attempt when none is open; a transition into
// an exit state closes it, recording the exit. At most one attempt is ever
// open, and a trailing open attempt is kept without an end.
func deriveAttempts(transitions []Transition) []Attempt {
	attempts := []Attempt{}
	var open *Attempt
	for _, t := range transitions {
		switch {
		case t.State == StepStateRunning && open == nil:
			open = &Attempt{Start: t.Time}
		case open != nil && t.State.IsExit():
			end := t.Time
			open.End = &end
			open.ExitState = t.State
			attempts = append(attempts, *open)
			open = nil
		}
	}
	if open != nil {
		attempts = append(attempts, *open)
	}
	return attempts
}
