// Package stats folds a run's event log into the persisted per-step
// aggregates. These are the records summary mode reads back when the raw
// events are no longer loadable, so they deliberately keep less than the
// live timeline does: terminal status and time windows, no transitions and
// no marker keys.
package stats

import (
	"sort"

	"github.com/nenpyo-org/nenpyo/internal/model"
)

type stepAgg struct {
	status      model.StepStatus
	start       *float64
	end         *float64
	attempts    []model.Interval
	openAttempt int
	markers     []model.Interval
	openMarkers map[string]int
}

// BuildStepStats aggregates a run's events, in arrival order, into one
// record per step key. Steps appear in key order so repeated folds over the
// same log produce identical output.
func BuildStepStats(events []model.Event) []model.StepStats {
	aggs := map[string]*stepAgg{}
	order := []string{}

	get := func(key string) *stepAgg {
		agg := aggs[key]
		if agg == nil {
			agg = &stepAgg{
				status:      model.StepStatusInProgress,
				openAttempt: -1,
				openMarkers: map[string]int{},
			}
			aggs[key] = agg
			order = append(order, key)
		}
		return agg
	}

	for _, ev := range events {
		if ev.StepKey == "" {
			continue
		}
		ts := ev.Timestamp

		if ev.EventType.IsMarkerCapable() {
			agg := get(ev.StepKey)
			if ev.MarkerStart != "" {
				agg.markers = append(agg.markers, model.Interval{Start: ptr(ts)})
				agg.openMarkers[ev.MarkerStart] = len(agg.markers) - 1
			}
			if ev.MarkerEnd != "" {
				if i, ok := agg.openMarkers[ev.MarkerEnd]; ok {
					agg.markers[i].End = ptr(ts)
					delete(agg.openMarkers, ev.MarkerEnd)
				} else {
					agg.markers = append(agg.markers, model.Interval{End: ptr(ts)})
				}
			}
			continue
		}

		switch ev.EventType {
		case model.EventStepStarted:
			agg := get(ev.StepKey)
			if agg.start == nil || ts < *agg.start {
				agg.start = ptr(ts)
			}
			agg.openWindow(ts)
		case model.EventStepRestarted:
			get(ev.StepKey).openWindow(ts)
		case model.EventStepUpForRetry:
			get(ev.StepKey).closeWindow(ts)
		case model.EventStepSucceeded:
			get(ev.StepKey).finish(model.StepStatusSuccess, ts)
		case model.EventStepFailed:
			get(ev.StepKey).finish(model.StepStatusFailure, ts)
		case model.EventStepSkipped:
			get(ev.StepKey).finish(model.StepStatusSkipped, ts)
		}
	}

	sort.Strings(order)
	out := make([]model.StepStats, 0, len(aggs))
	for _, key := range order {
		agg := aggs[key]
		out = append(out, model.StepStats{
			StepKey:   key,
			Status:    agg.status,
			StartTime: agg.start,
			EndTime:   agg.end,
			Attempts:  agg.attempts,
			Markers:   agg.markers,
		})
	}
	return out
}

func (a *stepAgg) openWindow(ts float64) {
	if a.openAttempt >= 0 {
		return
	}
	a.attempts = append(a.attempts, model.Interval{Start: ptr(ts)})
	a.openAttempt = len(a.attempts) - 1
}

func (a *stepAgg) closeWindow(ts float64) {
	if a.openAttempt < 0 {
		return
	}
	a.attempts[a.openAttempt].End = ptr(ts)
	a.openAttempt = -1
}

func (a *stepAgg) finish(status model.StepStatus, ts float64) {
	a.status = status
	if a.end == nil || ts > *a.end {
		a.end = ptr(ts)
	}
	a.closeWindow(ts)
}

func ptr(v float64) *float64 { return &v }
