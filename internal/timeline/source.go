package timeline

// Source identifies which input feeds a timeline computation.
type Source int

const (
	// SourceLiveEvents means the timeline is reduced from raw log events.
	SourceLiveEvents Source = iota
	// SourcePersistedStats means the timeline comes from stored aggregates.
	SourcePersistedStats
)

func (s Source) String() string {
	if s == SourcePersistedStats {
		return "persisted_stats"
	}
	return "live_events"
}

// ChooseSource picks the timeline input for a run. Live mode wins as soon as
// the event transport reports activity: either it is still loading or it has
// delivered at least one event. Persisted aggregates are only the initial,
// degraded view. Pure; never blocks on either source becoming available.
func ChooseSource(eventsLoading bool, delivered int) Source {
	if eventsLoading || delivered > 0 {
		return SourceLiveEvents
	}
	return SourcePersistedStats
}
