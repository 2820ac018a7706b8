package nenpyo

import (
	"context"

	"github.com/google/uuid"
)

// TimelineHook receives async notifications as watched run timelines evolve.
// OnTimelineUpdated fires after every recompute of a watched run's timeline;
// OnRunCompleted fires once, when a run-terminal event first arrives for a
// watched run. Multiple hooks may be registered via multiple WithTimelineHook
// calls. Hook methods run in goroutines; they must not block indefinitely.
// Failures are logged but do not interrupt watching.
type TimelineHook interface {
	OnTimelineUpdated(ctx context.Context, runID uuid.UUID, tl *RunTimeline) error
	OnRunCompleted(ctx context.Context, runID uuid.UUID, status RunStatus) error
}
