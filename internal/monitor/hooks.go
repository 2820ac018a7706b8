package monitor

import (
	"context"

	"github.com/google/uuid"

	"github.com/nenpyo-org/nenpyo/internal/model"
	"github.com/nenpyo-org/nenpyo/internal/timeline"
)

// Hook receives timeline lifecycle events within the monitor layer. The root
// package adapts its public TimelineHook onto this interface; internal
// packages never import the root package.
//
// Hook methods are called asynchronously in goroutines. Implementations must
// not block indefinitely. Failures are logged and do not interrupt watching.
type Hook interface {
	OnTimelineUpdated(ctx context.Context, runID uuid.UUID, meta *timeline.RunMetadata) error
	OnRunCompleted(ctx context.Context, runID uuid.UUID, status model.RunStatus) error
}
