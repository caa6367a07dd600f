package taskgate

import (
	"context"
	"fmt"
)

// detectConflict looks for a RUNNING row holding the resource or the session.
// The resource dimension is checked first and wins.
func detectConflict(ctx context.Context, store Store, jobName, resourceID, sessionName string) (ConflictInfo, error) {
	if resourceID != "" {
		blocking, err := store.FindRunningByResource(ctx, resourceID)
		if err != nil {
			return ConflictInfo{}, fmt.Errorf("detect resource conflict: %w", err)
		}
		if blocking != nil {
			return ConflictInfo{
				Kind:     ConflictResource,
				Blocking: blocking,
				Label:    ResourceKindFor(jobName).Label(),
			}, nil
		}
	}

	if sessionName != "" {
		blocking, err := store.FindRunningBySession(ctx, sessionName)
		if err != nil {
			return ConflictInfo{}, fmt.Errorf("detect session conflict: %w", err)
		}
		if blocking != nil {
			return ConflictInfo{
				Kind:     ConflictSession,
				Blocking: blocking,
				Label:    "session",
			}, nil
		}
	}

	return ConflictInfo{Kind: ConflictNone}, nil
}

func (c ConflictInfo) describe(resourceID, sessionName string) string {
	switch c.Kind {
	case ConflictResource:
		return fmt.Sprintf("%s %s is busy with job %d (%s)", c.Label, resourceID, c.Blocking.ID, c.Blocking.JobName)
	case ConflictSession:
		return fmt.Sprintf("session %s is busy with job %d (%s)", sessionName, c.Blocking.ID, c.Blocking.JobName)
	default:
		return "no conflict"
	}
}
