package taskgate

import (
	"context"
	"fmt"
)

const (
	timedOutResult     = "timed out: deadline passed while running"
	waitTimedOutResult = "wait timed out: cancelled before start"
)

// Sweep expires RUNNING rows past their deadline to TIMEOUT and WAITING rows
// past theirs to CANCELLED. It never promotes a waiting job.
func (g *Gate) Sweep(ctx context.Context) (SweepResult, error) {
	now := g.cfg.now()

	timedOut, err := g.store.ExpireRunning(ctx, now, timedOutResult)
	if err != nil {
		g.cfg.logError(LogEvent{Message: "Error expiring running jobs", Err: err})
		return SweepResult{}, fmt.Errorf("sweep running: %w", err)
	}

	cancelled, err := g.store.ExpireWaiting(ctx, now, waitTimedOutResult)
	if err != nil {
		g.cfg.logError(LogEvent{Message: "Error expiring waiting jobs", Err: err})
		return SweepResult{TimedOut: timedOut}, fmt.Errorf("sweep waiting: %w", err)
	}

	if timedOut > 0 || cancelled > 0 {
		g.cfg.logInfo(LogEvent{
			Message: fmt.Sprintf("Sweep expired %d running and %d waiting jobs", timedOut, cancelled),
		})
	}
	return SweepResult{TimedOut: timedOut, Cancelled: cancelled}, nil
}
