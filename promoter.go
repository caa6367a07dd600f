package taskgate

import (
	"context"
	"errors"
	"fmt"
)

// Finish moves a RUNNING row to FINISHED and promotes at most one waiting job.
// It returns false when the row is not RUNNING (already finished, expired or
// never admitted).
//
// FINISHED means the resource is free, not that the job succeeded; the outcome
// lives in result.
func (g *Gate) Finish(ctx context.Context, id int64, result string) (bool, error) {
	now := g.cfg.now()
	ok, err := g.store.Transition(ctx, id, StatusRunning, StatusFinished, TransitionFields{
		Now:    now,
		Result: &result,
	})
	if err != nil {
		g.cfg.logError(LogEvent{Message: fmt.Sprintf("Error finishing job %d", id), JobID: &id, Err: err})
		return false, err
	}
	if !ok {
		return false, nil
	}

	finished, err := g.store.Get(ctx, id)
	if err != nil {
		return true, err
	}
	g.cfg.logInfo(recordEvent(fmt.Sprintf("Job %d FINISHED", id), finished))

	if _, err := g.promoteAfter(ctx, finished); err != nil {
		return true, err
	}
	return true, nil
}

// canStart reports whether finishing f may unblock w.
func canStart(w, f *JobRecord) bool {
	if w.ResourceID != "" && w.ResourceID == f.ResourceID {
		return true
	}
	if w.SessionName != "" && w.SessionName == f.SessionName {
		return true
	}
	return w.JobName == f.JobName
}

// promoteAfter scans WAITING rows in priority order and promotes the first one
// that the finished row unblocks. Only one row is promoted per call, even if the
// finished row freed both a resource and a session.
func (g *Gate) promoteAfter(ctx context.Context, finished *JobRecord) (*JobRecord, error) {
	waiting, err := g.store.ListWaiting(ctx)
	if err != nil {
		return nil, err
	}

	for _, w := range waiting {
		if !canStart(w, finished) {
			continue
		}

		now := g.cfg.now()
		timeout := secondsDuration(w.TimeoutSeconds)
		if timeout <= 0 {
			timeout = g.cfg.timeoutFor(w.JobName)
		}
		deadline := now.Add(timeout)
		desc := fmt.Sprintf("%s; promoted after job %d", w.Description, finished.ID)

		ok, err := g.store.Transition(ctx, w.ID, StatusWaiting, StatusRunning, TransitionFields{
			Now:         now,
			Description: &desc,
			TimeoutAt:   &deadline,
		})
		if errors.Is(err, ErrExclusiveViolation) {
			g.cfg.logInfo(recordEvent(fmt.Sprintf("Job %d still blocked, not promoted", w.ID), w))
			continue
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			// Expired or promoted by another finisher in the meantime.
			continue
		}

		w.Status = StatusRunning
		w.Description = desc
		w.TimeoutAt = &deadline
		w.UpdatedAt = now
		g.cfg.logInfo(recordEvent(fmt.Sprintf("Promoted job %d (%s) after job %d", w.ID, w.JobName, finished.ID), w))
		return w, nil
	}
	return nil, nil
}

// Cancel withdraws a WAITING row. It returns false when the row is no longer
// waiting.
func (g *Gate) Cancel(ctx context.Context, id int64, result string) (bool, error) {
	ok, err := g.store.Transition(ctx, id, StatusWaiting, StatusCancelled, TransitionFields{
		Now:    g.cfg.now(),
		Result: &result,
	})
	if err != nil {
		g.cfg.logError(LogEvent{Message: fmt.Sprintf("Error cancelling job %d", id), JobID: &id, Err: err})
		return false, err
	}
	if ok {
		g.cfg.logInfo(LogEvent{Message: fmt.Sprintf("Job %d CANCELLED", id), JobID: &id})
	}
	return ok, nil
}
