package taskgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxAdmitAttempts bounds re-detection after a strict-exclusion insert failure.
const maxAdmitAttempts = 3

// Submit runs the sweep, checks for a conflicting RUNNING row and then either
// inserts a RUNNING row, inserts a WAITING row or rejects the job.
//
// A rejection is not an error: Accepted is false and Info explains why. Errors
// are storage faults only.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (*Admission, error) {
	if strings.TrimSpace(req.JobName) == "" {
		return nil, fmt.Errorf("%w: job name is required", ErrInvalidRequest)
	}
	if req.TimeoutSeconds < 0 || req.TimeoutSeconds > int(MaxTimeout/time.Second) {
		return nil, fmt.Errorf("%w: timeout must be between 0 and %d seconds", ErrInvalidRequest, int(MaxTimeout/time.Second))
	}

	if _, err := g.Sweep(ctx); err != nil {
		return nil, err
	}

	timeout := g.resolveTimeout(req)

	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		conflict, err := detectConflict(ctx, g.store, req.JobName, req.ResourceID, req.SessionName)
		if err != nil {
			return nil, err
		}

		if !conflict.HasConflict() {
			adm, err := g.admitRunning(ctx, req, timeout)
			if errors.Is(err, ErrExclusiveViolation) {
				g.cfg.logInfo(LogEvent{
					Message: fmt.Sprintf("Lost admission race for %s, re-checking conflicts", req.JobName),
					JobName: &req.JobName,
				})
				continue
			}
			return adm, err
		}

		return g.admitConflicting(ctx, req, timeout, conflict)
	}

	return nil, fmt.Errorf("admit %s after %d attempts: %w", req.JobName, maxAdmitAttempts, ErrExclusiveViolation)
}

func (g *Gate) resolveTimeout(req SubmitRequest) time.Duration {
	if req.TimeoutSeconds > 0 {
		return secondsDuration(req.TimeoutSeconds)
	}
	return g.cfg.timeoutFor(req.JobName)
}

func (g *Gate) admitRunning(ctx context.Context, req SubmitRequest, timeout time.Duration) (*Admission, error) {
	now := g.cfg.now()
	deadline := now.Add(timeout)

	rec := &JobRecord{
		JobName:        req.JobName,
		Description:    fmt.Sprintf("%s running%s", req.JobName, describeBinding(req.JobName, req.ResourceID, req.SessionName)),
		ResourceID:     req.ResourceID,
		SessionName:    req.SessionName,
		Status:         StatusRunning,
		Priority:       req.Priority,
		TimeoutSeconds: int(timeout / time.Second),
		TimeoutAt:      &deadline,
		ExtraParams:    req.ExtraParams,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := g.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	g.cfg.logInfo(recordEvent(fmt.Sprintf("Admitted job %d (%s)", rec.ID, rec.JobName), rec))

	return &Admission{
		Accepted: true,
		Record:   rec,
		Info: AdmissionInfo{
			Mode:    ModeImmediate,
			Message: rec.Description,
		},
	}, nil
}

func (g *Gate) admitConflicting(ctx context.Context, req SubmitRequest, timeout time.Duration, conflict ConflictInfo) (*Admission, error) {
	now := g.cfg.now()

	position, err := g.queuePosition(ctx, req)
	if err != nil {
		return nil, err
	}
	wait := g.estimateWait(now, conflict.Blocking, position)

	info := AdmissionInfo{
		ConflictType:         conflict.Kind,
		QueuePosition:        position,
		EstimatedWaitSeconds: int(wait / time.Second),
		BlockingJobID:        conflict.Blocking.ID,
		ResourceLabel:        conflict.Label,
	}
	reason := conflict.describe(req.ResourceID, req.SessionName)

	if !req.WaitIfConflict {
		info.Mode = ModeRejected
		info.Message = fmt.Sprintf("busy, try later: %s (estimated wait %s)", reason, wait)
		g.cfg.logInfo(LogEvent{Message: "Rejected " + req.JobName + ": " + info.Message, JobName: &req.JobName})
		return &Admission{Accepted: false, Info: info}, nil
	}

	if wait > g.cfg.MaxWait {
		info.Mode = ModeRejected
		info.Message = fmt.Sprintf("busy, try later: %s, estimated wait %s exceeds limit %s", reason, wait, g.cfg.MaxWait)
		g.cfg.logInfo(LogEvent{Message: "Rejected " + req.JobName + ": " + info.Message, JobName: &req.JobName})
		return &Admission{Accepted: false, Info: info}, nil
	}

	deadline := now.Add(wait + timeout)
	rec := &JobRecord{
		JobName: req.JobName,
		Description: fmt.Sprintf("%s waiting at position %d%s: %s",
			req.JobName, position, describeBinding(req.JobName, req.ResourceID, req.SessionName), reason),
		ResourceID:     req.ResourceID,
		SessionName:    req.SessionName,
		Status:         StatusWaiting,
		Priority:       req.Priority,
		TimeoutSeconds: int(timeout / time.Second),
		TimeoutAt:      &deadline,
		ExtraParams:    req.ExtraParams,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := g.store.Insert(ctx, rec); err != nil {
		return nil, err
	}

	info.Mode = ModeQueued
	info.Message = rec.Description
	g.cfg.logInfo(recordEvent(fmt.Sprintf("Queued job %d (%s) at position %d", rec.ID, rec.JobName, position), rec))

	return &Admission{Accepted: true, Record: rec, Info: info}, nil
}

// queuePosition is the larger of the resource and session queues, plus the
// same-name jobs with a higher priority, plus one.
func (g *Gate) queuePosition(ctx context.Context, req SubmitRequest) (int, error) {
	var byResource, bySession int
	var err error
	if req.ResourceID != "" {
		byResource, err = g.store.CountWaiting(ctx, WaitingQuery{ResourceID: req.ResourceID})
		if err != nil {
			return 0, err
		}
	}
	if req.SessionName != "" {
		bySession, err = g.store.CountWaiting(ctx, WaitingQuery{SessionName: req.SessionName})
		if err != nil {
			return 0, err
		}
	}
	priority := req.Priority
	ahead, err := g.store.CountWaiting(ctx, WaitingQuery{JobName: req.JobName, PriorityAbove: &priority})
	if err != nil {
		return 0, err
	}
	return max(byResource, bySession) + ahead + 1, nil
}

// estimateWait assumes a job takes half its default timeout. A blocker past that
// mark is expected to run until its deadline. Each job ahead adds one full
// default timeout.
func (g *Gate) estimateWait(now time.Time, blocking *JobRecord, position int) time.Duration {
	d := g.cfg.timeoutFor(blocking.JobName)
	elapsed := now.Sub(blocking.UpdatedAt)
	if elapsed < 0 {
		elapsed = 0
	}

	var remaining time.Duration
	if half := d / 2; elapsed < half {
		remaining = half - elapsed
	} else {
		remaining = max(d-elapsed, 0)
	}

	wait := remaining + time.Duration(position-1)*d
	if wait < minEstimatedWait {
		wait = minEstimatedWait
	}
	return wait.Round(time.Second)
}

func describeBinding(jobName, resourceID, sessionName string) string {
	var parts []string
	if resourceID != "" {
		parts = append(parts, fmt.Sprintf("%s=%s", ResourceKindFor(jobName).Label(), resourceID))
	}
	if sessionName != "" {
		parts = append(parts, "session="+sessionName)
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
