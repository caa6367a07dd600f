package taskgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler submits registered jobs on cron schedules. A tick that gets queued
// remembers its WAITING row, and later ticks resume that row instead of
// submitting a duplicate.
type Scheduler struct {
	gate   *Gate
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]cron.EntryID
	pending map[string]int64
}

// NewScheduler creates a scheduler over g. Overlapping ticks of one entry are
// skipped.
func NewScheduler(ctx context.Context, g *Gate) *Scheduler {
	sctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		gate:    g,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:     sctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
		pending: make(map[string]int64),
	}
}

// Add schedules spec under name. A handler for spec.JobName must be registered.
func (s *Scheduler) Add(name, schedule string, spec TaskSpec) error {
	if _, err := s.gate.getHandler(spec.JobName); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("schedule %s already registered", name)
	}
	id, err := s.cron.AddFunc(schedule, func() { s.tick(name, spec) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", schedule, name, err)
	}
	s.entries[name] = id
	s.gate.cfg.logInfo(LogEvent{Message: fmt.Sprintf("Scheduled %s (%s) at %q", name, spec.JobName, schedule), JobName: &spec.JobName})
	return nil
}

// Remove drops a schedule and forgets its pending row.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
		delete(s.pending, name)
	}
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()

	s.gate.cfg.logInfo(LogEvent{Message: fmt.Sprintf("Starting scheduler with %d entries...", n)})
	s.cron.Start()
}

func (s *Scheduler) tick(name string, spec TaskSpec) {
	s.mu.Lock()
	pendingID, hasPending := s.pending[name]
	s.mu.Unlock()

	if hasPending {
		res, err := s.gate.ResumeRecord(s.ctx, pendingID)
		if err != nil {
			s.gate.cfg.logError(LogEvent{Message: fmt.Sprintf("Error resuming job %d for %s", pendingID, name), JobID: &pendingID, Err: err})
			return
		}
		if res.Outcome != OutcomeExpired {
			if res.Outcome != OutcomeWaiting {
				s.clearPending(name)
			}
			return
		}
		// The queued row ended without running; submit afresh.
		s.clearPending(name)
	}

	res, err := s.gate.Run(s.ctx, spec)
	if err != nil {
		s.gate.cfg.logError(LogEvent{Message: "Scheduled run of " + name + " failed", JobName: &spec.JobName, Err: err})
		return
	}
	if res.Outcome == OutcomeWaiting && res.Record != nil {
		s.mu.Lock()
		s.pending[name] = res.Record.ID
		s.mu.Unlock()
	}
}

func (s *Scheduler) clearPending(name string) {
	s.mu.Lock()
	delete(s.pending, name)
	s.mu.Unlock()
}

// Shutdown stops scheduling, cancels running ticks and waits up to timeout for
// them to return.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.gate.cfg.logInfo(LogEvent{Message: "Shutdown requested. Stopping scheduler..."})
	s.cancel()

	doneCtx := s.cron.Stop()

	select {
	case <-doneCtx.Done():
		s.gate.cfg.logInfo(LogEvent{Message: "All scheduled runs exited cleanly."})
	case <-time.After(timeout):
		s.gate.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Shutdown timed out after %v. Some scheduled runs may still be running.", timeout),
		})
	}
}
