package taskgate

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const stoppedResult = "stopped manually"

// TaskState is the lifecycle position of a Task.
type TaskState string

const (
	StateCreated   TaskState = "created"
	StateAdmitting TaskState = "admitting"
	StateRejected  TaskState = "rejected"
	StateWaiting   TaskState = "waiting"
	StateRunning   TaskState = "running"
	StateSucceeded TaskState = "succeeded"
	StateFailed    TaskState = "failed"
	StateStopped   TaskState = "stopped"
	StateExpired   TaskState = "expired"
)

// Outcome is how a Start or Resume call ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeRejected  Outcome = "rejected"
	OutcomeWaiting   Outcome = "waiting"

	// OutcomeExpired is returned by Resume for a row that ended without running
	// here (cancelled, timed out or finished elsewhere).
	OutcomeExpired Outcome = "expired"
)

func (o Outcome) state() TaskState {
	switch o {
	case OutcomeSucceeded:
		return StateSucceeded
	case OutcomeFailed:
		return StateFailed
	case OutcomeStopped:
		return StateStopped
	case OutcomeRejected:
		return StateRejected
	case OutcomeWaiting:
		return StateWaiting
	default:
		return StateExpired
	}
}

// TaskSpec holds the admission arguments of a task.
type TaskSpec struct {
	JobName        string
	ResourceID     string
	SessionName    string
	Priority       int
	TimeoutSeconds int
	WaitIfConflict bool
	ExtraParams    map[string]any
}

func (s TaskSpec) request() SubmitRequest {
	return SubmitRequest{
		JobName:        s.JobName,
		ResourceID:     s.ResourceID,
		SessionName:    s.SessionName,
		Priority:       s.Priority,
		TimeoutSeconds: s.TimeoutSeconds,
		WaitIfConflict: s.WaitIfConflict,
		ExtraParams:    s.ExtraParams,
	}
}

// TaskResult is the structured result of Start and Resume.
type TaskResult struct {
	RunID     string
	Outcome   Outcome
	Record    *JobRecord
	Admission *Admission
	Value     any
	Err       error
	Duration  time.Duration
	Summary   string
}

// Summarizer renders the one-line result text stored on the row.
type Summarizer func(res *TaskResult) string

// DefaultSummary renders the outcome and the duration.
func DefaultSummary(res *TaskResult) string {
	d := res.Duration.Round(time.Millisecond)
	switch res.Outcome {
	case OutcomeSucceeded:
		return fmt.Sprintf("succeeded in %s", d)
	case OutcomeFailed:
		return fmt.Sprintf("failed after %s: %v", d, res.Err)
	case OutcomeStopped:
		return fmt.Sprintf("%s after %s", stoppedResult, d)
	default:
		return string(res.Outcome)
	}
}

// TaskOption customises a Task.
type TaskOption func(*Task)

// WithExecutor overrides the executor chosen by Config.ExecutionMode.
func WithExecutor(e Executor) TaskOption {
	return func(t *Task) { t.exec = e }
}

// WithSummarizer replaces DefaultSummary.
func WithSummarizer(s Summarizer) TaskOption {
	return func(t *Task) { t.summarize = s }
}

// Task wraps one admission-controlled execution of fn. A Task is single use:
// Start (or Resume) runs at most once.
type Task struct {
	gate      *Gate
	spec      TaskSpec
	fn        TaskFunc
	exec      Executor
	summarize Summarizer
	runID     string

	stop atomic.Bool

	mu     sync.Mutex
	state  TaskState
	record *JobRecord
	cancel context.CancelFunc
}

// Run is handed to the task body.
type Run struct {
	task   *Task
	Record *JobRecord
}

// ShouldStop reports whether Stop has been called.
func (r *Run) ShouldStop() bool { return r.task.ShouldStop() }

// RunID identifies this execution in logs.
func (r *Run) RunID() string { return r.task.runID }

// Params returns the job's extra parameters.
func (r *Run) Params() map[string]any { return r.Record.ExtraParams }

// Session returns the registered handle for the job's session, if any.
func (r *Run) Session() (io.Closer, bool) {
	if r.Record.SessionName == "" {
		return nil, false
	}
	return r.task.gate.sessions.Get(r.Record.SessionName)
}

// NewTask creates a task that is submitted with spec and runs fn when admitted.
func (g *Gate) NewTask(spec TaskSpec, fn TaskFunc, opts ...TaskOption) *Task {
	t := &Task{
		gate:      g,
		spec:      spec,
		fn:        fn,
		exec:      ExecutorFor(g.cfg.ExecutionMode),
		summarize: DefaultSummary,
		runID:     uuid.NewString(),
		state:     StateCreated,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RunID identifies the task in logs and results.
func (t *Task) RunID() string { return t.runID }

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Record returns the row created for this task, if any.
func (t *Task) Record() *JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record
}

// ShouldStop is the cooperative cancellation flag polled by task bodies.
func (t *Task) ShouldStop() bool { return t.stop.Load() }

func (t *Task) setState(s TaskState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Start submits the task. A rejected or queued task returns immediately without
// running fn; the caller is expected to retry or Resume later. An admitted task
// runs fn and always finishes its row before returning.
//
// The error is non-nil only for storage faults.
func (t *Task) Start(ctx context.Context) (*TaskResult, error) {
	prev, err := t.claim(StateCreated)
	if err != nil {
		return nil, err
	}
	if t.stop.Load() {
		return t.stoppedEarly(), nil
	}

	adm, err := t.gate.Submit(ctx, t.spec.request())
	if err != nil {
		t.setState(prev)
		return nil, err
	}

	res := &TaskResult{RunID: t.runID, Admission: adm, Record: adm.Record}

	if !adm.Accepted {
		res.Outcome = OutcomeRejected
		res.Summary = adm.Info.Message
		t.setState(StateRejected)
		return res, nil
	}

	if adm.Record.Status == StatusWaiting {
		if t.stop.Load() {
			// Stopped while submitting; withdraw the queued row.
			if _, err := t.gate.Cancel(ctx, adm.Record.ID, stoppedResult); err != nil {
				t.setState(StateStopped)
				return nil, err
			}
			res.Outcome = OutcomeStopped
			res.Summary = stoppedResult
			t.setState(StateStopped)
			return res, nil
		}
		res.Outcome = OutcomeWaiting
		res.Summary = adm.Info.Message
		t.mu.Lock()
		t.state = StateWaiting
		t.record = adm.Record
		t.mu.Unlock()
		return res, nil
	}

	return t.execute(ctx, adm.Record, res)
}

// Resume continues a task from a row it was queued with. A promoted (RUNNING)
// row is executed and finished, a WAITING row is reported as waiting again and
// a terminal row yields OutcomeExpired.
//
// Only resume rows obtained as WAITING; a row admitted RUNNING directly is
// already being executed by its submitter.
func (t *Task) Resume(ctx context.Context, recordID int64) (*TaskResult, error) {
	prev, err := t.claim(StateCreated, StateWaiting)
	if err != nil {
		return nil, err
	}
	if t.stop.Load() {
		return t.stoppedEarly(), nil
	}

	rec, err := t.gate.Get(ctx, recordID)
	if err != nil {
		t.setState(prev)
		return nil, err
	}
	res := &TaskResult{RunID: t.runID, Record: rec}

	switch rec.Status {
	case StatusRunning:
		return t.execute(ctx, rec, res)
	case StatusWaiting:
		res.Outcome = OutcomeWaiting
		res.Summary = rec.Description
		t.mu.Lock()
		t.state = StateWaiting
		t.record = rec
		t.mu.Unlock()
		return res, nil
	default:
		res.Outcome = OutcomeExpired
		res.Summary = fmt.Sprintf("job %d is %s: %s", rec.ID, rec.Status, rec.Result)
		t.setState(StateExpired)
		return res, nil
	}
}

// claim moves the task to StateAdmitting if it is in one of the allowed states,
// so that concurrent Start or Resume calls cannot both proceed.
func (t *Task) claim(allowed ...TaskState) (TaskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range allowed {
		if t.state == s {
			t.state = StateAdmitting
			return s, nil
		}
	}
	return t.state, fmt.Errorf("task %s already %s", t.runID, t.state)
}

// stoppedEarly ends a task that was stopped before it touched the table.
func (t *Task) stoppedEarly() *TaskResult {
	t.setState(StateStopped)
	return &TaskResult{RunID: t.runID, Outcome: OutcomeStopped, Summary: stoppedResult}
}

func (t *Task) execute(ctx context.Context, rec *JobRecord, res *TaskResult) (_ *TaskResult, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	t.record = rec
	t.cancel = cancel
	t.state = StateRunning
	t.mu.Unlock()

	cfg := t.gate.cfg
	ev := recordEvent(fmt.Sprintf("Processing job %d (%s)", rec.ID, rec.JobName), rec)
	ev.RunID = t.runID
	cfg.logInfo(ev)

	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		res.Summary = t.summarize(res)
		t.setState(res.Outcome.state())

		ok, ferr := t.gate.Finish(context.WithoutCancel(ctx), rec.ID, res.Summary)
		if ferr != nil {
			ev := recordEvent(fmt.Sprintf("Error finishing job %d", rec.ID), rec)
			ev.RunID, ev.Err = t.runID, ferr
			cfg.logError(ev)
			if err == nil {
				err = ferr
			}
		}
		if ok {
			rec.Status = StatusFinished
			rec.Result = res.Summary
		}

		ev := recordEvent(fmt.Sprintf("Job %d %s in %v", rec.ID, res.Outcome, res.Duration), rec)
		ev.RunID, ev.Duration, ev.Err = t.runID, &res.Duration, res.Err
		if res.Outcome == OutcomeFailed {
			cfg.logError(ev)
		} else {
			cfg.logInfo(ev)
		}
	}()

	if t.stop.Load() {
		res.Outcome = OutcomeStopped
		return res, nil
	}

	value, execErr := t.exec.Execute(runCtx, &Run{task: t, Record: rec}, t.fn)
	res.Value, res.Err = value, execErr

	switch {
	case t.stop.Load():
		res.Outcome = OutcomeStopped
	case execErr != nil:
		res.Outcome = OutcomeFailed
	default:
		res.Outcome = OutcomeSucceeded
	}
	return res, nil
}

// Stop raises the cancellation flag, cancels the run context and releases the
// task's row right away: a RUNNING row is finished, a WAITING row cancelled.
func (t *Task) Stop(ctx context.Context) error {
	t.stop.Store(true)

	t.mu.Lock()
	cancel, rec := t.cancel, t.record
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rec == nil {
		return nil
	}

	if _, err := t.gate.Finish(ctx, rec.ID, stoppedResult); err != nil {
		return err
	}
	if _, err := t.gate.Cancel(ctx, rec.ID, stoppedResult); err != nil {
		return err
	}
	return nil
}
