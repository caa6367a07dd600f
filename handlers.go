package taskgate

import (
	"context"
	"fmt"
)

// Job is implemented by task bodies that need per-run construction.
type Job interface {
	Run(ctx context.Context, run *Run) (any, error)
}

// JobConstructor builds a Job from the row's extra parameters.
type JobConstructor func(params map[string]any) (Job, error)

// RegisterHandler associates a job name with the function that runs it.
func (g *Gate) RegisterHandler(jobName string, fn TaskFunc) {
	g.handlerMu.Lock()
	g.handlers[jobName] = fn
	g.handlerMu.Unlock()
}

// RegisterJob registers a constructor-backed handler. A constructor error fails
// the run without calling Job.Run.
func (g *Gate) RegisterJob(jobName string, constructor JobConstructor) {
	g.RegisterHandler(jobName, makeJobHandler(constructor))
}

func makeJobHandler(constructor JobConstructor) TaskFunc {
	return func(ctx context.Context, run *Run) (any, error) {
		j, err := constructor(run.Params())
		if err != nil {
			return nil, fmt.Errorf("construct job: %w", err)
		}
		return j.Run(ctx, run)
	}
}

// getHandler returns the handler for jobName or ErrNoHandler.
func (g *Gate) getHandler(jobName string) (TaskFunc, error) {
	g.handlerMu.RLock()
	fn, ok := g.handlers[jobName]
	g.handlerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for job %s", ErrNoHandler, jobName)
	}
	return fn, nil
}

// Run submits spec and executes the registered handler for spec.JobName.
func (g *Gate) Run(ctx context.Context, spec TaskSpec, opts ...TaskOption) (*TaskResult, error) {
	fn, err := g.getHandler(spec.JobName)
	if err != nil {
		return nil, err
	}
	return g.NewTask(spec, fn, opts...).Start(ctx)
}

// ResumeRecord resumes a queued row with the handler registered for its job
// name.
func (g *Gate) ResumeRecord(ctx context.Context, id int64, opts ...TaskOption) (*TaskResult, error) {
	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn, err := g.getHandler(rec.JobName)
	if err != nil {
		return nil, err
	}
	spec := TaskSpec{
		JobName:        rec.JobName,
		ResourceID:     rec.ResourceID,
		SessionName:    rec.SessionName,
		Priority:       rec.Priority,
		TimeoutSeconds: rec.TimeoutSeconds,
		ExtraParams:    rec.ExtraParams,
	}
	return g.NewTask(spec, fn, opts...).Resume(ctx, id)
}
