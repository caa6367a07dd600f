package taskgate

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// TaskFunc is the body of a job. It should poll run.ShouldStop (or ctx) in long
// loops; cancellation is cooperative.
type TaskFunc func(ctx context.Context, run *Run) (any, error)

// Executor drives a TaskFunc to completion.
type Executor interface {
	Execute(ctx context.Context, run *Run, fn TaskFunc) (any, error)
}

// SyncExecutor runs the function on the calling goroutine.
type SyncExecutor struct{}

func (SyncExecutor) Execute(ctx context.Context, run *Run, fn TaskFunc) (out any, err error) {
	defer recoverPanic(&err)
	return fn(ctx, run)
}

// AsyncExecutor gives every invocation its own errgroup and derived context,
// waits for it and throws it away. Nothing outlives a single Execute call.
type AsyncExecutor struct{}

func (AsyncExecutor) Execute(ctx context.Context, run *Run, fn TaskFunc) (any, error) {
	g, gctx := errgroup.WithContext(ctx)

	var out any
	g.Go(func() (err error) {
		defer recoverPanic(&err)
		out, err = fn(gctx, run)
		return err
	})

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// ExecutorFor returns the executor for a configured mode.
func ExecutorFor(mode ExecutionMode) Executor {
	if mode == ExecutionAsync {
		return AsyncExecutor{}
	}
	return SyncExecutor{}
}

// PanicError is the failure recorded when a task body panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = &PanicError{Value: r, Stack: debug.Stack()}
	}
}
