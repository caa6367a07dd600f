package taskgate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerAddValidates(t *testing.T) {
	g, _ := newTestGate(t)
	s := NewScheduler(context.Background(), g)

	err := s.Add("nightly", "@daily", chatSpec("chat-1", true))
	assert.ErrorIs(t, err, ErrNoHandler)

	g.RegisterHandler("tg_group_history", func(context.Context, *Run) (any, error) { return nil, nil })

	assert.Error(t, s.Add("nightly", "not a schedule", chatSpec("chat-1", true)))
	require.NoError(t, s.Add("nightly", "@daily", chatSpec("chat-1", true)))
	assert.Error(t, s.Add("nightly", "@hourly", chatSpec("chat-1", true)))

	s.Remove("nightly")
	assert.NoError(t, s.Add("nightly", "@hourly", chatSpec("chat-1", true)))
}

func TestSchedulerTickResumesQueuedRow(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	var runs atomic.Int32
	g.RegisterHandler("tg_group_history", func(context.Context, *Run) (any, error) {
		runs.Add(1)
		return nil, nil
	})

	s := NewScheduler(ctx, g)
	spec := chatSpec("chat-1", true)

	blocker := mustSubmit(t, g, chatJob("chat-1", false))

	s.tick("nightly", spec)
	require.Contains(t, s.pending, "nightly")
	queuedID := s.pending["nightly"]

	// Still blocked: the same row is kept, no duplicate is queued.
	s.tick("nightly", spec)
	assert.Equal(t, queuedID, s.pending["nightly"])
	n, err := g.Store().CountWaiting(ctx, WaitingQuery{ResourceID: "chat-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = g.Finish(ctx, blocker.Record.ID, "done")
	require.NoError(t, err)

	s.tick("nightly", spec)
	assert.NotContains(t, s.pending, "nightly")
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, StatusFinished, mustGet(t, g, queuedID).Status)

	s.tick("nightly", spec)
	assert.Equal(t, int32(2), runs.Load())
}

func TestSchedulerResubmitsAfterExpiredRow(t *testing.T) {
	g, clock := newTestGate(t)
	ctx := context.Background()

	var runs atomic.Int32
	g.RegisterHandler("tg_group_history", func(context.Context, *Run) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	s := NewScheduler(ctx, g)
	spec := chatSpec("chat-1", true)

	mustSubmit(t, g, chatJob("chat-1", false))
	s.tick("nightly", spec)
	queuedID := s.pending["nightly"]

	clock.Advance(2 * time.Hour)
	_, err := g.Sweep(ctx)
	require.NoError(t, err)

	s.tick("nightly", spec)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, StatusCancelled, mustGet(t, g, queuedID).Status)
	assert.NotContains(t, s.pending, "nightly")
}

func TestSchedulerStartShutdown(t *testing.T) {
	g, _ := newTestGate(t)
	g.RegisterHandler("report", func(context.Context, *Run) (any, error) { return nil, nil })

	s := NewScheduler(context.Background(), g)
	require.NoError(t, s.Add("reports", "@every 1h", TaskSpec{JobName: "report"}))

	s.Start()
	done := make(chan struct{})
	go func() {
		s.Shutdown(time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not return")
	}
	assert.Error(t, s.ctx.Err())
}
