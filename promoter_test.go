package taskgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinishPromotesOneWaitingJob(t *testing.T) {
	g, clock := newTestGate(t)
	ctx := context.Background()

	a := mustSubmit(t, g, chatJob("chat-1", false))
	first := mustSubmit(t, g, chatJob("chat-1", true))
	second := mustSubmit(t, g, chatJob("chat-1", true))

	clock.Advance(10 * time.Minute)
	ok, err := g.Finish(ctx, a.Record.ID, "done")
	require.NoError(t, err)
	require.True(t, ok)

	finished := mustGet(t, g, a.Record.ID)
	assert.Equal(t, StatusFinished, finished.Status)
	assert.Equal(t, "done", finished.Result)

	promoted := mustGet(t, g, first.Record.ID)
	assert.Equal(t, StatusRunning, promoted.Status)
	assert.Contains(t, promoted.Description, "promoted after job")
	require.NotNil(t, promoted.TimeoutAt)
	assert.WithinDuration(t, t0.Add(10*time.Minute+time.Hour), *promoted.TimeoutAt, time.Millisecond)

	assert.Equal(t, StatusWaiting, mustGet(t, g, second.Record.ID).Status)

	// A new submission now sees the promoted job as the blocker.
	next := mustSubmit(t, g, chatJob("chat-1", false))
	assert.Equal(t, first.Record.ID, next.Info.BlockingJobID)
}

func TestFinishPromotesHighestPriorityFirst(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	a := mustSubmit(t, g, chatJob("chat-1", false))
	low := mustSubmit(t, g, chatJob("chat-1", true))
	high := chatJob("chat-1", true)
	high.Priority = 5
	highAdm := mustSubmit(t, g, high)

	_, err := g.Finish(ctx, a.Record.ID, "done")
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, mustGet(t, g, highAdm.Record.ID).Status)
	assert.Equal(t, StatusWaiting, mustGet(t, g, low.Record.ID).Status)
}

func TestFinishPromotesSessionWaiter(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	a := mustSubmit(t, g, SubmitRequest{JobName: "account_dump", SessionName: "s1"})
	w := mustSubmit(t, g, SubmitRequest{JobName: "user_scan", ResourceID: "u-1", SessionName: "s1", WaitIfConflict: true})
	require.Equal(t, StatusWaiting, w.Record.Status)

	_, err := g.Finish(ctx, a.Record.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, mustGet(t, g, w.Record.ID).Status)
}

func TestPromotionClampsStoredTimeout(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	a := mustSubmit(t, g, chatJob("chat-1", false))
	w := &JobRecord{
		JobName:        "tg_group_history",
		ResourceID:     "chat-1",
		Status:         StatusWaiting,
		TimeoutSeconds: 1 << 62,
		ExtraParams:    map[string]any{},
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	_, err := g.Store().Insert(ctx, w)
	require.NoError(t, err)

	_, err = g.Finish(ctx, a.Record.ID, "done")
	require.NoError(t, err)

	promoted := mustGet(t, g, w.ID)
	assert.Equal(t, StatusRunning, promoted.Status)
	require.NotNil(t, promoted.TimeoutAt)
	assert.WithinDuration(t, t0.Add(MaxTimeout), *promoted.TimeoutAt, time.Millisecond)
}

func TestFinishOnlyFromRunning(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	a := mustSubmit(t, g, chatJob("chat-1", false))
	w := mustSubmit(t, g, chatJob("chat-1", true))

	ok, err := g.Finish(ctx, w.Record.ID, "too early")
	require.NoError(t, err)
	assert.False(t, ok, "waiting rows cannot be finished")

	ok, err = g.Finish(ctx, a.Record.ID, "done")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Finish(ctx, a.Record.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "done", mustGet(t, g, a.Record.ID).Result)

	ok, err = g.Finish(ctx, 9999, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelWaitingRow(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	a := mustSubmit(t, g, chatJob("chat-1", false))
	w := mustSubmit(t, g, chatJob("chat-1", true))

	ok, err := g.Cancel(ctx, a.Record.ID, "nope")
	require.NoError(t, err)
	assert.False(t, ok, "running rows are not cancelled")

	ok, err = g.Cancel(ctx, w.Record.ID, "withdrawn")
	require.NoError(t, err)
	assert.True(t, ok)

	rec := mustGet(t, g, w.Record.ID)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.Equal(t, "withdrawn", rec.Result)
}

func TestCanStart(t *testing.T) {
	finished := &JobRecord{JobName: "tg_group_history", ResourceID: "chat-1", SessionName: "s1"}

	tests := []struct {
		name string
		w    *JobRecord
		want bool
	}{
		{name: "same resource", w: &JobRecord{JobName: "other", ResourceID: "chat-1"}, want: true},
		{name: "same session", w: &JobRecord{JobName: "other", SessionName: "s1"}, want: true},
		{name: "same job name", w: &JobRecord{JobName: "tg_group_history", ResourceID: "chat-2"}, want: true},
		{name: "unrelated", w: &JobRecord{JobName: "other", ResourceID: "chat-2", SessionName: "s2"}, want: false},
		{name: "empty bindings never match", w: &JobRecord{JobName: "other"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canStart(tt.w, finished))
		})
	}
}
