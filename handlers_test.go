package taskgate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type historyJob struct {
	chatID string
}

func (j *historyJob) Run(_ context.Context, run *Run) (any, error) {
	return "exported " + j.chatID, nil
}

func newHistoryJob(params map[string]any) (Job, error) {
	chatID, ok := params["chat_id"].(string)
	if !ok {
		return nil, errors.New("chat_id is required")
	}
	return &historyJob{chatID: chatID}, nil
}

func TestRunUsesRegisteredHandler(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	_, err := g.Run(ctx, TaskSpec{JobName: "tg_group_history"})
	assert.ErrorIs(t, err, ErrNoHandler)

	g.RegisterJob("tg_group_history", newHistoryJob)

	res, err := g.Run(ctx, TaskSpec{
		JobName:     "tg_group_history",
		ResourceID:  "chat-1",
		ExtraParams: map[string]any{"chat_id": "chat-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, "exported chat-1", res.Value)

	res, err = g.Run(ctx, TaskSpec{JobName: "tg_group_history", ResourceID: "chat-2"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorContains(t, res.Err, "chat_id is required")
}

func TestResumeRecordRunsPromotedRow(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()

	var seen []string
	g.RegisterHandler("file_download", func(_ context.Context, run *Run) (any, error) {
		seen = append(seen, fmt.Sprint(run.Params()["file"]))
		return nil, nil
	})

	first, err := g.Run(ctx, TaskSpec{JobName: "file_download", ResourceID: "f-1"})
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, first.Outcome)

	blocker := mustSubmit(t, g, SubmitRequest{JobName: "file_download", ResourceID: "f-1"})
	queued, err := g.Run(ctx, TaskSpec{
		JobName:        "file_download",
		ResourceID:     "f-1",
		WaitIfConflict: true,
		ExtraParams:    map[string]any{"file": "photo.jpg"},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeWaiting, queued.Outcome)

	_, err = g.Finish(ctx, blocker.Record.ID, "done")
	require.NoError(t, err)

	res, err := g.ResumeRecord(ctx, queued.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, []string{"<nil>", "photo.jpg"}, seen)

	_, err = g.ResumeRecord(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}
