//go:build integration

package taskgate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with a live server, e.g.
//
//	TASKGATE_TEST_PG_DSN=postgres://... TASKGATE_TEST_MYSQL_DSN=user:pass@tcp(...)/db \
//	    go test -tags integration ./...
func openIntegrationStore(t *testing.T, d Dialect, env string) *SQLStore {
	t.Helper()

	dsn := os.Getenv(env)
	if dsn == "" {
		t.Skipf("%s not set", env)
	}
	db, err := Open(d, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db, d))
	_, err = db.Exec("DELETE FROM job_records")
	require.NoError(t, err)
	return NewSQLStore(db, d)
}

func integrationRecord(resource string, status JobStatus) *JobRecord {
	now := time.Now().UTC().Truncate(time.Second)
	deadline := now.Add(time.Hour)
	return &JobRecord{
		JobName:        "tg_group_history",
		ResourceID:     resource,
		Status:         status,
		TimeoutSeconds: 3600,
		TimeoutAt:      &deadline,
		ExtraParams:    map[string]any{"limit": 10},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func exerciseStore(t *testing.T, s *SQLStore) {
	ctx := context.Background()

	first := integrationRecord("chat-1", StatusRunning)
	id, err := s.Insert(ctx, first)
	require.NoError(t, err)
	assert.Positive(t, id)
	assert.Equal(t, id, first.ID)

	second := integrationRecord("chat-2", StatusRunning)
	id2, err := s.Insert(ctx, second)
	require.NoError(t, err)
	assert.Greater(t, id2, id, "ids are assigned by the database")

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "chat-1", got.ResourceID)
	require.NotNil(t, got.TimeoutAt)
	assert.WithinDuration(t, *first.TimeoutAt, *got.TimeoutAt, time.Second)
	assert.EqualValues(t, 10, got.ExtraParams["limit"])

	_, err = s.Get(ctx, id2+1000)
	assert.ErrorIs(t, err, ErrNotFound)

	result := "done"
	ok, err := s.Transition(ctx, id, StatusRunning, StatusFinished, TransitionFields{Now: time.Now().UTC(), Result: &result})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Transition(ctx, id, StatusRunning, StatusFinished, TransitionFields{Now: time.Now().UTC(), Result: &result})
	require.NoError(t, err)
	assert.False(t, ok, "a second transition from RUNNING must not apply")
}

func exercisePromotion(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	g, err := New(ctx, Config{InfoLog: func(LogEvent) {}, ErrorLog: func(LogEvent) {}}, s)
	require.NoError(t, err)

	blocker, err := g.Submit(ctx, chatJob("chat-7", false))
	require.NoError(t, err)
	require.True(t, blocker.Accepted)

	waiter, err := g.Submit(ctx, chatJob("chat-7", true))
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, waiter.Record.Status)

	ok, err := g.Finish(ctx, blocker.Record.ID, "done")
	require.NoError(t, err)
	require.True(t, ok)

	promoted, err := g.Get(ctx, waiter.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, promoted.Status)
}

func TestPostgresStore(t *testing.T) {
	s := openIntegrationStore(t, DialectPostgres, "TASKGATE_TEST_PG_DSN")

	t.Run("crud", func(t *testing.T) { exerciseStore(t, s) })
	t.Run("promotion", func(t *testing.T) { exercisePromotion(t, s) })

	t.Run("exclusive", func(t *testing.T) {
		ctx := context.Background()
		_, err := s.DB().Exec("DELETE FROM job_records")
		require.NoError(t, err)

		require.NoError(t, s.EnforceExclusive(ctx))
		t.Cleanup(func() {
			_, _ = s.DB().Exec("DROP INDEX IF EXISTS ux_job_records_running_resource")
			_, _ = s.DB().Exec("DROP INDEX IF EXISTS ux_job_records_running_session")
		})

		_, err = s.Insert(ctx, integrationRecord("chat-1", StatusRunning))
		require.NoError(t, err)
		_, err = s.Insert(ctx, integrationRecord("chat-1", StatusRunning))
		assert.ErrorIs(t, err, ErrExclusiveViolation)

		_, err = s.Insert(ctx, integrationRecord("chat-1", StatusWaiting))
		assert.NoError(t, err, "only RUNNING rows are exclusive")
	})
}

func TestMySQLStore(t *testing.T) {
	s := openIntegrationStore(t, DialectMySQL, "TASKGATE_TEST_MYSQL_DSN")

	t.Run("crud", func(t *testing.T) { exerciseStore(t, s) })
	t.Run("promotion", func(t *testing.T) { exercisePromotion(t, s) })

	t.Run("strict unsupported", func(t *testing.T) {
		assert.ErrorIs(t, s.EnforceExclusive(context.Background()), ErrStrictUnsupported)
	})

	t.Run("duplicate key maps to exclusive violation", func(t *testing.T) {
		db := s.DB()
		_, err := db.Exec("CREATE TABLE IF NOT EXISTS taskgate_dup_check (k INT PRIMARY KEY)")
		require.NoError(t, err)
		t.Cleanup(func() { _, _ = db.Exec("DROP TABLE IF EXISTS taskgate_dup_check") })

		_, err = db.Exec("INSERT INTO taskgate_dup_check (k) VALUES (1)")
		require.NoError(t, err)
		_, err = db.Exec("INSERT INTO taskgate_dup_check (k) VALUES (1)")
		require.Error(t, err)
		assert.ErrorIs(t, mapDBError(err), ErrExclusiveViolation)
	})
}
