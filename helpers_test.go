package taskgate

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "taskgate.sqlite")
	db, err := Open(DialectSQLite, path)
	require.NoError(t, err, "open test sqlite")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db, DialectSQLite), "run migrations")
	return db
}

// newTestGate returns a gate over a fresh SQLite database with a fixed clock.
func newTestGate(t *testing.T, mutate ...func(*Config)) (*Gate, *testClock) {
	t.Helper()

	clock := &testClock{now: t0}
	cfg := Config{
		Now:      clock.Now,
		InfoLog:  func(LogEvent) {},
		ErrorLog: func(LogEvent) {},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	g, err := New(context.Background(), cfg, NewSQLStore(openTestDB(t), DialectSQLite))
	require.NoError(t, err)
	return g, clock
}

func mustSubmit(t *testing.T, g *Gate, req SubmitRequest) *Admission {
	t.Helper()
	adm, err := g.Submit(context.Background(), req)
	require.NoError(t, err)
	return adm
}

func mustGet(t *testing.T, g *Gate, id int64) *JobRecord {
	t.Helper()
	rec, err := g.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}
