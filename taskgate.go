// Package taskgate admits long-running jobs against single-writer resources.
//
// Every job is a row in one table. Submit decides whether a job runs now,
// waits for the resource or is rejected; Finish releases the resource and
// promotes at most one waiting job. Stale rows are expired by a sweep that runs
// at the start of every submission.
package taskgate

import (
	"context"
	"fmt"
	"sync"
)

type Gate struct {
	cfg       *Config
	store     Store
	sessions  *SessionRegistry
	handlers  map[string]TaskFunc
	handlerMu sync.RWMutex
}

// Option customises a Gate.
type Option func(*Gate)

// WithSessions injects the registry that Run.Session reads from.
func WithSessions(r *SessionRegistry) Option {
	return func(g *Gate) {
		g.sessions = r
	}
}

// New builds a Gate over store. With Config.StrictExclusive it installs the
// exclusive indexes before returning.
func New(ctx context.Context, cfg Config, store Store, opts ...Option) (*Gate, error) {
	cfg.applyDefaults()

	g := &Gate{
		cfg:      &cfg,
		store:    store,
		handlers: make(map[string]TaskFunc),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sessions == nil {
		g.sessions = NewSessionRegistry()
	}

	if cfg.StrictExclusive {
		if err := store.EnforceExclusive(ctx); err != nil {
			return nil, fmt.Errorf("enable strict exclusion: %w", err)
		}
	}
	return g, nil
}

// Store returns the underlying record store.
func (g *Gate) Store() Store { return g.store }

// Sessions returns the session registry.
func (g *Gate) Sessions() *SessionRegistry { return g.sessions }

// Get loads one job record.
func (g *Gate) Get(ctx context.Context, id int64) (*JobRecord, error) {
	return g.store.Get(ctx, id)
}

// ListRecent returns the newest records matching f, newest first.
func (g *Gate) ListRecent(ctx context.Context, f ListFilter) ([]*JobRecord, error) {
	return g.store.ListRecent(ctx, f)
}
