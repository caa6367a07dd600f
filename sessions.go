package taskgate

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// SessionRegistry owns the live client handles keyed by session name. One
// registry is shared by every task of a process; handles are closed by
// Unregister or CloseAll.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]io.Closer
	order    []string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]io.Closer)}
}

// Register adds a handle. Registering a name twice is an error.
func (r *SessionRegistry) Register(name string, c io.Closer) error {
	if name == "" {
		return fmt.Errorf("%w: session name is required", ErrInvalidRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[name]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	r.sessions[name] = c
	r.order = append(r.order, name)
	return nil
}

func (r *SessionRegistry) Get(name string) (io.Closer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.sessions[name]
	return c, ok
}

// Names returns the registered session names, sorted.
func (r *SessionRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.sessions))
	for n := range r.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Unregister removes and closes one handle.
func (r *SessionRegistry) Unregister(name string) error {
	r.mu.Lock()
	c, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
		r.order = removeName(r.order, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s: %w", name, ErrNotFound)
	}
	return c.Close()
}

// CloseAll closes every handle in reverse registration order and empties the
// registry.
func (r *SessionRegistry) CloseAll() error {
	r.mu.Lock()
	order := r.order
	sessions := r.sessions
	r.order = nil
	r.sessions = make(map[string]io.Closer)
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := sessions[order[i]].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", order[i], err))
		}
	}
	return errors.Join(errs...)
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}
