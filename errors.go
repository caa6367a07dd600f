package taskgate

import "errors"

var (
	// ErrNotFound is returned when a job record does not exist.
	ErrNotFound = errors.New("job record not found")

	// ErrExclusiveViolation is returned when strict exclusion rejects a second
	// RUNNING row for the same resource or session.
	ErrExclusiveViolation = errors.New("resource already held by a running job")

	// ErrStrictUnsupported is returned by EnforceExclusive on engines without
	// partial unique indexes.
	ErrStrictUnsupported = errors.New("strict exclusion requires partial unique indexes")

	// ErrNoHandler is returned when no handler is registered for a job name.
	ErrNoHandler = errors.New("no handler registered")

	// ErrSessionExists is returned when a session name is registered twice.
	ErrSessionExists = errors.New("session already registered")

	// ErrInvalidRequest is returned for submissions without a job name.
	ErrInvalidRequest = errors.New("invalid submit request")
)
