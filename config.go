package taskgate

import (
	"time"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The run ID of the task that triggered the log (if any).
	RunID string

	// The job record ID, if available.
	JobID *int64

	// The job name, if available.
	JobName *string

	// Any error associated with the event.
	Err error

	// How long the job or operation took, if relevant.
	Duration *time.Duration
}

// ExecutionMode selects the default Executor for tasks.
type ExecutionMode string

const (
	ExecutionSync  ExecutionMode = "sync"
	ExecutionAsync ExecutionMode = "async"
)

const (
	// DefaultTimeout is used when neither the request nor JobTimeouts provide one.
	DefaultTimeout = time.Hour

	// DefaultMaxWait is the default ceiling on the estimated wait of a queued job.
	DefaultMaxWait = 2 * time.Hour

	// minEstimatedWait is the floor applied to every wait estimate.
	minEstimatedWait = time.Minute

	// MaxTimeout bounds the run timeout a submission may request.
	MaxTimeout = 30 * 24 * time.Hour
)

// secondsDuration converts a stored timeout, capped at MaxTimeout.
func secondsDuration(secs int) time.Duration {
	if secs <= 0 {
		return 0
	}
	if secs > int(MaxTimeout/time.Second) {
		return MaxTimeout
	}
	return time.Duration(secs) * time.Second
}

// Config holds the settings consumed by the admission layer.
type Config struct {
	// DefaultTimeout is the global fallback run timeout.
	DefaultTimeout time.Duration

	// JobTimeouts maps a job name to its default run timeout.
	JobTimeouts map[string]time.Duration

	// MaxWait rejects a conflicting submission whose estimated wait exceeds it.
	MaxWait time.Duration

	// StrictExclusive installs partial unique indexes so that two RUNNING rows can
	// never share a resource or a session. Off by default; the lenient mode accepts
	// the race and relies on the timeout sweep.
	StrictExclusive bool

	// ExecutionMode picks the Executor used by tasks without WithExecutor.
	ExecutionMode ExecutionMode

	// Now returns the current time. If nil, time.Now is used.
	Now func() time.Time

	// InfoLog is called for informational or success logs.
	// If nil, defaults to the structured logger.
	InfoLog func(ev LogEvent)

	// ErrorLog is called for error logs.
	// If nil, defaults to the structured logger.
	ErrorLog func(ev LogEvent)
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.ExecutionMode == "" {
		c.ExecutionMode = ExecutionSync
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.InfoLog == nil {
		c.InfoLog = defaultInfoLog
	}
	if c.ErrorLog == nil {
		c.ErrorLog = defaultErrorLog
	}
}

// timeoutFor resolves the run timeout of a job name.
func (c *Config) timeoutFor(jobName string) time.Duration {
	if d, ok := c.JobTimeouts[jobName]; ok && d > 0 {
		return d
	}
	return c.DefaultTimeout
}

func (c *Config) now() time.Time {
	return c.Now().UTC().Round(time.Microsecond)
}
