package taskgate

import (
	"time"
)

// JobStatus enumerates the possible states of a job record.
type JobStatus int

const (
	StatusPending   JobStatus = 0
	StatusRunning   JobStatus = 1
	StatusFinished  JobStatus = 2
	StatusWaiting   JobStatus = 3
	StatusCancelled JobStatus = 4
	StatusTimeout   JobStatus = 5
)

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusFinished:
		return "FINISHED"
	case StatusWaiting:
		return "WAITING"
	case StatusCancelled:
		return "CANCELLED"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition can leave this status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusCancelled || s == StatusTimeout
}

// MarshalText renders the status name in JSON payloads.
func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// JobRecord corresponds to one row in the job_records table.
type JobRecord struct {
	ID             int64          `json:"id"`
	JobName        string         `json:"job_name"`
	Description    string         `json:"description"`
	ResourceID     string         `json:"resource_id,omitempty"`
	SessionName    string         `json:"session_name,omitempty"`
	Status         JobStatus      `json:"status"`
	Priority       int            `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	TimeoutAt      *time.Time     `json:"timeout_at,omitempty"`
	ExtraParams    map[string]any `json:"extra_params,omitempty"`
	Result         string         `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// HasBinding reports whether the record claims a resource or a session.
func (r *JobRecord) HasBinding() bool {
	return r.ResourceID != "" || r.SessionName != ""
}

// ConflictKind names the binding dimension that blocked a submission.
type ConflictKind string

const (
	ConflictNone     ConflictKind = ""
	ConflictResource ConflictKind = "resource"
	ConflictSession  ConflictKind = "session"
)

// ConflictInfo describes the RUNNING row that collides with a submission.
type ConflictInfo struct {
	Kind ConflictKind

	// Blocking is the RUNNING row holding the binding. Nil when Kind is ConflictNone.
	Blocking *JobRecord

	// Label is a display name for the resource dimension, e.g. "chat_id".
	Label string
}

// HasConflict reports whether a blocking row was found.
func (c ConflictInfo) HasConflict() bool {
	return c.Kind != ConflictNone
}

// AdmissionMode is how a submission was handled.
type AdmissionMode string

const (
	ModeImmediate AdmissionMode = "immediate"
	ModeQueued    AdmissionMode = "queued"
	ModeRejected  AdmissionMode = "rejected"
)

// AdmissionInfo is the payload returned with every admission decision.
type AdmissionInfo struct {
	ConflictType         ConflictKind  `json:"conflict_type"`
	QueuePosition        int           `json:"queue_position"`
	EstimatedWaitSeconds int           `json:"estimated_wait_seconds"`
	Mode                 AdmissionMode `json:"mode"`
	BlockingJobID        int64         `json:"blocking_job_id,omitempty"`
	ResourceLabel        string        `json:"resource_label,omitempty"`
	Message              string        `json:"message"`
}

// Admission is the outcome of Submit. Record is nil when Accepted is false.
type Admission struct {
	Accepted bool
	Record   *JobRecord
	Info     AdmissionInfo
}

// SubmitRequest carries the arguments of a job submission.
type SubmitRequest struct {
	JobName     string
	ResourceID  string
	SessionName string
	Priority    int

	// TimeoutSeconds overrides the configured timeout when positive.
	TimeoutSeconds int

	// WaitIfConflict enqueues the job as WAITING instead of rejecting it.
	WaitIfConflict bool

	ExtraParams map[string]any
}

// SweepResult counts the rows expired by one sweep.
type SweepResult struct {
	TimedOut  int64
	Cancelled int64
}

// ListFilter narrows ListRecent. Empty fields match everything.
type ListFilter struct {
	ResourceID  string
	SessionName string
	JobName     string
	Limit       int
}
