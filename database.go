package taskgate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WaitingQuery selects WAITING rows for CountWaiting. Set fields are ANDed.
type WaitingQuery struct {
	ResourceID  string
	SessionName string
	JobName     string

	// PriorityAbove keeps only rows with a strictly higher priority.
	PriorityAbove *int
}

// TransitionFields are written together with a status change.
type TransitionFields struct {
	Now         time.Time
	Result      *string
	Description *string
	TimeoutAt   *time.Time
}

// Store is the persistence contract of the admission layer.
type Store interface {
	Insert(ctx context.Context, rec *JobRecord) (int64, error)
	Get(ctx context.Context, id int64) (*JobRecord, error)

	// FindRunningByResource and FindRunningBySession return nil when no row is running.
	FindRunningByResource(ctx context.Context, resourceID string) (*JobRecord, error)
	FindRunningBySession(ctx context.Context, sessionName string) (*JobRecord, error)

	CountWaiting(ctx context.Context, q WaitingQuery) (int, error)

	// ListWaiting returns WAITING rows by priority desc, created_at asc.
	ListWaiting(ctx context.Context) ([]*JobRecord, error)

	// Transition updates the row only if it is still in status from.
	Transition(ctx context.Context, id int64, from, to JobStatus, f TransitionFields) (bool, error)

	ExpireRunning(ctx context.Context, now time.Time, result string) (int64, error)
	ExpireWaiting(ctx context.Context, now time.Time, result string) (int64, error)

	ListRecent(ctx context.Context, f ListFilter) ([]*JobRecord, error)

	EnforceExclusive(ctx context.Context) error
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

const recordColumns = `
	id,
	job_name,
	description,
	resource_id,
	session_name,
	status,
	priority,
	timeout_seconds,
	timeout_at,
	extra_params,
	result,
	created_at,
	updated_at`

var _ Store = (*SQLStore)(nil)

// SQLStore keeps job records in a relational table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	tracer  trace.Tracer
}

// NewSQLStore wraps an open database. The schema must already be migrated.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: d,
		tracer:  otel.Tracer("github.com/sky93/taskgate"),
	}
}

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "JobStore/"+name, trace.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *SQLStore) Insert(ctx context.Context, rec *JobRecord) (int64, error) {
	ctx, span := s.span(ctx, "Insert",
		attribute.String("job_name", rec.JobName),
		attribute.String("status", rec.Status.String()),
	)
	defer span.End()

	params, err := encodeParams(rec.ExtraParams)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}

	query := `INSERT INTO job_records (
			job_name,
			description,
			resource_id,
			session_name,
			status,
			priority,
			timeout_seconds,
			timeout_at,
			extra_params,
			result,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		rec.JobName,
		rec.Description,
		rec.ResourceID,
		rec.SessionName,
		int(rec.Status),
		rec.Priority,
		rec.TimeoutSeconds,
		nullTime(rec.TimeoutAt),
		params,
		rec.Result,
		rec.CreatedAt,
		rec.UpdatedAt,
	}

	var id int64
	if s.dialect == DialectPostgres {
		err = s.db.QueryRowContext(ctx, s.q(query+" RETURNING id"), args...).Scan(&id)
	} else {
		var res sql.Result
		res, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			id, err = res.LastInsertId()
		}
	}
	if err != nil {
		err = mapDBError(err)
		recordSpanError(span, err)
		return 0, fmt.Errorf("failed to insert job record: %w", err)
	}

	rec.ID = id
	return id, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*JobRecord, error) {
	ctx, span := s.span(ctx, "Get", attribute.Int64("id", id))
	defer span.End()

	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+recordColumns+` FROM job_records WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if err != nil {
		err = mapDBError(err)
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to get job record %d: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) FindRunningByResource(ctx context.Context, resourceID string) (*JobRecord, error) {
	return s.findRunning(ctx, "resource_id", resourceID)
}

func (s *SQLStore) FindRunningBySession(ctx context.Context, sessionName string) (*JobRecord, error) {
	return s.findRunning(ctx, "session_name", sessionName)
}

func (s *SQLStore) findRunning(ctx context.Context, column, value string) (*JobRecord, error) {
	ctx, span := s.span(ctx, "FindRunning", attribute.String(column, value))
	defer span.End()

	query := `SELECT ` + recordColumns + `
		FROM job_records
		WHERE status = ? AND ` + column + ` = ?
		ORDER BY id
		LIMIT 1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, s.q(query), int(StatusRunning), value))
	if err != nil {
		err = mapDBError(err)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to find running job by %s: %w", column, err)
	}
	return rec, nil
}

func (s *SQLStore) CountWaiting(ctx context.Context, wq WaitingQuery) (int, error) {
	ctx, span := s.span(ctx, "CountWaiting")
	defer span.End()

	where := []string{"status = ?"}
	args := []any{int(StatusWaiting)}
	if wq.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, wq.ResourceID)
	}
	if wq.SessionName != "" {
		where = append(where, "session_name = ?")
		args = append(args, wq.SessionName)
	}
	if wq.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, wq.JobName)
	}
	if wq.PriorityAbove != nil {
		where = append(where, "priority > ?")
		args = append(args, *wq.PriorityAbove)
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM job_records WHERE %s", strings.Join(where, " AND "))
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&n); err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("failed to count waiting jobs: %w", err)
	}
	return n, nil
}

func (s *SQLStore) ListWaiting(ctx context.Context) ([]*JobRecord, error) {
	ctx, span := s.span(ctx, "ListWaiting")
	defer span.End()

	query := `SELECT ` + recordColumns + `
		FROM job_records
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC, id ASC`
	recs, err := s.queryRecords(ctx, s.q(query), int(StatusWaiting))
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list waiting jobs: %w", err)
	}
	return recs, nil
}

func (s *SQLStore) Transition(ctx context.Context, id int64, from, to JobStatus, f TransitionFields) (bool, error) {
	ctx, span := s.span(ctx, "Transition",
		attribute.Int64("id", id),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	)
	defer span.End()

	setClauses := []string{
		"status = ?",
		"updated_at = ?",
	}
	args := []any{
		int(to),
		f.Now,
	}
	if f.Result != nil {
		setClauses = append(setClauses, "result = ?")
		args = append(args, *f.Result)
	}
	if f.Description != nil {
		setClauses = append(setClauses, "description = ?")
		args = append(args, *f.Description)
	}
	if f.TimeoutAt != nil {
		setClauses = append(setClauses, "timeout_at = ?")
		args = append(args, *f.TimeoutAt)
	}
	args = append(args, id, int(from))

	query := fmt.Sprintf("UPDATE job_records SET %s WHERE id = ? AND status = ?", strings.Join(setClauses, ", "))
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		err = mapDBError(err)
		recordSpanError(span, err)
		return false, fmt.Errorf("failed to move job %d to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		recordSpanError(span, err)
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) ExpireRunning(ctx context.Context, now time.Time, result string) (int64, error) {
	return s.expire(ctx, StatusRunning, StatusTimeout, now, result)
}

func (s *SQLStore) ExpireWaiting(ctx context.Context, now time.Time, result string) (int64, error) {
	return s.expire(ctx, StatusWaiting, StatusCancelled, now, result)
}

func (s *SQLStore) expire(ctx context.Context, from, to JobStatus, now time.Time, result string) (int64, error) {
	ctx, span := s.span(ctx, "Expire", attribute.String("from", from.String()))
	defer span.End()

	stmt := `UPDATE job_records
		SET
		  status = ?,
		  result = ?,
		  updated_at = ?
		WHERE status = ? AND timeout_at IS NOT NULL AND timeout_at < ?`
	res, err := s.db.ExecContext(ctx, s.q(stmt), int(to), result, now, int(from), now)
	if err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("failed to expire %s jobs: %w", from, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *SQLStore) ListRecent(ctx context.Context, f ListFilter) ([]*JobRecord, error) {
	ctx, span := s.span(ctx, "ListRecent")
	defer span.End()

	var where []string
	var args []any
	if f.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.SessionName != "" {
		where = append(where, "session_name = ?")
		args = append(args, f.SessionName)
	}
	if f.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, f.JobName)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT ` + recordColumns + ` FROM job_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	recs, err := s.queryRecords(ctx, s.q(query), args...)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("failed to list job records: %w", err)
	}
	return recs, nil
}

// EnforceExclusive installs partial unique indexes over RUNNING rows.
func (s *SQLStore) EnforceExclusive(ctx context.Context) error {
	if !s.dialect.supportsPartialIndex() {
		return fmt.Errorf("%s: %w", s.dialect, ErrStrictUnsupported)
	}
	ctx, span := s.span(ctx, "EnforceExclusive")
	defer span.End()

	stmts := []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ux_job_records_running_resource
			ON job_records (resource_id) WHERE status = %d AND resource_id <> ''`, StatusRunning),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS ux_job_records_running_session
			ON job_records (session_name) WHERE status = %d AND session_name <> ''`, StatusRunning),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			recordSpanError(span, err)
			return fmt.Errorf("create exclusive index: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*JobRecord, error) {
	var (
		rec       JobRecord
		status    int
		timeoutAt sql.NullTime
		params    []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.JobName,
		&rec.Description,
		&rec.ResourceID,
		&rec.SessionName,
		&status,
		&rec.Priority,
		&rec.TimeoutSeconds,
		&timeoutAt,
		&params,
		&rec.Result,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = JobStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if timeoutAt.Valid {
		t := timeoutAt.Time.UTC()
		rec.TimeoutAt = &t
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &rec.ExtraParams); err != nil {
			return nil, fmt.Errorf("unmarshal extra_params: %w", err)
		}
	}
	return &rec, nil
}

func encodeParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal extra_params: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
