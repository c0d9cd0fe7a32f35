package jobqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lectern/internal/config"
	"lectern/internal/sqlitedb"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// Store manages job persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time

	mu     sync.RWMutex
	signal Signal
}

// Open initializes or connects to the queue database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.QueueDBPath())
}

// OpenPath opens the queue database at an explicit path.
func OpenPath(path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.EnsureSchema(context.Background(), db, schemaSQL, schemaVersion, path); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path, now: time.Now, signal: NewLocalSignal()}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// SetSignal replaces the wake signal, e.g. with a cross-process one.
func (s *Store) SetSignal(sig Signal) {
	if sig == nil {
		return
	}
	s.mu.Lock()
	s.signal = sig
	s.mu.Unlock()
}

// Signal returns the wake signal used by workers.
func (s *Store) Signal() Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.signal
}

func (s *Store) wake() {
	if sig := s.Signal(); sig != nil {
		sig.Notify()
	}
}

func (s *Store) timestamp() string {
	return sqlitedb.FormatTime(s.now())
}

const jobColumns = `id, flow_id, parent_id, queue, name, book_id, payload, status, pending_children,
    priority, attempts_made, max_attempts, backoff_ms, run_at, last_error, heartbeat_at,
    created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                          Job
		parentID, lastErr            sql.NullString
		payload, status              string
		backoffMs                    int64
		runAt, createdAt             string
		heartbeat, started, finished sql.NullString
	)
	if err := row.Scan(
		&job.ID, &job.FlowID, &parentID, &job.Queue, &job.Name, &job.BookID, &payload, &status,
		&job.PendingChildren, &job.Priority, &job.AttemptsMade, &job.MaxAttempts, &backoffMs,
		&runAt, &lastErr, &heartbeat, &createdAt, &started, &finished,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
	}
	job.ParentID = parentID.String
	job.LastError = lastErr.String
	job.Status = Status(status)
	job.Backoff = time.Duration(backoffMs) * time.Millisecond
	job.RunAt, _ = sqlitedb.ParseTime(runAt)
	job.CreatedAt, _ = sqlitedb.ParseTime(createdAt)
	job.HeartbeatAt = sqlitedb.ParseNullTime(heartbeat)
	job.StartedAt = sqlitedb.ParseNullTime(started)
	job.FinishedAt = sqlitedb.ParseNullTime(finished)
	return &job, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getJob(ctx context.Context, q querier, id string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func queryJobs(ctx context.Context, q querier, query string, args ...any) ([]*Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func statusArgs(statuses []Status) (string, []any) {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return sqlitedb.Placeholders(len(statuses)), args
}

func truncateError(msg string) string {
	msg = strings.TrimSpace(msg)
	const limit = 2000
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}
