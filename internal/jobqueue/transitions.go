package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lectern/internal/sqlitedb"
)

// Claim atomically takes the next runnable job on queue. It returns nil when
// nothing is ready.
func (s *Store) Claim(ctx context.Context, queue string) (*Job, error) {
	ctx = sqlitedb.EnsureContext(ctx)
	ts := s.timestamp()
	var job *Job
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `UPDATE jobs
            SET status = ?, attempts_made = attempts_made + 1, started_at = ?, heartbeat_at = ?, finished_at = NULL
            WHERE id = (
                SELECT id FROM jobs
                WHERE queue = ? AND status IN (?, ?) AND pending_children = 0 AND run_at <= ?
                ORDER BY priority DESC, created_at ASC, rowid ASC
                LIMIT 1
            ) AND status IN (?, ?)
            RETURNING `+jobColumns,
			string(StatusActive), ts, ts,
			queue, string(StatusWaiting), string(StatusDelayed), ts,
			string(StatusWaiting), string(StatusDelayed),
		)
		claimed, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			job = nil
			return nil
		}
		job = claimed
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", queue, err)
	}
	return job, nil
}

// Heartbeat stamps an active job so it is not reclaimed.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	if _, err := sqlitedb.Exec(ctx, s.db,
		`UPDATE jobs SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		s.timestamp(), id, string(StatusActive),
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// Complete marks an active job completed and releases its parent. Completing
// a job that was cancelled meanwhile is a no-op.
func (s *Store) Complete(ctx context.Context, id string) error {
	ts := s.timestamp()
	released := false
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		released = false
		var parentID sql.NullString
		err := tx.QueryRowContext(ctx, `UPDATE jobs
            SET status = ?, finished_at = ?, heartbeat_at = NULL, last_error = NULL
            WHERE id = ? AND status = ?
            RETURNING parent_id`,
			string(StatusCompleted), ts, id, string(StatusActive),
		).Scan(&parentID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if !parentID.Valid {
			return nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE jobs
            SET pending_children = MAX(pending_children - 1, 0), run_at = ?
            WHERE id = ? AND status IN (?, ?)`,
			ts, parentID.String, string(StatusWaiting), string(StatusDelayed),
		)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		released = n > 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if released {
		s.wake()
	}
	return nil
}

// Fail records a failed attempt. Retryable failures with attempts left are
// delayed by backoff * 2^(attempts_made-1); anything else is terminal and
// blocks every ancestor. The resulting status is returned.
func (s *Store) Fail(ctx context.Context, id string, cause error, retryable bool) (Status, error) {
	msg := "failed"
	if cause != nil {
		msg = truncateError(cause.Error())
	}
	now := s.now()
	var result Status
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != StatusActive {
			result = job.Status
			return nil
		}
		if retryable && job.AttemptsMade < job.MaxAttempts {
			delay := backoffDelay(job.Backoff, job.AttemptsMade)
			result = StatusDelayed
			_, err := tx.ExecContext(ctx, `UPDATE jobs
                SET status = ?, run_at = ?, last_error = ?, heartbeat_at = NULL
                WHERE id = ?`,
				string(StatusDelayed), sqlitedb.FormatTime(now.Add(delay)), msg, id,
			)
			return err
		}
		result = StatusFailed
		if _, err := tx.ExecContext(ctx, `UPDATE jobs
            SET status = ?, last_error = ?, finished_at = ?, heartbeat_at = NULL
            WHERE id = ?`,
			string(StatusFailed), msg, sqlitedb.FormatTime(now), id,
		); err != nil {
			return err
		}
		return blockAncestors(ctx, tx, job.ParentID, fmt.Sprintf("%s job %s failed: %s", job.Queue, job.ID, msg))
	})
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", id, err)
	}
	return result, nil
}

func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 || attemptsMade <= 0 {
		return 0
	}
	shift := min(attemptsMade-1, 20)
	return base * time.Duration(1<<shift)
}

func blockAncestors(ctx context.Context, tx *sql.Tx, parentID, reason string) error {
	for parentID != "" {
		var next sql.NullString
		err := tx.QueryRowContext(ctx, `UPDATE jobs SET status = ?, last_error = ?
            WHERE id = ? AND status IN (?, ?)
            RETURNING parent_id`,
			string(StatusBlocked), reason, parentID, string(StatusWaiting), string(StatusDelayed),
		).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		parentID = next.String
	}
	return nil
}

// Release returns an active job to the queue without consuming an attempt.
func (s *Store) Release(ctx context.Context, id string) error {
	if _, err := sqlitedb.Exec(ctx, s.db, `UPDATE jobs
        SET status = ?, run_at = ?, attempts_made = MAX(attempts_made - 1, 0),
            heartbeat_at = NULL, started_at = NULL
        WHERE id = ? AND status = ?`,
		string(StatusDelayed), s.timestamp(), id, string(StatusActive),
	); err != nil {
		return fmt.Errorf("release job %s: %w", id, err)
	}
	return nil
}

// ReclaimStale returns active jobs whose heartbeat is older than cutoff to the
// queue without consuming an attempt.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := sqlitedb.Exec(ctx, s.db, `UPDATE jobs
        SET status = ?, run_at = ?, attempts_made = MAX(attempts_made - 1, 0),
            heartbeat_at = NULL, started_at = NULL
        WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)`,
		string(StatusDelayed), s.timestamp(), string(StatusActive), sqlitedb.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.wake()
	}
	return n, nil
}

// ResetActive returns every active job to the queue. Called on startup, when
// no worker of this process can still own a job.
func (s *Store) ResetActive(ctx context.Context) (int64, error) {
	return s.ReclaimStale(ctx, s.now().Add(time.Hour*24*365))
}
