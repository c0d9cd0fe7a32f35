package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lectern/internal/sqlitedb"
)

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	ctx = sqlitedb.EnsureContext(ctx)
	return getJob(ctx, s.db, id)
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter Filter) ([]*Job, error) {
	ctx = sqlitedb.EnsureContext(ctx)
	var (
		where []string
		args  []any
	)
	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}
	if filter.BookID != "" {
		where = append(where, "book_id = ?")
		args = append(args, filter.BookID)
	}
	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if len(filter.Statuses) > 0 {
		placeholders, statusArgs := statusArgs(filter.Statuses)
		where = append(where, "status IN ("+placeholders+")")
		args = append(args, statusArgs...)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	jobs, err := queryJobs(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Stats counts jobs by queue and status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	ctx = sqlitedb.EnsureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT queue, status, COUNT(*) FROM jobs GROUP BY queue, status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	stats := make(Stats)
	for rows.Next() {
		var (
			queue, status string
			count         int
		)
		if err := rows.Scan(&queue, &status, &count); err != nil {
			return nil, err
		}
		if stats[queue] == nil {
			stats[queue] = make(map[Status]int)
		}
		stats[queue][Status(status)] = count
	}
	return stats, rows.Err()
}

// RetryJob re-queues a failed job, or every failed job beneath a blocked one,
// with attempts reset, and unblocks their ancestors.
func (s *Store) RetryJob(ctx context.Context, id string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	runAt := sqlitedb.FormatTime(s.now().Add(delay))
	status := StatusWaiting
	if delay > 0 {
		status = StatusDelayed
	}
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		var targets []*Job
		switch job.Status {
		case StatusFailed:
			targets = []*Job{job}
		case StatusBlocked:
			subtree, err := descendants(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			for _, d := range subtree {
				if d.Status == StatusFailed {
					targets = append(targets, d)
				}
			}
		}
		if len(targets) == 0 {
			return ErrNotRetryable
		}
		for _, target := range targets {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs
                SET status = ?, attempts_made = 0, run_at = ?, last_error = NULL,
                    started_at = NULL, finished_at = NULL, heartbeat_at = NULL
                WHERE id = ?`,
				string(status), runAt, target.ID,
			); err != nil {
				return err
			}
			if err := unblockAncestors(ctx, tx, target.ParentID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	s.wake()
	return nil
}

func unblockAncestors(ctx context.Context, tx *sql.Tx, parentID string) error {
	for parentID != "" {
		var next sql.NullString
		err := tx.QueryRowContext(ctx, `UPDATE jobs SET status = ?, last_error = NULL
            WHERE id = ? AND status = ?
            RETURNING parent_id`,
			string(StatusWaiting), parentID, string(StatusBlocked),
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

// CancelJob removes a pending job together with its pending descendants and
// pending ancestors for the same book. Active jobs are never touched; their
// completion later finds no parent to release.
func (s *Store) CancelJob(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		removed = 0
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status == StatusActive {
			return ErrJobActive
		}
		related, err := relatedJobs(ctx, tx, job)
		if err != nil {
			return err
		}
		ids := []string{}
		if job.Status.Pending() {
			ids = append(ids, job.ID)
		}
		for _, r := range related {
			if r.Status.Pending() && r.BookID == job.BookID {
				ids = append(ids, r.ID)
			}
		}
		removed, err = deleteIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return removed, nil
}

// DeleteJob removes a non-active job, its whole subtree, and any unfinished
// ancestors that could no longer complete.
func (s *Store) DeleteJob(ctx context.Context, id string) (int64, error) {
	var removed int64
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		removed = 0
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		subtree, err := descendants(ctx, tx, job.ID)
		if err != nil {
			return err
		}
		ids := []string{job.ID}
		for _, d := range append([]*Job{job}, subtree...) {
			if d.Status == StatusActive {
				return ErrJobActive
			}
			if d != job {
				ids = append(ids, d.ID)
			}
		}
		chain, err := ancestors(ctx, tx, job.ParentID)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.Status.Pending() {
				ids = append(ids, a.ID)
			}
		}
		removed, err = deleteIDs(ctx, tx, ids)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete job %s: %w", id, err)
	}
	return removed, nil
}

// CancelBook removes every pending job for a book across all queues.
// Active jobs finish; their parents are gone so nothing follows them.
func (s *Store) CancelBook(ctx context.Context, bookID string) (int64, error) {
	res, err := sqlitedb.Exec(ctx, s.db, `DELETE FROM jobs WHERE book_id = ? AND status IN (?, ?, ?)`,
		bookID, string(StatusWaiting), string(StatusDelayed), string(StatusBlocked),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel book %s: %w", bookID, err)
	}
	return res.RowsAffected()
}

// PurgeFinished deletes completed and failed flows whose every job finished
// before cutoff.
func (s *Store) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := sqlitedb.Exec(ctx, s.db, `DELETE FROM jobs WHERE flow_id IN (
            SELECT flow_id FROM jobs GROUP BY flow_id
            HAVING SUM(CASE WHEN status IN (?, ?) AND finished_at < ? THEN 0 ELSE 1 END) = 0
        )`,
		string(StatusCompleted), string(StatusFailed), sqlitedb.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge finished jobs: %w", err)
	}
	return res.RowsAffected()
}

func relatedJobs(ctx context.Context, q querier, job *Job) ([]*Job, error) {
	down, err := descendants(ctx, q, job.ID)
	if err != nil {
		return nil, err
	}
	up, err := ancestors(ctx, q, job.ParentID)
	if err != nil {
		return nil, err
	}
	return append(down, up...), nil
}

func descendants(ctx context.Context, q querier, id string) ([]*Job, error) {
	var out []*Job
	frontier := []string{id}
	for len(frontier) > 0 {
		args := make([]any, len(frontier))
		for i, f := range frontier {
			args[i] = f
		}
		children, err := queryJobs(ctx, q,
			`SELECT `+jobColumns+` FROM jobs WHERE parent_id IN (`+sqlitedb.Placeholders(len(frontier))+`)`, args...)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, c := range children {
			out = append(out, c)
			frontier = append(frontier, c.ID)
		}
	}
	return out, nil
}

func ancestors(ctx context.Context, q querier, parentID string) ([]*Job, error) {
	var out []*Job
	for parentID != "" {
		parent, err := getJob(ctx, q, parentID)
		if errors.Is(err, ErrJobNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		parentID = parent.ParentID
	}
	return out, nil
}

func deleteIDs(ctx context.Context, tx *sql.Tx, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+sqlitedb.Placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
