package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"lectern/internal/sqlitedb"
)

const stageColumnList = "book_id, stage, model, status, progress, error, started_at, completed_at, updated_at"

func scanStage(scanner interface{ Scan(dest ...any) error }) (StageProgress, error) {
	var (
		row                     StageProgress
		stage, status           string
		model, errMsg           sql.NullString
		progress                sql.NullFloat64
		startedRaw, completeRaw sql.NullString
		updatedRaw              string
	)
	if err := scanner.Scan(&row.BookID, &stage, &model, &status, &progress, &errMsg, &startedRaw, &completeRaw, &updatedRaw); err != nil {
		return StageProgress{}, err
	}
	row.Stage = Stage(stage)
	row.Status = Status(status)
	row.Model = model.String
	row.Error = errMsg.String
	if progress.Valid {
		v := progress.Float64
		row.Progress = &v
	}
	row.StartedAt = sqlitedb.ParseNullTime(startedRaw)
	row.CompletedAt = sqlitedb.ParseNullTime(completeRaw)
	if updated, err := sqlitedb.ParseTime(updatedRaw); err == nil {
		row.UpdatedAt = updated
	}
	return row, nil
}

// ResetStages replaces every progress row for the book with one pending row
// per requested stage. Untracked stages are ignored.
func (s *Store) ResetStages(ctx context.Context, bookID, model string, stages []Stage) error {
	if bookID == "" {
		return errors.New("book id is required")
	}
	ts := s.timestamp()
	return sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM stage_progress WHERE book_id = ?`, bookID); err != nil {
			return fmt.Errorf("delete stage rows: %w", err)
		}
		seen := map[Stage]struct{}{}
		for _, stage := range stages {
			if !stage.Tracked() {
				continue
			}
			if _, dup := seen[stage]; dup {
				continue
			}
			seen[stage] = struct{}{}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stage_progress (book_id, stage, model, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
				bookID, string(stage), sqlitedb.NullableString(model), StatusPending, ts,
			); err != nil {
				return fmt.Errorf("insert %s row: %w", stage, err)
			}
		}
		return nil
	})
}

// UpdateStageProgress upserts the (bookID, stage) row. A missing book or row is
// created rather than reported.
func (s *Store) UpdateStageProgress(ctx context.Context, bookID string, stage Stage, model string, update StageUpdate) error {
	return s.UpsertStage(ctx, bookID, stage, StageUpdate{}, update, model)
}

// StageProgress lists the book's progress rows in pipeline order.
func (s *Store) StageProgress(ctx context.Context, bookID string) ([]StageProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stageColumnList+` FROM stage_progress WHERE book_id = ?`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list stage progress: %w", err)
	}
	defer rows.Close()

	var out []StageProgress
	for rows.Next() {
		row, err := scanStage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage progress: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Stage.order() < out[j].Stage.order() })
	return out, nil
}

// Progress assembles the progress view of a book. CurrentStage is the first
// running stage, else the first failed, else the first pending.
func (s *Store) Progress(ctx context.Context, bookID string) (ProgressReport, error) {
	book, err := s.GetBook(ctx, bookID)
	if err != nil {
		return ProgressReport{}, err
	}
	stages, err := s.StageProgress(ctx, bookID)
	if err != nil {
		return ProgressReport{}, err
	}
	report := ProgressReport{Book: book, Stages: stages, Ready: book.Ready()}
	if report.Stages == nil {
		report.Stages = []StageProgress{}
	}
	for _, want := range []Status{StatusRunning, StatusFailed, StatusPending} {
		for _, row := range stages {
			if row.Status == want {
				report.CurrentStage = row.Stage
				return report, nil
			}
		}
	}
	return report, nil
}

// FailPending marks every pending stage row of the book failed with message.
func (s *Store) FailPending(ctx context.Context, bookID, message string) (int64, error) {
	ts := s.timestamp()
	res, err := s.exec(ctx,
		`UPDATE stage_progress SET status = ?, error = ?, completed_at = ?, updated_at = ?
         WHERE book_id = ? AND status = ?`,
		StatusFailed, sqlitedb.NullableString(message), ts, ts, bookID, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("fail pending stages: %w", err)
	}
	return res.RowsAffected()
}

// UpdateStageAt patches the (bookID, stage) row only while the book is at
// generation. It reports whether the write applied.
func (s *Store) UpdateStageAt(ctx context.Context, bookID string, stage Stage, model string, generation int64, update StageUpdate) (bool, error) {
	return s.atGeneration(ctx, bookID, generation, nil, func(tx *sql.Tx) error {
		return s.upsertStage(ctx, tx, bookID, stage, StageUpdate{}, update, model)
	})
}

// stageWrite applies a stage row patch and a flag value under generation in
// one transaction. Untracked stages skip the row; flagless stages skip the flag.
func (s *Store) stageWrite(ctx context.Context, bookID string, stage Stage, model string, generation int64, update StageUpdate, flagValue *bool) (bool, error) {
	var sets []column
	if flag, ok := stage.Flag(); ok && flagValue != nil {
		col, err := flag.column()
		if err != nil {
			return false, err
		}
		sets = append(sets, column{col, sqlitedb.BoolToInt(*flagValue)})
	}
	return s.atGeneration(ctx, bookID, generation, sets, func(tx *sql.Tx) error {
		if !stage.Tracked() {
			return nil
		}
		return s.upsertStage(ctx, tx, bookID, stage, StageUpdate{}, update, model)
	})
}

// BeginStage marks a stage running and clears its readiness flag. Nothing is
// written when the book has moved past generation; the result reports whether
// the write applied.
func (s *Store) BeginStage(ctx context.Context, bookID string, stage Stage, model string, generation int64) (bool, error) {
	now := s.now()
	cleared := false
	return s.stageWrite(ctx, bookID, stage, model, generation, StageUpdate{
		Status:      StatusPtr(StatusRunning),
		Progress:    Float64Ptr(0),
		Error:       StringPtr(""),
		StartedAt:   &now,
		CompletedAt: &time.Time{},
	}, &cleared)
}

// CompleteStage marks a stage completed and sets its readiness flag, both
// only while the book is at generation. It reports whether the write applied.
func (s *Store) CompleteStage(ctx context.Context, bookID string, stage Stage, model string, generation int64) (bool, error) {
	now := s.now()
	set := true
	return s.stageWrite(ctx, bookID, stage, model, generation, StageUpdate{
		Status:      StatusPtr(StatusCompleted),
		Progress:    Float64Ptr(100),
		Error:       StringPtr(""),
		CompletedAt: &now,
	}, &set)
}

// FailStage marks a stage failed with message while the book is at
// generation. Readiness flags are untouched.
func (s *Store) FailStage(ctx context.Context, bookID string, stage Stage, model, message string, generation int64) (bool, error) {
	if !stage.Tracked() {
		return false, nil
	}
	now := s.now()
	if message == "" {
		message = "stage failed"
	}
	return s.UpdateStageAt(ctx, bookID, stage, model, generation, StageUpdate{
		Status:      StatusPtr(StatusFailed),
		Error:       StringPtr(message),
		CompletedAt: &now,
	})
}
