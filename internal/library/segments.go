package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lectern/internal/sqlitedb"
)

const segmentColumnList = "id, book_id, model, file_ino, text, start_time, end_time"

func scanSegment(scanner interface{ Scan(dest ...any) error }) (Segment, error) {
	var (
		seg     Segment
		fileIno sql.NullString
	)
	if err := scanner.Scan(&seg.ID, &seg.BookID, &seg.Model, &fileIno, &seg.Text, &seg.StartMs, &seg.EndMs); err != nil {
		return Segment{}, err
	}
	seg.FileIno = fileIno.String
	return seg, nil
}

// ReplaceSegments deletes every transcript segment of the book and inserts
// segments in one transaction, provided the book is still at generation. It
// reports whether the replacement applied.
func (s *Store) ReplaceSegments(ctx context.Context, bookID, model string, generation int64, segments []Segment) (bool, error) {
	if bookID == "" {
		return false, errors.New("book id is required")
	}
	if strings.TrimSpace(model) == "" {
		return false, errors.New("model is required")
	}
	for i, seg := range segments {
		if seg.EndMs < seg.StartMs {
			return false, fmt.Errorf("segment %d ends before it starts", i)
		}
	}
	return s.atGeneration(ctx, bookID, generation, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_segments WHERE book_id = ?`, bookID); err != nil {
			return fmt.Errorf("delete segments: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO transcript_segments (book_id, model, file_ino, text, start_time, end_time) VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare segment insert: %w", err)
		}
		defer stmt.Close()
		for i, seg := range segments {
			if _, err := stmt.ExecContext(ctx, bookID, model, sqlitedb.NullableString(seg.FileIno), seg.Text, seg.StartMs, seg.EndMs); err != nil {
				return fmt.Errorf("insert segment %d: %w", i, err)
			}
		}
		return nil
	})
}

// Segments lists the book's segments ordered by start time. An empty model
// matches every model.
func (s *Store) Segments(ctx context.Context, bookID, model string) ([]Segment, error) {
	query := `SELECT ` + segmentColumnList + ` FROM transcript_segments WHERE book_id = ?`
	args := []any{bookID}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	query += ` ORDER BY start_time, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// NearestSegment returns the segment containing positionMs, or the segment
// whose start is closest to it. A book without segments returns nil.
func (s *Store) NearestSegment(ctx context.Context, bookID string, positionMs int64) (*Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+segmentColumnList+` FROM transcript_segments
         WHERE book_id = ? AND start_time <= ? AND end_time >= ?
         ORDER BY start_time DESC LIMIT 1`,
		bookID, positionMs, positionMs,
	)
	seg, err := scanSegment(row)
	if err == nil {
		return &seg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find containing segment: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT `+segmentColumnList+` FROM transcript_segments
         WHERE book_id = ?
         ORDER BY ABS(start_time - ?), start_time LIMIT 1`,
		bookID, positionMs,
	)
	seg, err = scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find nearest segment: %w", err)
	}
	return &seg, nil
}
