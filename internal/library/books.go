package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"lectern/internal/sqlitedb"
)

const bookColumnList = "id, title, model, downloaded, audio_processed, transcribed, vectorized, favorite, setup, duration_seconds, generation, created_at, updated_at"

func scanBook(scanner interface{ Scan(dest ...any) error }) (*Book, error) {
	var (
		book                                    Book
		title, model                            sql.NullString
		downloaded, processed, transcribed, vec int64
		favorite, setup                         int64
		createdRaw, updatedRaw                  string
	)
	if err := scanner.Scan(
		&book.ID, &title, &model,
		&downloaded, &processed, &transcribed, &vec,
		&favorite, &setup, &book.DurationSeconds, &book.Generation,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}
	book.Title = title.String
	book.Model = model.String
	book.Downloaded = downloaded != 0
	book.AudioProcessed = processed != 0
	book.Transcribed = transcribed != 0
	book.Vectorized = vec != 0
	book.Favorite = favorite != 0
	book.Setup = setup != 0
	if created, err := sqlitedb.ParseTime(createdRaw); err == nil {
		book.CreatedAt = created
	}
	if updated, err := sqlitedb.ParseTime(updatedRaw); err == nil {
		book.UpdatedAt = updated
	}
	return &book, nil
}

// ResetBook prepares a book for a fresh setup run: it upserts the row, stamps
// the model, clears setup and all readiness flags, and bumps the generation.
// The new generation is returned.
func (s *Store) ResetBook(ctx context.Context, bookID, model string) (int64, error) {
	if bookID == "" {
		return 0, errors.New("book id is required")
	}
	ts := s.timestamp()
	var generation int64
	err := sqlitedb.RetryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`INSERT INTO books (id, model, setup, downloaded, audio_processed, transcribed, vectorized, generation, created_at, updated_at)
             VALUES (?, ?, 0, 0, 0, 0, 0, 1, ?, ?)
             ON CONFLICT(id) DO UPDATE SET
                model = excluded.model,
                setup = 0,
                downloaded = 0,
                audio_processed = 0,
                transcribed = 0,
                vectorized = 0,
                generation = books.generation + 1,
                updated_at = excluded.updated_at
             RETURNING generation`,
			bookID, sqlitedb.NullableString(model), ts, ts,
		).Scan(&generation)
	})
	if err != nil {
		return 0, fmt.Errorf("reset book: %w", err)
	}
	return generation, nil
}

// UpdateBookStatus patches a book, creating it when missing.
func (s *Store) UpdateBookStatus(ctx context.Context, bookID string, update BookUpdate) error {
	return s.UpsertBook(ctx, bookID, BookUpdate{}, update)
}

// RecomputeSetup sets the aggregate setup flag: true iff the book has at least
// one stage row and every stage row is completed.
func (s *Store) RecomputeSetup(ctx context.Context, bookID string) (bool, error) {
	var total, completed int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
         FROM stage_progress WHERE book_id = ?`,
		StatusCompleted, bookID,
	).Scan(&total, &completed)
	if err != nil {
		return false, fmt.Errorf("count stage rows: %w", err)
	}
	setup := total > 0 && total == completed
	if _, err := s.exec(ctx,
		`UPDATE books SET setup = ?, updated_at = ? WHERE id = ?`,
		sqlitedb.BoolToInt(setup), s.timestamp(), bookID,
	); err != nil {
		return false, fmt.Errorf("update setup flag: %w", err)
	}
	return setup, nil
}

// SetFlag sets a readiness flag only when generation matches the book's
// current generation. It reports whether the write applied.
func (s *Store) SetFlag(ctx context.Context, bookID string, flag Flag, value bool, generation int64) (bool, error) {
	col, err := flag.column()
	if err != nil {
		return false, err
	}
	applied, err := s.atGeneration(ctx, bookID, generation, []column{{col, sqlitedb.BoolToInt(value)}}, nil)
	if err != nil {
		return false, fmt.Errorf("set %s flag: %w", col, err)
	}
	return applied, nil
}

// CurrentGeneration returns the book's setup generation, or zero when the book
// does not exist.
func (s *Store) CurrentGeneration(ctx context.Context, bookID string) (int64, error) {
	var generation int64
	err := s.db.QueryRowContext(ctx, `SELECT generation FROM books WHERE id = ?`, bookID).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read generation: %w", err)
	}
	return generation, nil
}

// GetBook fetches a book. A missing book returns nil without error.
func (s *Store) GetBook(ctx context.Context, bookID string) (*Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumnList+` FROM books WHERE id = ?`, bookID)
	book, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

// ListBooks returns every book, favorites first then most recently updated.
func (s *Store) ListBooks(ctx context.Context) ([]*Book, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bookColumnList+` FROM books ORDER BY favorite DESC, updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []*Book
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, book)
	}
	return books, rows.Err()
}

// SetFavorite toggles the favorite flag on an existing book.
func (s *Store) SetFavorite(ctx context.Context, bookID string, favorite bool) error {
	res, err := s.exec(ctx,
		`UPDATE books SET favorite = ?, updated_at = ? WHERE id = ?`,
		sqlitedb.BoolToInt(favorite), s.timestamp(), bookID,
	)
	if err != nil {
		return fmt.Errorf("set favorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("book %s: %w", bookID, ErrBookNotFound)
	}
	return nil
}

// DeleteBook removes a book with its stage rows and transcript segments.
func (s *Store) DeleteBook(ctx context.Context, bookID string) error {
	if _, err := s.exec(ctx, `DELETE FROM books WHERE id = ?`, bookID); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	return nil
}

// ErrBookNotFound is returned by operations that require an existing book.
var ErrBookNotFound = errors.New("book not found")
