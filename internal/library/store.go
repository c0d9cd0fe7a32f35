package library

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"lectern/internal/config"
	"lectern/internal/sqlitedb"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = sqlitedb.ErrSchemaMismatch

// Store manages book and stage progress persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open initializes or connects to the library database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.LibraryDBPath())
}

// OpenPath opens the library database at an explicit path.
func OpenPath(path string) (*Store, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, path: path, now: time.Now}
	if err := sqlitedb.EnsureSchema(context.Background(), db, schemaSQL, schemaVersion, path); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
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

func (s *Store) timestamp() string {
	return sqlitedb.FormatTime(s.now())
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return sqlitedb.Exec(ctx, s.db, query, args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ensureBook creates a bare book row when none exists.
func (s *Store) ensureBook(ctx context.Context, ex execer, bookID string) error {
	ts := s.timestamp()
	_, err := ex.ExecContext(ctx,
		`INSERT INTO books (id, created_at, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(id) DO NOTHING`,
		bookID, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("ensure book: %w", err)
	}
	return nil
}

// atGeneration runs fn in one transaction while the book is still at
// generation, applying sets to the book row first. The guard is the first
// write so the transaction holds the write lock before fn reads or writes.
// It reports whether the guard matched.
func (s *Store) atGeneration(ctx context.Context, bookID string, generation int64, sets []column, fn func(tx *sql.Tx) error) (bool, error) {
	assign := make([]string, 0, len(sets)+1)
	args := make([]any, 0, len(sets)+3)
	for _, col := range sets {
		assign = append(assign, col.name+" = ?")
		args = append(args, col.value)
	}
	assign = append(assign, "updated_at = ?")
	args = append(args, s.timestamp(), bookID, generation)
	query := `UPDATE books SET ` + strings.Join(assign, ", ") + ` WHERE id = ? AND generation = ?`

	var applied bool
	err := sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("check generation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		if fn != nil {
			if err := fn(tx); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// column is one patchable column and the value it takes.
type column struct {
	name  string
	value any
}

func bookColumns(u BookUpdate) []column {
	var cols []column
	if u.Title != nil {
		cols = append(cols, column{"title", sqlitedb.NullableString(*u.Title)})
	}
	if u.Model != nil {
		cols = append(cols, column{"model", sqlitedb.NullableString(*u.Model)})
	}
	if u.Setup != nil {
		cols = append(cols, column{"setup", sqlitedb.BoolToInt(*u.Setup)})
	}
	if u.Downloaded != nil {
		cols = append(cols, column{"downloaded", sqlitedb.BoolToInt(*u.Downloaded)})
	}
	if u.AudioProcessed != nil {
		cols = append(cols, column{"audio_processed", sqlitedb.BoolToInt(*u.AudioProcessed)})
	}
	if u.Transcribed != nil {
		cols = append(cols, column{"transcribed", sqlitedb.BoolToInt(*u.Transcribed)})
	}
	if u.Vectorized != nil {
		cols = append(cols, column{"vectorized", sqlitedb.BoolToInt(*u.Vectorized)})
	}
	if u.Favorite != nil {
		cols = append(cols, column{"favorite", sqlitedb.BoolToInt(*u.Favorite)})
	}
	if u.DurationSeconds != nil {
		cols = append(cols, column{"duration_seconds", *u.DurationSeconds})
	}
	return cols
}

func stageColumns(u StageUpdate) []column {
	var cols []column
	if u.Status != nil {
		cols = append(cols, column{"status", string(*u.Status)})
	}
	if u.Progress != nil {
		cols = append(cols, column{"progress", *u.Progress})
	}
	if u.Error != nil {
		cols = append(cols, column{"error", sqlitedb.NullableString(*u.Error)})
	}
	if u.StartedAt != nil {
		cols = append(cols, column{"started_at", sqlitedb.NullableTime(u.StartedAt)})
	}
	if u.CompletedAt != nil {
		cols = append(cols, column{"completed_at", sqlitedb.NullableTime(u.CompletedAt)})
	}
	return cols
}

// mergeColumns overlays patch on defaults. The returned insert set holds every
// column; the update set holds only the patch columns.
func mergeColumns(defaults, patch []column) (insert []column, update []string) {
	index := map[string]int{}
	for _, col := range defaults {
		index[col.name] = len(insert)
		insert = append(insert, col)
	}
	for _, col := range patch {
		if i, ok := index[col.name]; ok {
			insert[i] = col
		} else {
			index[col.name] = len(insert)
			insert = append(insert, col)
		}
		update = append(update, col.name)
	}
	return insert, update
}

// upsert builds and runs INSERT ... ON CONFLICT DO UPDATE for one row. Key
// columns are always inserted; defaults apply only to a new row; patch
// columns always apply.
func upsert(ctx context.Context, ex execer, table string, key []column, conflict string, defaults, patch []column, updatedAt string) error {
	insert, update := mergeColumns(defaults, patch)
	insert = append(append([]column{}, key...), insert...)
	insert = append(insert, column{"updated_at", updatedAt})
	update = append(update, "updated_at")

	names := make([]string, 0, len(insert))
	args := make([]any, 0, len(insert))
	for _, col := range insert {
		names = append(names, col.name)
		args = append(args, col.value)
	}
	sets := make([]string, 0, len(update))
	for _, name := range update {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", name, name))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		table, strings.Join(names, ", "), sqlitedb.Placeholders(len(names)), conflict, strings.Join(sets, ", "),
	)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// UpsertBook creates or patches a book. Defaults apply only when the row is
// created; patch fields always apply.
func (s *Store) UpsertBook(ctx context.Context, bookID string, defaults, patch BookUpdate) error {
	if strings.TrimSpace(bookID) == "" {
		return errors.New("book id is required")
	}
	ts := s.timestamp()
	key := []column{{"id", bookID}, {"created_at", ts}}
	return sqlitedb.RetryOnBusy(ctx, func() error {
		if err := upsert(ctx, s.db, "books", key, "id", bookColumns(defaults), bookColumns(patch), ts); err != nil {
			return fmt.Errorf("upsert book: %w", err)
		}
		return nil
	})
}

// UpsertStage creates or patches the progress row for (bookID, stage),
// creating the book row first when needed.
func (s *Store) UpsertStage(ctx context.Context, bookID string, stage Stage, defaults, patch StageUpdate, model string) error {
	if strings.TrimSpace(bookID) == "" {
		return errors.New("book id is required")
	}
	return sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.ensureBook(ctx, tx, bookID); err != nil {
			return err
		}
		return s.upsertStage(ctx, tx, bookID, stage, defaults, patch, model)
	})
}

func (s *Store) upsertStage(ctx context.Context, ex execer, bookID string, stage Stage, defaults, patch StageUpdate, model string) error {
	key := []column{{"book_id", bookID}, {"stage", string(stage)}}
	defaultCols := append([]column{{"status", string(StatusPending)}}, stageColumns(defaults)...)
	patchCols := stageColumns(patch)
	if model != "" {
		patchCols = append(patchCols, column{"model", model})
	}
	if err := upsert(ctx, ex, "stage_progress", key, "book_id, stage", defaultCols, patchCols, s.timestamp()); err != nil {
		return fmt.Errorf("upsert stage progress: %w", err)
	}
	return nil
}
