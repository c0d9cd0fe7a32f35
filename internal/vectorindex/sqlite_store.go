package vectorindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"lectern/internal/sqlitedb"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
    name TEXT PRIMARY KEY,
    dimensions INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vectors (
    collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
    id TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL,
    embedding BLOB NOT NULL,
    PRIMARY KEY (collection, id)
);
`

const sqliteSchemaVersion = 1

// SQLiteStore keeps vectors in an embedded SQLite database and ranks them by
// scanning the collection.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens or creates the vector database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, err
	}
	if err := sqlitedb.EnsureSchema(context.Background(), db, sqliteSchema, sqliteSchemaVersion, path); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureCollection creates the collection when missing. A zero dimension
// accepts any vector length until the first write fixes it.
func (s *SQLiteStore) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	_, err := sqlitedb.Exec(ctx, s.db,
		`INSERT INTO collections (name, dimensions, created_at) VALUES (?, ?, ?)
         ON CONFLICT(name) DO NOTHING`,
		name, dimensions, sqlitedb.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) dimensions(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, name string) (int, error) {
	var dims int
	err := q.QueryRowContext(ctx, `SELECT dimensions FROM collections WHERE name = ?`, name).Scan(&dims)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", name, ErrCollectionNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read collection %s: %w", name, err)
	}
	return dims, nil
}

// Upsert writes records into the collection, replacing rows with the same id.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return sqlitedb.InTx(ctx, s.db, func(tx *sql.Tx) error {
		dims, err := s.dimensions(ctx, tx, collection)
		if err != nil {
			return err
		}
		if dims == 0 {
			dims = len(records[0].Vector)
			if _, err := tx.ExecContext(ctx, `UPDATE collections SET dimensions = ? WHERE name = ?`, dims, collection); err != nil {
				return fmt.Errorf("fix collection dimensions: %w", err)
			}
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO vectors (collection, id, content, metadata, embedding) VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(collection, id) DO UPDATE SET
                content = excluded.content, metadata = excluded.metadata, embedding = excluded.embedding`)
		if err != nil {
			return fmt.Errorf("prepare vector upsert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if len(rec.Vector) != dims {
				return fmt.Errorf("record %s has %d dimensions, collection has %d: %w", rec.ID, len(rec.Vector), dims, ErrDimensionMismatch)
			}
			meta, err := json.Marshal(rec.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, collection, rec.ID, rec.Content, string(meta), encodeVector(rec.Vector)); err != nil {
				return fmt.Errorf("upsert vector %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// Query returns the k records closest to vector by cosine distance.
func (s *SQLiteStore) Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	dims, err := s.dimensions(ctx, s.db, collection)
	if err != nil {
		return nil, err
	}
	if dims != 0 && len(vector) != dims {
		return nil, fmt.Errorf("query has %d dimensions, collection has %d: %w", len(vector), dims, ErrDimensionMismatch)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, metadata, embedding FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("scan collection %s: %w", collection, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m       Match
			metaRaw string
			blob    []byte
		)
		if err := rows.Scan(&m.ID, &m.Content, &metaRaw, &blob); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		if err := json.Unmarshal([]byte(metaRaw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
		}
		m.Distance = cosineDistance(vector, decodeVector(blob))
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].Metadata.StartTime < matches[j].Metadata.StartTime
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// DeleteCollection removes the collection and its vectors. Missing
// collections are ignored.
func (s *SQLiteStore) DeleteCollection(ctx context.Context, name string) error {
	if _, err := sqlitedb.Exec(ctx, s.db, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

// Count returns the number of vectors stored in a collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
