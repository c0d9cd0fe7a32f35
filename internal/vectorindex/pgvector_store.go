package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type vectorCollection struct {
	Name       string    `gorm:"primaryKey"`
	Dimensions int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (vectorCollection) TableName() string { return "vector_collections" }

type chunkEmbedding struct {
	Collection string          `gorm:"primaryKey"`
	ChunkID    string          `gorm:"primaryKey"`
	BookID     string          `gorm:"not null;index"`
	Content    string          `gorm:"type:text;not null"`
	Metadata   datatypes.JSON  `gorm:"type:jsonb"`
	Embedding  pgvector.Vector `gorm:"type:vector"`
	CreatedAt  time.Time       `gorm:"not null"`
}

func (chunkEmbedding) TableName() string { return "chunk_embeddings" }

type pgMatch struct {
	ChunkID  string
	Content  string
	Metadata datatypes.JSON
	Distance float64
}

// PGVectorStore keeps vectors in Postgres using the pgvector extension.
type PGVectorStore struct {
	db *gorm.DB
}

// OpenPGVectorStore connects to Postgres, enables the vector extension, and
// migrates the embedding tables.
func OpenPGVectorStore(ctx context.Context, dsn string) (*PGVectorStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect pgvector: %w", err)
	}
	store := &PGVectorStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (s *PGVectorStore) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("enable vector extension: %w", err)
	}
	if err := db.AutoMigrate(&vectorCollection{}, &chunkEmbedding{}); err != nil {
		return fmt.Errorf("migrate vector tables: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGVectorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// EnsureCollection registers the collection when missing.
func (s *PGVectorStore) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	row := vectorCollection{Name: name, Dimensions: dimensions, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	return nil
}

func (s *PGVectorStore) collection(ctx context.Context, tx *gorm.DB, name string) (*vectorCollection, error) {
	var row vectorCollection
	err := tx.WithContext(ctx).Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", name, ErrCollectionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read collection %s: %w", name, err)
	}
	return &row, nil
}

// Upsert writes records, replacing rows with the same chunk id.
func (s *PGVectorStore) Upsert(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		coll, err := s.collection(ctx, tx, collection)
		if err != nil {
			return err
		}
		dims := coll.Dimensions
		if dims == 0 {
			dims = len(records[0].Vector)
			if err := tx.Model(coll).Update("dimensions", dims).Error; err != nil {
				return fmt.Errorf("fix collection dimensions: %w", err)
			}
		}

		now := time.Now().UTC()
		rows := make([]chunkEmbedding, 0, len(records))
		for _, rec := range records {
			if len(rec.Vector) != dims {
				return fmt.Errorf("record %s has %d dimensions, collection has %d: %w", rec.ID, len(rec.Vector), dims, ErrDimensionMismatch)
			}
			meta, err := json.Marshal(rec.Metadata)
			if err != nil {
				return fmt.Errorf("encode metadata: %w", err)
			}
			rows = append(rows, chunkEmbedding{
				Collection: collection,
				ChunkID:    rec.ID,
				BookID:     rec.Metadata.BookID,
				Content:    rec.Content,
				Metadata:   datatypes.JSON(meta),
				Embedding:  pgvector.NewVector(rec.Vector),
				CreatedAt:  now,
			})
		}
		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "chunk_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"book_id", "content", "metadata", "embedding"}),
		}).Create(&rows).Error
		if err != nil {
			return fmt.Errorf("upsert embeddings: %w", err)
		}
		return nil
	})
}

// Query returns the k nearest records by the pgvector cosine distance operator.
func (s *PGVectorStore) Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	coll, err := s.collection(ctx, s.db, collection)
	if err != nil {
		return nil, err
	}
	if coll.Dimensions != 0 && len(vector) != coll.Dimensions {
		return nil, fmt.Errorf("query has %d dimensions, collection has %d: %w", len(vector), coll.Dimensions, ErrDimensionMismatch)
	}

	var rows []pgMatch
	err = s.db.WithContext(ctx).
		Model(&chunkEmbedding{}).
		Select("chunk_id, content, metadata, embedding <=> ? AS distance", pgvector.NewVector(vector)).
		Where("collection = ?", collection).
		Order("distance").
		Limit(k).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", collection, err)
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		m := Match{ID: row.ChunkID, Content: row.Content, Distance: row.Distance}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", row.ChunkID, err)
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// DeleteCollection removes the collection and its embeddings. Missing
// collections are ignored.
func (s *PGVectorStore) DeleteCollection(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", name).Delete(&chunkEmbedding{}).Error; err != nil {
			return fmt.Errorf("delete embeddings for %s: %w", name, err)
		}
		if err := tx.Where("name = ?", name).Delete(&vectorCollection{}).Error; err != nil {
			return fmt.Errorf("delete collection %s: %w", name, err)
		}
		return nil
	})
}
