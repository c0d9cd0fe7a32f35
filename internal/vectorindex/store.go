package vectorindex

import (
	"context"
	"errors"
	"math"
)

// ErrDimensionMismatch is returned when a vector's length disagrees with its collection.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrCollectionNotFound is returned when querying or writing a missing collection.
var ErrCollectionNotFound = errors.New("collection not found")

// Metadata describes the transcript span a vector was computed from.
type Metadata struct {
	BookID       string   `json:"bookId"`
	StartTime    int64    `json:"startTime"`
	EndTime      int64    `json:"endTime"`
	ChapterIndex int      `json:"chapterIndex"`
	LineCount    int      `json:"lineCount"`
	WordCount    int      `json:"wordCount"`
	KeyPhrases   []string `json:"keyPhrases,omitempty"`
}

// Record is one stored vector.
type Record struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata Metadata
}

// Match is one query hit. Distance is cosine distance in [0, 2].
type Match struct {
	ID       string
	Content  string
	Distance float64
	Metadata Metadata
}

// Store is a collection-scoped vector store.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dimensions int) error
	Upsert(ctx context.Context, collection string, records []Record) error
	Query(ctx context.Context, collection string, vector []float32, k int) ([]Match, error)
	DeleteCollection(ctx context.Context, name string) error
	Close() error
}

// cosineDistance returns 1 - cos(a, b). Zero vectors are maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
