package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"lectern/internal/chunker"
	"lectern/internal/logging"
	"lectern/internal/services"
)

const (
	defaultBatchSize          = 32
	defaultExpansionThreshold = 0.5
	expansionTermLimit        = 3
)

// Embedder turns texts into vectors. Implementations must be deterministic
// for a given model and return one vector per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Options tunes the adapter.
type Options struct {
	BatchSize          int
	Dimensions         int
	ExpansionThreshold float64
	Logger             *slog.Logger
}

// Result is one search hit.
type Result struct {
	ChunkID      string   `json:"chunkId"`
	Text         string   `json:"text"`
	StartMs      int64    `json:"startTime"`
	EndMs        int64    `json:"endTime"`
	ChapterIndex int      `json:"chapterIndex"`
	KeyPhrases   []string `json:"keyPhrases,omitempty"`
	Similarity   float64  `json:"similarity"`
}

// Adapter maintains one collection per book.
type Adapter struct {
	embedder  Embedder
	store     Store
	batchSize int
	dims      int
	threshold float64
	logger    *slog.Logger
}

// New builds an adapter over an embedder and a store.
func New(embedder Embedder, store Store, opts Options) *Adapter {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.ExpansionThreshold <= 0 {
		opts.ExpansionThreshold = defaultExpansionThreshold
	}
	return &Adapter{
		embedder:  embedder,
		store:     store,
		batchSize: opts.BatchSize,
		dims:      opts.Dimensions,
		threshold: opts.ExpansionThreshold,
		logger:    logging.NewComponentLogger(opts.Logger, "vectorindex"),
	}
}

// CollectionName returns the collection holding a book's vectors.
func CollectionName(bookID string) string {
	return "audiobook_" + bookID
}

// Initialize ensures the book's collection exists. It is safe to call repeatedly.
func (a *Adapter) Initialize(ctx context.Context, bookID string) error {
	if err := a.store.EnsureCollection(ctx, CollectionName(bookID), a.dims); err != nil {
		return services.Wrap(services.ErrTransient, "vectorize", "initialize collection", bookID, err)
	}
	return nil
}

// ClearCollection deletes every vector for the book. A missing collection is not an error.
func (a *Adapter) ClearCollection(ctx context.Context, bookID string) error {
	if err := a.store.DeleteCollection(ctx, CollectionName(bookID)); err != nil {
		return services.Wrap(services.ErrTransient, "vectorize", "clear collection", bookID, err)
	}
	a.logger.Debug("collection cleared", logging.BookID(bookID))
	return nil
}

// AddChunks embeds chunk text in batches and upserts the vectors. An embedding
// failure aborts the call with a retryable error; vectors from earlier batches
// stay in place until the caller clears the collection.
func (a *Adapter) AddChunks(ctx context.Context, bookID string, chunks []chunker.Chunk) error {
	collection := CollectionName(bookID)
	for start := 0; start < len(chunks); start += a.batchSize {
		end := min(start+a.batchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := a.embedder.Embed(ctx, texts)
		if err != nil {
			return services.Wrap(services.ErrTransient, "vectorize", "embed chunks", fmt.Sprintf("batch %d-%d", start, end-1), err)
		}
		if len(vectors) != len(batch) {
			return services.Wrap(services.ErrTransient, "vectorize", "embed chunks",
				fmt.Sprintf("embedder returned %d vectors for %d texts", len(vectors), len(batch)), nil)
		}

		records := make([]Record, len(batch))
		for i, c := range batch {
			records[i] = Record{
				ID:      c.ID,
				Content: c.Text,
				Vector:  vectors[i],
				Metadata: Metadata{
					BookID:       bookID,
					StartTime:    c.StartMs,
					EndTime:      c.EndMs,
					ChapterIndex: c.ChapterIndex,
					LineCount:    c.LineCount,
					WordCount:    c.WordCount,
					KeyPhrases:   c.KeyPhrases,
				},
			}
		}
		if err := a.store.Upsert(ctx, collection, records); err != nil {
			marker := services.ErrTransient
			if errors.Is(err, ErrDimensionMismatch) {
				marker = services.ErrConfiguration
			}
			return services.Wrap(marker, "vectorize", "store vectors", collection, err)
		}
		a.logger.Debug("chunk batch stored",
			logging.BookID(bookID),
			logging.Int("batch_start", start),
			logging.Int("batch_size", len(batch)),
		)
	}
	return nil
}

// SearchSimilar returns the k chunks nearest to query, most similar first.
func (a *Adapter) SearchSimilar(ctx context.Context, bookID, query string, k int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, services.Wrap(services.ErrValidation, "search", "query", "query is empty", nil)
	}
	if k <= 0 {
		k = 3
	}
	vectors, err := a.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "search", "embed query", "", err)
	}
	if len(vectors) != 1 {
		return nil, services.Wrap(services.ErrTransient, "search", "embed query", fmt.Sprintf("embedder returned %d vectors", len(vectors)), nil)
	}
	matches, err := a.store.Query(ctx, CollectionName(bookID), vectors[0], k)
	if err != nil {
		if errors.Is(err, ErrCollectionNotFound) {
			return nil, services.Wrap(services.ErrNotFound, "search", "query collection", bookID+" has not been vectorized", err)
		}
		return nil, services.Wrap(services.ErrTransient, "search", "query collection", bookID, err)
	}
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		results = append(results, Result{
			ChunkID:      m.ID,
			Text:         m.Content,
			StartMs:      m.Metadata.StartTime,
			EndMs:        m.Metadata.EndTime,
			ChapterIndex: m.Metadata.ChapterIndex,
			KeyPhrases:   m.Metadata.KeyPhrases,
			Similarity:   1 - m.Distance,
		})
	}
	return results, nil
}

// SearchWithExpansion runs SearchSimilar and, when nothing comes back or the
// best hit is below the expansion threshold, re-queries with the query's key
// terms. Both result sets are merged, deduplicated by start time keeping the
// better score, and capped at k.
func (a *Adapter) SearchWithExpansion(ctx context.Context, bookID, query string, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}
	primary, err := a.SearchSimilar(ctx, bookID, query, k)
	if err != nil {
		return nil, err
	}
	if len(primary) > 0 && primary[0].Similarity >= a.threshold {
		return primary, nil
	}

	terms := expansionTerms(query)
	if terms == "" || terms == strings.ToLower(strings.TrimSpace(query)) {
		return primary, nil
	}
	expanded, err := a.SearchSimilar(ctx, bookID, terms, k)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("search expanded",
		logging.BookID(bookID),
		logging.String("expanded_query", terms),
		logging.Int("primary_hits", len(primary)),
		logging.Int("expanded_hits", len(expanded)),
	)

	seen := map[int64]int{}
	merged := make([]Result, 0, len(primary)+len(expanded))
	for _, set := range [][]Result{primary, expanded} {
		for _, r := range set {
			if i, dup := seen[r.StartMs]; dup {
				if r.Similarity > merged[i].Similarity {
					merged[i] = r
				}
				continue
			}
			seen[r.StartMs] = len(merged)
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Similarity > merged[j].Similarity })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// expansionTerms keeps the first few words longer than three characters.
func expansionTerms(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '_' && r < 0x80
	})
	terms := make([]string, 0, expansionTermLimit)
	for _, w := range words {
		if len([]rune(w)) <= 3 {
			continue
		}
		terms = append(terms, w)
		if len(terms) == expansionTermLimit {
			break
		}
	}
	return strings.Join(terms, " ")
}
