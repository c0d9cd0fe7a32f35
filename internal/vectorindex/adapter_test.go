package vectorindex

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lectern/internal/chunker"
	"lectern/internal/services"
)

const testDims = 64

// wordEmbedder hashes each word into a bucket so texts sharing words are close.
type wordEmbedder struct {
	calls   int
	failOn  int
	batches []int
}

func (e *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	e.batches = append(e.batches, len(texts))
	if e.failOn > 0 && e.calls == e.failOn {
		return nil, errors.New("ollama: 503 service unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, testDims)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			vec[h.Sum32()%testDims]++
		}
		out[i] = vec
	}
	return out, nil
}

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "vectors.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testChunks() []chunker.Chunk {
	texts := []string{
		"the dragon burned the village",
		"a quiet morning in the library",
		"the knight rode toward the mountain pass",
		"dragon scales shimmered in moonlight",
		"the merchant counted his coins",
	}
	chunks := make([]chunker.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = chunker.Chunk{
			ID:           "chunk_" + string(rune('0'+i)),
			Index:        i,
			ChapterIndex: i / 3,
			Text:         text,
			StartMs:      int64(i) * 60_000,
			EndMs:        int64(i+1) * 60_000,
			LineCount:    3,
			WordCount:    len(strings.Fields(text)),
		}
	}
	return chunks
}

func TestAdapterAddAndSearch(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)
	embedder := &wordEmbedder{}
	adapter := New(embedder, store, Options{BatchSize: 2, Dimensions: testDims})

	if err := adapter.Initialize(ctx, "B1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := adapter.Initialize(ctx, "B1"); err != nil {
		t.Fatalf("Initialize twice: %v", err)
	}
	if err := adapter.AddChunks(ctx, "B1", testChunks()); err != nil {
		t.Fatalf("AddChunks: %v", err)
	}
	if got := embedder.batches; len(got) != 3 || got[0] != 2 || got[2] != 1 {
		t.Fatalf("unexpected batches %v", got)
	}
	n, err := store.Count(ctx, CollectionName("B1"))
	if err != nil || n != 5 {
		t.Fatalf("Count = %d, %v", n, err)
	}

	results, err := adapter.SearchSimilar(ctx, "B1", "the dragon burned the village", 2)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ChunkID != "chunk_0" || results[0].Similarity < 0.999 {
		t.Fatalf("best hit = %+v", results[0])
	}
	if results[0].StartMs != 0 || results[0].EndMs != 60_000 {
		t.Fatalf("metadata lost: %+v", results[0])
	}
	if results[1].ChunkID == "chunk_3" && results[1].ChapterIndex != 1 {
		t.Fatalf("chapter index lost: %+v", results[1])
	}
	if results[1].Similarity > results[0].Similarity {
		t.Fatal("results not ordered by similarity")
	}
}

func TestAdapterClearCollection(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)
	adapter := New(&wordEmbedder{}, store, Options{Dimensions: testDims})

	if err := adapter.ClearCollection(ctx, "missing"); err != nil {
		t.Fatalf("ClearCollection on missing collection: %v", err)
	}
	if err := adapter.Initialize(ctx, "B1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := adapter.AddChunks(ctx, "B1", testChunks()); err != nil {
		t.Fatalf("AddChunks: %v", err)
	}
	if err := adapter.ClearCollection(ctx, "B1"); err != nil {
		t.Fatalf("ClearCollection: %v", err)
	}
	if n, _ := store.Count(ctx, CollectionName("B1")); n != 0 {
		t.Fatalf("vectors survived clear: %d", n)
	}
	_, err := adapter.SearchSimilar(ctx, "B1", "dragon", 3)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found after clear, got %v", err)
	}
}

func TestAdapterEmbeddingFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	adapter := New(&wordEmbedder{failOn: 2}, openSQLiteStore(t), Options{BatchSize: 2, Dimensions: testDims})
	if err := adapter.Initialize(ctx, "B1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := adapter.AddChunks(ctx, "B1", testChunks())
	if err == nil {
		t.Fatal("expected embedding failure")
	}
	if !errors.Is(err, services.ErrTransient) || !services.Retryable(err) {
		t.Fatalf("expected retryable transient error, got %v", err)
	}
}

func TestAdapterRejectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	adapter := New(&wordEmbedder{}, openSQLiteStore(t), Options{Dimensions: 8})
	if err := adapter.Initialize(ctx, "B1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := adapter.AddChunks(ctx, "B1", testChunks())
	if !errors.Is(err, ErrDimensionMismatch) || services.Retryable(err) {
		t.Fatalf("expected permanent dimension mismatch, got %v", err)
	}
}

func TestSearchWithExpansionMergesAndDedupes(t *testing.T) {
	ctx := context.Background()
	adapter := New(&wordEmbedder{}, openSQLiteStore(t), Options{Dimensions: testDims, ExpansionThreshold: 0.99})
	if err := adapter.Initialize(ctx, "B1"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := adapter.AddChunks(ctx, "B1", testChunks()); err != nil {
		t.Fatalf("AddChunks: %v", err)
	}

	results, err := adapter.SearchWithExpansion(ctx, "B1", "what did the dragon scales look like?", 3)
	if err != nil {
		t.Fatalf("SearchWithExpansion: %v", err)
	}
	if len(results) == 0 || len(results) > 3 {
		t.Fatalf("unexpected result count %d", len(results))
	}
	seen := map[int64]bool{}
	for i, r := range results {
		if seen[r.StartMs] {
			t.Fatalf("duplicate start time %d", r.StartMs)
		}
		seen[r.StartMs] = true
		if i > 0 && r.Similarity > results[i-1].Similarity {
			t.Fatal("merged results not sorted")
		}
	}
	found := false
	for _, r := range results {
		found = found || r.ChunkID == "chunk_3"
	}
	if !found {
		t.Fatalf("expected dragon scales chunk in %+v", results)
	}
}

func TestExpansionTerms(t *testing.T) {
	if got := expansionTerms("Who is the Dragon of the north, really?"); got != "dragon north really" {
		t.Fatalf("expansionTerms = %q", got)
	}
}

func TestPGVectorStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("LECTERN_TEST_PGVECTOR_DSN")
	if dsn == "" {
		t.Skip("LECTERN_TEST_PGVECTOR_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenPGVectorStore(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPGVectorStore: %v", err)
	}
	defer store.Close()

	adapter := New(&wordEmbedder{}, store, Options{Dimensions: testDims})
	book := "pgtest"
	if err := adapter.ClearCollection(ctx, book); err != nil {
		t.Fatalf("ClearCollection: %v", err)
	}
	if err := adapter.Initialize(ctx, book); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := adapter.AddChunks(ctx, book, testChunks()); err != nil {
		t.Fatalf("AddChunks: %v", err)
	}
	results, err := adapter.SearchSimilar(ctx, book, "the merchant counted his coins", 1)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "chunk_4" {
		t.Fatalf("unexpected results %+v", results)
	}
	_ = adapter.ClearCollection(ctx, book)
}
