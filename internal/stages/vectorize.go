package stages

import (
	"context"

	"lectern/internal/chunker"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// Indexer is the subset of the vector indexing adapter used by vectorize.
type Indexer interface {
	ClearCollection(ctx context.Context, bookID string) error
	Initialize(ctx context.Context, bookID string) error
	AddChunks(ctx context.Context, bookID string, chunks []chunker.Chunk) error
}

// Vectorize chunks a book's transcript and rebuilds its vector collection.
type Vectorize struct {
	library *library.Store
	index   Indexer
	chunks  chunker.Config
}

// NewVectorize constructs the vectorize handler.
func NewVectorize(store *library.Store, index Indexer, chunks chunker.Config) *Vectorize {
	return &Vectorize{library: store, index: index, chunks: chunks}
}

func (v *Vectorize) Stage() library.Stage { return library.StageVectorize }

func (v *Vectorize) Execute(ctx context.Context, task *Task) error {
	if err := v.chunks.Validate(); err != nil {
		return services.Wrap(services.ErrConfiguration, "vectorize", "chunk config", "", err)
	}
	rows, err := v.library.Segments(ctx, task.BookID, task.Model)
	if err != nil {
		return services.Wrap(services.ErrTransient, "vectorize", "load segments", "", err)
	}
	if len(rows) == 0 {
		return services.Wrap(services.ErrValidation, "vectorize", "load segments", "book has no transcript segments", nil)
	}

	segments := make([]chunker.Segment, 0, len(rows))
	for _, row := range rows {
		segments = append(segments, chunker.Segment{ID: row.ID, Text: row.Text, StartMs: row.StartMs, EndMs: row.EndMs})
	}
	chunks := chunker.Split(segments, v.chunks)
	task.Report(ctx, 10)

	if err := v.index.ClearCollection(ctx, task.BookID); err != nil {
		return err
	}
	if err := v.index.Initialize(ctx, task.BookID); err != nil {
		return err
	}
	task.Report(ctx, 20)
	if err := v.index.AddChunks(ctx, task.BookID, chunks); err != nil {
		return err
	}

	task.logger().Info("transcript vectorized",
		logging.Int("segments", len(rows)),
		logging.Int("chunks", len(chunks)),
	)
	return nil
}
