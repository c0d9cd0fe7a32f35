package pipeline

import (
	"context"
	"strings"
	"time"

	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// ImportTranscript stores a transcript produced elsewhere and enqueues the
// remaining stages (download, vectorize, notify). Queued jobs for the book are
// cancelled and the generation bumped first; an older transcribe job still
// running holds the previous generation and cannot overwrite the import.
func (c *Coordinator) ImportTranscript(ctx context.Context, bookID string, doc Transcript) (string, error) {
	bookID = strings.TrimSpace(bookID)
	if _, err := c.cfg.BookDir(bookID); err != nil {
		return "", services.Wrap(services.ErrValidation, "import", "validate request", "", err)
	}
	if err := doc.Validate(); err != nil {
		return "", err
	}
	model := strings.TrimSpace(doc.Model)
	if model == "" {
		model = "imported"
	}

	if _, err := c.queue.CancelBook(ctx, bookID); err != nil {
		return "", err
	}
	gen, err := c.library.ResetBook(ctx, bookID, model)
	if err != nil {
		return "", err
	}
	if err := c.library.ResetStages(ctx, bookID, model, library.TrackedStages()); err != nil {
		return "", err
	}
	rows := doc.rows()
	stored, err := c.library.ReplaceSegments(ctx, bookID, model, gen, rows)
	if err != nil {
		return "", err
	}
	if !stored {
		return "", services.Wrap(services.ErrTransient, "import", "store segments", "book "+bookID+" was set up again during the import", nil)
	}

	now := time.Now().UTC()
	if _, err := c.library.UpdateStageAt(ctx, bookID, library.StageTranscribe, model, gen, library.StageUpdate{
		Status:      library.StatusPtr(library.StatusCompleted),
		Progress:    library.Float64Ptr(100),
		StartedAt:   &now,
		CompletedAt: &now,
	}); err != nil {
		return "", err
	}
	for _, flag := range []library.Flag{library.FlagTranscribed, library.FlagAudioProcessed} {
		if _, err := c.library.SetFlag(ctx, bookID, flag, true, gen); err != nil {
			return "", err
		}
	}

	flow := []library.Stage{library.StageDownload, library.StageVectorize, library.StageNotify}
	jobID, err := c.enqueue(ctx, bookID, model, gen, flow, SetupOptions{})
	if err != nil {
		return "", err
	}
	c.logger.Info("transcript imported",
		logging.String(logging.FieldEventType, "transcript_imported"),
		logging.BookID(bookID),
		logging.JobID(jobID),
		logging.Int("segments", len(rows)),
		logging.String("model", model),
	)
	return jobID, nil
}
