package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"lectern/internal/config"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/services"
	"lectern/internal/services/whisper"
)

// Transcriber converts audio to timed segments.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, model string, progress func(ms int64)) ([]whisper.Segment, error)
}

// Transcribe runs speech-to-text over the processed audio and stores segments.
type Transcribe struct {
	cfg         *config.Config
	transcriber Transcriber
	library     *library.Store
}

// NewTranscribe constructs the transcribe handler.
func NewTranscribe(cfg *config.Config, transcriber Transcriber, store *library.Store) *Transcribe {
	return &Transcribe{cfg: cfg, transcriber: transcriber, library: store}
}

func (t *Transcribe) Stage() library.Stage { return library.StageTranscribe }

func (t *Transcribe) Execute(ctx context.Context, task *Task) error {
	logger := task.logger()
	audioDir, err := t.cfg.AudioDir(task.BookID)
	if err != nil {
		return services.Wrap(services.ErrValidation, "transcribe", "resolve directory", "", err)
	}
	downloads, err := t.cfg.DownloadsDir(task.BookID)
	if err != nil {
		return services.Wrap(services.ErrValidation, "transcribe", "resolve directory", "", err)
	}
	audioPath, err := resolveAudio(audioDir, downloads)
	if err != nil {
		return services.Wrap(services.ErrNotFound, "transcribe", "locate audio", "no processed audio; rerun process-audio", err)
	}

	model := strings.TrimSpace(task.Model)
	if model == "" {
		model = t.cfg.Transcription.DefaultModel
	}

	var durationMs float64
	if book, err := t.library.GetBook(ctx, task.BookID); err == nil && book != nil {
		durationMs = book.DurationSeconds * 1000
	}
	progress := func(ms int64) {
		if durationMs > 0 {
			task.Report(ctx, Percent(float64(ms), durationMs))
		}
	}

	segments, err := t.transcriber.Transcribe(ctx, audioPath, model, progress)
	if err != nil {
		return err
	}

	ino := firstFileIno(downloads)
	rows := make([]library.Segment, 0, len(segments))
	for _, seg := range segments {
		rows = append(rows, library.Segment{
			FileIno: ino,
			Text:    seg.Text,
			StartMs: seg.StartMs,
			EndMs:   seg.EndMs,
		})
	}
	stored, err := t.library.ReplaceSegments(ctx, task.BookID, model, task.Generation, rows)
	if err != nil {
		return services.Wrap(services.ErrTransient, "transcribe", "store segments", "", err)
	}
	if !stored {
		logger.Info("transcript discarded; book was reset while transcribing",
			logging.String(logging.FieldEventType, "stale_generation"),
			logging.Int64("job_generation", task.Generation),
		)
		return nil
	}
	if len(rows) == 0 {
		logging.WarnWithContext(logger, "transcription produced no segments", "empty_transcript",
			logging.String("audio", audioPath),
			logging.String(logging.FieldImpact, "vectorize will fail for this book"),
			logging.String(logging.FieldErrorHint, "check the audio file and whisper model"),
		)
	}
	logger.Info("transcript stored",
		logging.Int("segments", len(rows)),
		logging.String("audio", filepath.Base(audioPath)),
		logging.String("model", model),
	)
	return nil
}

func firstFileIno(downloads string) string {
	files, err := downloadedFiles(downloads)
	if err != nil && !os.IsNotExist(err) || len(files) == 0 {
		return ""
	}
	return inoFromName(files[0])
}
