package stages

import (
	"context"
	"os"
	"path/filepath"

	"lectern/internal/config"
	"lectern/internal/fileutil"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// AudioProcessor stitches and preprocesses audio.
type AudioProcessor interface {
	Stitch(ctx context.Context, inputs []string, dest string) (string, error)
	Preprocess(ctx context.Context, input, dest string) (string, error)
}

// ProcessAudio turns the downloaded files into one transcription-ready file.
type ProcessAudio struct {
	cfg       *config.Config
	processor AudioProcessor
}

// NewProcessAudio constructs the process-audio handler.
func NewProcessAudio(cfg *config.Config, processor AudioProcessor) *ProcessAudio {
	return &ProcessAudio{cfg: cfg, processor: processor}
}

func (p *ProcessAudio) Stage() library.Stage { return library.StageProcessAudio }

func (p *ProcessAudio) Execute(ctx context.Context, task *Task) error {
	logger := task.logger()
	downloads, err := p.cfg.DownloadsDir(task.BookID)
	if err != nil {
		return services.Wrap(services.ErrValidation, "process-audio", "resolve directory", "", err)
	}
	audioDir, err := p.cfg.AudioDir(task.BookID)
	if err != nil {
		return services.Wrap(services.ErrValidation, "process-audio", "resolve directory", "", err)
	}

	processed := filepath.Join(audioDir, processedName)
	if fileutil.NonEmpty(processed) {
		logger.Info("processed audio already present", logging.String("path", processed))
		return nil
	}

	inputs, err := downloadedFiles(downloads)
	if err != nil && !os.IsNotExist(err) {
		return services.Wrap(services.ErrTransient, "process-audio", "list downloads", downloads, err)
	}
	if len(inputs) == 0 {
		return services.Wrap(services.ErrValidation, "process-audio", "list downloads", "no downloaded audio; rerun the download stage", nil)
	}
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "process-audio", "create directory", audioDir, err)
	}

	stitched, err := p.processor.Stitch(ctx, inputs, filepath.Join(audioDir, stitchedName))
	if err != nil {
		return err
	}
	task.Report(ctx, 50)

	used, err := p.processor.Preprocess(ctx, stitched, processed)
	if err != nil {
		return err
	}
	if used == processed && len(inputs) > 1 {
		_ = os.Remove(stitched)
	}
	logger.Info("audio processed", logging.Int("inputs", len(inputs)), logging.String("output", used))
	return nil
}
