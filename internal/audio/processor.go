package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"lectern/internal/fileutil"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// PreprocessFilter is the ffmpeg audio filter chain applied before transcription.
const PreprocessFilter = "highpass=f=80,lowpass=f=8000,volume=1.5,acompressor=threshold=-20dB:ratio=3:attack=1:release=50"

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Processor wraps ffmpeg for stitching and preprocessing.
type Processor struct {
	binary     string
	preprocess bool
	run        CommandRunner
	logger     *slog.Logger
}

// NewProcessor builds a processor. An empty binary resolves to "ffmpeg".
func NewProcessor(binary string, preprocess bool, logger *slog.Logger) *Processor {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	return &Processor{
		binary:     binary,
		preprocess: preprocess,
		run:        defaultRunner,
		logger:     logging.NewComponentLogger(logger, "audio"),
	}
}

// WithCommandRunner overrides the ffmpeg runner (for testing).
func (p *Processor) WithCommandRunner(run CommandRunner) {
	if run != nil {
		p.run = run
	}
}

// Stitch concatenates inputs into dest. A single input is returned as-is.
func (p *Processor) Stitch(ctx context.Context, inputs []string, dest string) (string, error) {
	switch len(inputs) {
	case 0:
		return "", services.Wrap(services.ErrValidation, "process-audio", "stitch", "no input files", nil)
	case 1:
		return inputs[0], nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "process-audio", "stitch", "create output dir", err)
	}

	listPath := dest + ".txt"
	if err := writeConcatList(listPath, inputs); err != nil {
		return "", services.Wrap(services.ErrTransient, "process-audio", "stitch", "write concat list", err)
	}
	defer os.Remove(listPath)

	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-f", "concat", "-safe", "0", "-i", listPath, "-vn", dest}
	if output, err := p.run(ctx, p.binary, args...); err != nil {
		_ = os.Remove(dest)
		return "", services.Wrap(services.ErrExternalTool, "process-audio", "ffmpeg concat", strings.TrimSpace(string(output)), err)
	}
	p.logger.Info("audio files stitched",
		logging.Int("inputs", len(inputs)),
		logging.String("output", dest),
	)
	return dest, nil
}

// Preprocess resamples input to 16 kHz mono PCM with the speech filter chain.
// Any ffmpeg failure falls back to the original input with a nil error.
func (p *Processor) Preprocess(ctx context.Context, input, dest string) (string, error) {
	if !p.preprocess {
		return input, nil
	}
	if _, err := os.Stat(input); err != nil {
		return "", services.Wrap(services.ErrNotFound, "process-audio", "preprocess", "input missing", err)
	}
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", input,
		"-ar", "16000", "-ac", "1", "-c:a", "pcm_s16le", "-af", PreprocessFilter, dest}
	output, err := p.run(ctx, p.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		_ = os.Remove(dest)
		logging.WarnWithContext(p.logger, "audio preprocessing failed; using original audio", "preprocess_fallback",
			logging.String("input", input),
			logging.Error(err),
			logging.String("ffmpeg_output", strings.TrimSpace(string(output))),
			logging.String(logging.FieldErrorHint, "check ffmpeg installation and input codec"),
			logging.String(logging.FieldImpact, "transcription runs on unfiltered audio"),
		)
		return input, nil
	}
	if !fileutil.NonEmpty(dest) {
		p.logger.Warn("preprocessed audio empty; using original audio", logging.String("input", input))
		return input, nil
	}
	return dest, nil
}

func writeConcatList(path string, inputs []string) error {
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, fmt.Errorf("%s exited with %d", name, exitErr.ExitCode())
	}
	return output, err
}
