package whisper

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"lectern/internal/services"
)

// CommandRunner executes name with args, calling onLine for each stdout line.
type CommandRunner func(ctx context.Context, name string, args []string, onLine func(string)) error

// Segment is one transcribed span with millisecond offsets.
type Segment struct {
	Text    string
	StartMs int64
	EndMs   int64
}

// Service provides whisper.cpp transcription.
type Service struct {
	cfg    Config
	runner CommandRunner
}

// NewService creates a whisper service with the given configuration.
func NewService(cfg Config) *Service {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	return &Service{cfg: cfg, runner: runCommand}
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner CommandRunner) {
	if runner != nil {
		s.runner = runner
	}
}

// Binary returns the configured executable.
func (s *Service) Binary() string { return s.cfg.Binary }

// ModelPath returns the ggml file for a model name.
func (s *Service) ModelPath(model string) string {
	name := strings.TrimSpace(model)
	if !strings.HasSuffix(name, ".bin") {
		name += ".bin"
	}
	return filepath.Join(s.cfg.ModelsDir, name)
}

// Transcribe runs whisper.cpp on audioPath and returns ordered segments.
// progress receives the end offset, in milliseconds, of each line printed.
func (s *Service) Transcribe(ctx context.Context, audioPath, model string, progress func(ms int64)) ([]Segment, error) {
	if audioPath == "" {
		return nil, services.Wrap(services.ErrValidation, "transcribe", "whisper", "audio path required", nil)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return nil, services.Wrap(services.ErrNotFound, "transcribe", "whisper", "audio file missing", err)
	}
	modelPath := s.ModelPath(model)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "transcribe", "whisper", "model "+model+" not found in "+s.cfg.ModelsDir, err)
	}

	jsonPath := audioPath + ".json"
	_ = os.Remove(jsonPath)

	onLine := func(line string) {
		if progress == nil {
			return
		}
		if ms, ok := ParseProgressLine(line); ok {
			progress(ms)
		}
	}
	if err := s.runner(ctx, s.cfg.Binary, s.buildArgs(audioPath, modelPath), onLine); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, services.Wrap(services.ErrExternalTool, "transcribe", "whisper", "", err)
	}

	segments, err := LoadSegments(jsonPath)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "transcribe", "read whisper output", filepath.Base(jsonPath), err)
	}
	return segments, nil
}

func (s *Service) buildArgs(audioPath, modelPath string) []string {
	args := []string{
		"-m", modelPath,
		"-f", audioPath,
		"-oj",
		"-of", audioPath,
	}
	if lang := strings.TrimSpace(s.cfg.Language); lang != "" {
		args = append(args, "-l", lang)
	}
	if s.cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(s.cfg.Threads))
	}
	return args
}

type whisperPayload struct {
	Transcription []struct {
		Timestamps struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"timestamps"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// LoadSegments parses a whisper.cpp JSON output file.
func LoadSegments(jsonPath string) ([]Segment, error) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, err
	}
	var payload whisperPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse whisper json: %w", err)
	}
	segments := make([]Segment, 0, len(payload.Transcription))
	for i, item := range payload.Transcription {
		start, err := ParseTimestamp(item.Timestamps.From)
		if err != nil {
			return nil, fmt.Errorf("segment %d start: %w", i, err)
		}
		end, err := ParseTimestamp(item.Timestamps.To)
		if err != nil {
			return nil, fmt.Errorf("segment %d end: %w", i, err)
		}
		segments = append(segments, Segment{Text: strings.TrimSpace(item.Text), StartMs: start, EndMs: end})
	}
	return segments, nil
}

var timestampPattern = regexp.MustCompile(`^(\d{2,}):(\d{2}):(\d{2})[,.](\d{3})$`)

// ParseTimestamp converts hh:mm:ss,mmm (or hh:mm:ss.mmm) to milliseconds.
func ParseTimestamp(value string) (int64, error) {
	m := timestampPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, fmt.Errorf("invalid timestamp %q", value)
	}
	var parts [4]int64
	for i := range parts {
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", value, err)
		}
		parts[i] = n
	}
	return parts[0]*3_600_000 + parts[1]*60_000 + parts[2]*1000 + parts[3], nil
}

var progressPattern = regexp.MustCompile(`(\d{2,}:\d{2}:\d{2}\.\d{3}) --> (\d{2,}:\d{2}:\d{2}\.\d{3})`)

// ParseProgressLine extracts the end offset of the last "[a --> b]" marker in line.
func ParseProgressLine(line string) (int64, bool) {
	matches := progressPattern.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return 0, false
	}
	ms, err := ParseTimestamp(matches[len(matches)-1][2])
	if err != nil {
		return 0, false
	}
	return ms, true
}

func runCommand(ctx context.Context, name string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &limitedBuffer{buf: &stderr, limit: 8 << 10}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// limitedBuffer keeps the tail of a stream bounded.
type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	l.buf.Write(p)
	if over := l.buf.Len() - l.limit; over > 0 {
		l.buf.Next(over)
	}
	return n, nil
}
