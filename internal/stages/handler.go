package stages

import (
	"context"
	"log/slog"
	"math"

	"lectern/internal/library"
)

// Handler executes one stage for one book.
type Handler interface {
	Stage() library.Stage
	Execute(ctx context.Context, task *Task) error
}

// Task is the per-job view a handler works from.
type Task struct {
	JobID      string
	BookID     string
	Model      string
	Generation int64
	Attempt    int
	Data       map[string]string
	Logger     *slog.Logger

	report func(ctx context.Context, percent float64)
}

// Report records stage progress as a percentage in [0, 100].
func (t *Task) Report(ctx context.Context, percent float64) {
	if t == nil || t.report == nil {
		return
	}
	t.report(ctx, clampPercent(percent))
}

func (t *Task) logger() *slog.Logger {
	if t == nil || t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// Percent returns done/total as a percentage rounded to two decimals.
func Percent(done, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return clampPercent(math.Round(done/total*100*100) / 100)
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
