package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"lectern/internal/events"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// minProgressStep is the smallest change written to the progress row.
const minProgressStep = 1.0

// Runner wraps stage handlers with progress bookkeeping.
type Runner struct {
	library *library.Store
	events  events.Bus
	logger  *slog.Logger
}

// NewRunner constructs a Runner. bus may be nil.
func NewRunner(store *library.Store, bus events.Bus, logger *slog.Logger) *Runner {
	return &Runner{
		library: store,
		events:  bus,
		logger:  logging.NewComponentLogger(logger, "stages"),
	}
}

// Processor adapts h into a queue processor.
func (r *Runner) Processor(h Handler) jobqueue.Processor {
	return func(ctx context.Context, job *jobqueue.Job) error {
		return r.run(ctx, h, job)
	}
}

func (r *Runner) run(ctx context.Context, h Handler, job *jobqueue.Job) error {
	stage := h.Stage()
	payload := job.Payload
	if strings.TrimSpace(payload.BookID) == "" {
		return services.Wrap(services.ErrValidation, string(stage), "decode payload", "job "+job.ID+" has no book id", nil)
	}

	ctx = services.JobContext(ctx, payload.BookID, string(stage), job.ID)
	logger := logging.WithContext(ctx, r.logger)

	current, err := r.library.CurrentGeneration(ctx, payload.BookID)
	if err != nil {
		return services.Wrap(services.ErrTransient, string(stage), "read generation", "", err)
	}
	if current == 0 || payload.Generation != current {
		logger.Info("skipping job from superseded setup",
			logging.String(logging.FieldEventType, "stale_generation"),
			logging.Int64("job_generation", payload.Generation),
			logging.Int64("book_generation", current),
		)
		r.publish(ctx, events.Event{Type: events.TypeJobSkipped, BookID: payload.BookID, Stage: string(stage), JobID: job.ID, Queue: job.Queue})
		return nil
	}

	begun, err := r.library.BeginStage(ctx, payload.BookID, stage, payload.Model, payload.Generation)
	if err != nil {
		return services.Wrap(services.ErrTransient, string(stage), "begin stage", "", err)
	}
	if !begun {
		logger.Info("skipping job from superseded setup",
			logging.String(logging.FieldEventType, "stale_generation"),
			logging.Int64("job_generation", payload.Generation),
		)
		r.publish(ctx, events.Event{Type: events.TypeJobSkipped, BookID: payload.BookID, Stage: string(stage), JobID: job.ID, Queue: job.Queue})
		return nil
	}
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))
	started := time.Now()

	task := &Task{
		JobID:      job.ID,
		BookID:     payload.BookID,
		Model:      payload.Model,
		Generation: payload.Generation,
		Attempt:    job.AttemptsMade,
		Data:       payload.Data,
		Logger:     logger,
	}
	task.report = r.reporter(stage, task, job, logger)

	if execErr := h.Execute(ctx, task); execErr != nil {
		return r.fail(ctx, stage, task, execErr, logger)
	}

	applied, err := r.library.CompleteStage(ctx, payload.BookID, stage, payload.Model, payload.Generation)
	if err != nil {
		return services.Wrap(services.ErrTransient, string(stage), "complete stage", "", err)
	}
	if !applied {
		logger.Info("stage finished after book was reset; progress left unchanged",
			logging.String(logging.FieldEventType, "stale_generation"),
		)
		return nil
	}
	if stage.Tracked() {
		if _, err := r.library.RecomputeSetup(ctx, payload.BookID); err != nil {
			logger.Warn("recompute setup flag failed", logging.Error(err))
		}
	}
	r.publish(ctx, events.Event{Type: events.TypeStageProgress, BookID: payload.BookID, Stage: string(stage), JobID: job.ID, Queue: job.Queue,
		Status: string(library.StatusCompleted), Progress: library.Float64Ptr(100)})
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("duration", time.Since(started)),
	)

	if book, err := r.library.GetBook(ctx, payload.BookID); err == nil && book.Ready() && stage == library.StageVectorize {
		r.publish(ctx, events.Event{Type: events.TypeBookReady, BookID: payload.BookID, Stage: string(stage), JobID: job.ID, Queue: job.Queue})
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, stage library.Stage, task *Task, stageErr error, logger *slog.Logger) error {
	message := strings.TrimSpace(services.Details(stageErr).Message)
	if message == "" {
		message = strings.TrimSpace(stageErr.Error())
	}

	// Record the failure even when the job context was cancelled.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, err := r.library.FailStage(recordCtx, task.BookID, stage, task.Model, message, task.Generation); err != nil {
		logger.Error("failed to persist stage failure", logging.Error(err))
	}
	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String("error_message", message),
		logging.Error(stageErr),
	)
	return stageErr
}

// reporter returns the progress callback for a task. Untracked stages only
// publish events; tracked stages also write the progress row when the value
// moves by at least minProgressStep.
func (r *Runner) reporter(stage library.Stage, task *Task, job *jobqueue.Job, logger *slog.Logger) func(context.Context, float64) {
	var (
		mu      sync.Mutex
		last    = -minProgressStep
		stopped bool
	)
	return func(ctx context.Context, percent float64) {
		mu.Lock()
		defer mu.Unlock()
		if stopped || (percent-last < minProgressStep && percent < 100) {
			return
		}
		last = percent

		if stage.Tracked() {
			applied, err := r.library.UpdateStageAt(ctx, task.BookID, stage, task.Model, task.Generation, library.StageUpdate{
				Progress: library.Float64Ptr(percent),
			})
			if err != nil {
				logger.Warn("progress update failed", logging.Error(err), logging.Float64("progress", percent))
				return
			}
			if !applied {
				stopped = true
				return
			}
		}
		r.publish(ctx, events.Event{
			Type:     events.TypeStageProgress,
			BookID:   task.BookID,
			Stage:    string(stage),
			JobID:    job.ID,
			Queue:    job.Queue,
			Status:   string(library.StatusRunning),
			Progress: library.Float64Ptr(percent),
		})
	}
}

func (r *Runner) publish(ctx context.Context, ev events.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Debug("event publish failed", logging.Error(err), logging.String(logging.FieldEventType, ev.Type))
	}
}

// Handlers bundles the five stage handlers keyed by queue name.
type Handlers map[string]Handler

// Register adds every handler to the manager using concurrency per queue.
func (r *Runner) Register(m *jobqueue.Manager, handlers Handlers, concurrency func(queue string) int) error {
	for queue, h := range handlers {
		if h == nil {
			return fmt.Errorf("handler for %s is nil", queue)
		}
		m.Register(queue, r.Processor(h), concurrency(queue))
	}
	return nil
}

// QueueFor maps a stage to its queue name.
func QueueFor(stage library.Stage) string {
	switch stage {
	case library.StageDownload:
		return jobqueue.QueueDownload
	case library.StageProcessAudio:
		return jobqueue.QueueProcessAudio
	case library.StageTranscribe:
		return jobqueue.QueueTranscribe
	case library.StageVectorize:
		return jobqueue.QueueVectorize
	case library.StageNotify:
		return jobqueue.QueueNotify
	default:
		return ""
	}
}
