package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"lectern/internal/config"
	"lectern/internal/events"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/services"
	"lectern/internal/stages"
	"lectern/internal/vectorindex"
)

// Index is the subset of the vector indexing adapter the coordinator uses.
type Index interface {
	ClearCollection(ctx context.Context, bookID string) error
	SearchWithExpansion(ctx context.Context, bookID, query string, k int) ([]vectorindex.Result, error)
}

// SetupRequest names the book and the stages to (re)run.
type SetupRequest struct {
	BookID string
	Model  string
	Stages []library.Stage
}

// SetupOptions tune the enqueued flow. Zero values use configured defaults.
type SetupOptions struct {
	Priority    int
	MaxAttempts int
}

// Coordinator is the setup entry point.
type Coordinator struct {
	cfg     *config.Config
	library *library.Store
	queue   *jobqueue.Store
	index   Index
	events  events.Bus
	logger  *slog.Logger
}

// NewCoordinator wires a Coordinator. index and bus may be nil.
func NewCoordinator(cfg *config.Config, store *library.Store, queue *jobqueue.Store, index Index, bus events.Bus, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		library: store,
		queue:   queue,
		index:   index,
		events:  bus,
		logger:  logging.NewComponentLogger(logger, "pipeline"),
	}
}

// DefaultStages are run when a request names none.
func DefaultStages() []library.Stage {
	return library.TrackedStages()
}

// ParseStages validates stage names.
func ParseStages(names []string) ([]library.Stage, error) {
	var out []library.Stage
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			stage, err := library.ParseStage(part)
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, "setup", "parse stages", "", err)
			}
			out = append(out, stage)
		}
	}
	return out, nil
}

// FlowStages expands requested stages into the ordered stages of a flow.
// process-audio runs whenever transcribe does, and notify always ends the flow.
func FlowStages(requested []library.Stage) []library.Stage {
	if len(requested) == 0 {
		requested = DefaultStages()
	}
	set := map[library.Stage]bool{library.StageNotify: true}
	for _, s := range requested {
		set[s] = true
	}
	if set[library.StageTranscribe] {
		set[library.StageProcessAudio] = true
	}
	order := []library.Stage{
		library.StageDownload,
		library.StageProcessAudio,
		library.StageTranscribe,
		library.StageVectorize,
		library.StageNotify,
	}
	out := make([]library.Stage, 0, len(set))
	for _, s := range order {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func trackedOf(flow []library.Stage) []library.Stage {
	var out []library.Stage
	for _, s := range flow {
		if s.Tracked() {
			out = append(out, s)
		}
	}
	return out
}

// SetupBook resets the book's progress and enqueues a fresh flow. It returns
// the root job id without waiting for any stage. Jobs left over from an
// earlier setup of the same book are not cancelled; they become no-ops once
// the generation moves on.
func (c *Coordinator) SetupBook(ctx context.Context, req SetupRequest, opts SetupOptions) (string, error) {
	bookID := strings.TrimSpace(req.BookID)
	if _, err := c.cfg.BookDir(bookID); err != nil {
		return "", services.Wrap(services.ErrValidation, "setup", "validate request", "", err)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.Transcription.DefaultModel
	}
	flow := FlowStages(req.Stages)

	previous, err := c.library.GetBook(ctx, bookID)
	if err != nil {
		return "", err
	}
	gen, err := c.library.ResetBook(ctx, bookID, model)
	if err != nil {
		return "", err
	}
	if err := c.library.ResetStages(ctx, bookID, model, trackedOf(flow)); err != nil {
		return "", err
	}
	if err := c.carryFlags(ctx, bookID, previous, flow, gen); err != nil {
		return "", err
	}

	jobID, err := c.enqueue(ctx, bookID, model, gen, flow, opts)
	if err != nil {
		return "", err
	}
	c.logger.Info("book setup enqueued",
		logging.String(logging.FieldEventType, "setup_enqueued"),
		logging.BookID(bookID),
		logging.JobID(jobID),
		logging.String("model", model),
		logging.String("stages", joinStages(flow)),
		logging.Int64("generation", gen),
	)
	return jobID, nil
}

// carryFlags restores readiness flags for stages the new flow does not re-run.
func (c *Coordinator) carryFlags(ctx context.Context, bookID string, previous *library.Book, flow []library.Stage, gen int64) error {
	if previous == nil {
		return nil
	}
	running := map[library.Stage]bool{}
	for _, s := range flow {
		running[s] = true
	}
	had := map[library.Stage]bool{
		library.StageDownload:     previous.Downloaded,
		library.StageProcessAudio: previous.AudioProcessed,
		library.StageTranscribe:   previous.Transcribed,
		library.StageVectorize:    previous.Vectorized,
	}
	for stage, set := range had {
		if !set || running[stage] {
			continue
		}
		flag, _ := stage.Flag()
		if _, err := c.library.SetFlag(ctx, bookID, flag, true, gen); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) enqueue(ctx context.Context, bookID, model string, gen int64, flow []library.Stage, opts SetupOptions) (string, error) {
	payload := jobqueue.Payload{BookID: bookID, Model: model, Generation: gen}
	nodes := make([]jobqueue.FlowNode, 0, len(flow))
	for _, stage := range flow {
		nodes = append(nodes, jobqueue.FlowNode{
			Queue:   stages.QueueFor(stage),
			Name:    fmt.Sprintf("%s:%s", stage, bookID),
			Payload: payload,
		})
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.Queue.MaxAttempts
	}
	jobID, err := c.queue.Enqueue(ctx, jobqueue.Chain(nodes...), jobqueue.EnqueueOptions{
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		Backoff:     time.Duration(c.cfg.Queue.BackoffBase) * time.Second,
	})
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "setup", "enqueue flow", "", err)
	}
	c.publish(ctx, events.Event{Type: events.TypeJobEnqueued, BookID: bookID, JobID: jobID, Status: string(jobqueue.StatusWaiting)})
	return jobID, nil
}

// CancelBook removes every queued job for the book and fails its pending
// stage rows. A job already running is left to finish.
func (c *Coordinator) CancelBook(ctx context.Context, bookID string) (int64, error) {
	removed, err := c.queue.CancelBook(ctx, bookID)
	if err != nil {
		return 0, err
	}
	if _, err := c.library.FailPending(ctx, bookID, "cancelled"); err != nil {
		return removed, err
	}
	c.publish(ctx, events.Event{Type: events.TypeBookCancelled, BookID: bookID})
	c.logger.Info("book setup cancelled",
		logging.String(logging.FieldEventType, "setup_cancelled"),
		logging.BookID(bookID),
		logging.Int64("jobs_removed", removed),
	)
	return removed, nil
}

// RemoveBook cancels the book's jobs and deletes everything stored for it.
func (c *Coordinator) RemoveBook(ctx context.Context, bookID string) error {
	dir, err := c.cfg.BookDir(bookID)
	if err != nil {
		return services.Wrap(services.ErrValidation, "remove", "validate request", "", err)
	}
	if _, err := c.CancelBook(ctx, bookID); err != nil {
		return err
	}
	var errs []error
	if c.index != nil {
		if err := c.index.ClearCollection(ctx, bookID); err != nil {
			errs = append(errs, fmt.Errorf("clear vectors: %w", err))
		}
	}
	if err := c.library.DeleteBook(ctx, bookID); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		errs = append(errs, fmt.Errorf("remove book files: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.logger.Info("book removed",
		logging.String(logging.FieldEventType, "book_removed"),
		logging.BookID(bookID),
	)
	return nil
}

// Progress returns the progress view of a book.
func (c *Coordinator) Progress(ctx context.Context, bookID string) (library.ProgressReport, error) {
	report, err := c.library.Progress(ctx, bookID)
	if err != nil {
		return report, err
	}
	if report.Book == nil {
		return report, services.Wrap(services.ErrNotFound, "progress", "get book", bookID, nil)
	}
	return report, nil
}

// Books lists every known book.
func (c *Coordinator) Books(ctx context.Context) ([]*library.Book, error) {
	return c.library.ListBooks(ctx)
}

// Search runs a similarity search over the book's transcript chunks.
func (c *Coordinator) Search(ctx context.Context, bookID, query string, k int) ([]vectorindex.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, services.Wrap(services.ErrValidation, "search", "validate request", "query required", nil)
	}
	if c.index == nil {
		return nil, services.Wrap(services.ErrConfiguration, "search", "vector index", "not configured", nil)
	}
	switch {
	case k <= 0:
		k = 5
	case k > 50:
		k = 50
	}
	return c.index.SearchWithExpansion(ctx, bookID, query, k)
}

// NearestSegment returns the transcript segment at or closest to positionMs.
func (c *Coordinator) NearestSegment(ctx context.Context, bookID string, positionMs int64) (*library.Segment, error) {
	seg, err := c.library.NearestSegment(ctx, bookID, positionMs)
	if err != nil {
		return nil, err
	}
	if seg == nil {
		return nil, services.Wrap(services.ErrNotFound, "segments", "nearest", bookID+" has no transcript", nil)
	}
	return seg, nil
}

func (c *Coordinator) publish(ctx context.Context, ev events.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Debug("event publish failed", logging.Error(err))
	}
}

func joinStages(list []library.Stage) string {
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = string(s)
	}
	return strings.Join(names, ",")
}

// sortSegments orders segments by start time.
func sortSegments(segs []library.Segment) {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].StartMs < segs[j].StartMs })
}
