package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"lectern/internal/events"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// Processor executes one job. Returning nil completes it; errors are
// classified with services.Retryable.
type Processor func(ctx context.Context, job *Job) error

// ManagerOptions tune worker timing.
type ManagerOptions struct {
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	ErrorRetryInterval time.Duration
	Logger             *slog.Logger
	Events             events.Bus
}

type worker struct {
	queue       string
	process     Processor
	concurrency int
}

// Manager runs worker slots for each registered queue.
type Manager struct {
	store  *Store
	opts   ManagerOptions
	logger *slog.Logger

	mu      sync.RWMutex
	workers map[string]*worker
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
	active  map[string]*Job
}

// NewManager constructs a manager over store.
func NewManager(store *Store, opts ManagerOptions) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 2 * time.Minute
	}
	if opts.ErrorRetryInterval <= 0 {
		opts.ErrorRetryInterval = opts.PollInterval
	}
	return &Manager{
		store:   store,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "jobqueue"),
		workers: make(map[string]*worker),
		active:  make(map[string]*Job),
	}
}

// Register attaches a processor to queue with the given number of slots.
func (m *Manager) Register(queue string, process Processor, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[queue] = &worker{queue: queue, process: process, concurrency: concurrency}
}

// Start launches every worker slot.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("job manager already running")
	}
	if len(m.workers) == 0 {
		m.mu.Unlock()
		return errors.New("no queues registered")
	}
	if n, err := m.store.ResetActive(ctx); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("reset active jobs: %w", err)
	} else if n > 0 {
		m.logger.Info("requeued jobs left active by a previous run", logging.Int64("count", n))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	reclaimer := true
	for _, name := range m.queueNamesLocked() {
		w := m.workers[name]
		for slot := range w.concurrency {
			m.wg.Add(1)
			go m.runSlot(runCtx, w, slot, reclaimer)
			reclaimer = false
		}
	}
	m.mu.Unlock()
	return nil
}

// Stop cancels every slot and waits for in-flight jobs to be released.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runSlot(ctx context.Context, w *worker, slot int, reclaimer bool) {
	defer m.wg.Done()
	logger := m.logger.With(logging.Queue(w.queue), logging.Int("slot", slot))

	for {
		if ctx.Err() != nil {
			return
		}
		if reclaimer {
			m.reclaimStale(ctx, logger)
		}

		wake := m.store.Signal().C()
		job, err := m.store.Claim(ctx, w.queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logger.Error("failed to claim job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_claim_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			m.wait(ctx, nil, m.opts.ErrorRetryInterval)
			continue
		}
		if job == nil {
			m.wait(ctx, wake, m.opts.PollInterval)
			continue
		}
		m.process(ctx, w, job, logger)
	}
}

func (m *Manager) reclaimStale(ctx context.Context, logger *slog.Logger) {
	cutoff := time.Now().Add(-m.opts.HeartbeatTimeout)
	n, err := m.store.ReclaimStale(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			logging.WarnWithContext(logger, "reclaim stale jobs failed; stuck jobs may remain", "heartbeat_reclaim_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		return
	}
	if n > 0 {
		logger.Info("reclaimed stale jobs", logging.Int64("count", n))
	}
}

func (m *Manager) wait(ctx context.Context, wake <-chan struct{}, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (m *Manager) process(ctx context.Context, w *worker, job *Job, logger *slog.Logger) {
	jobCtx := services.WithJobID(ctx, job.ID)
	jobCtx = services.WithBookID(jobCtx, job.BookID)
	jobCtx = services.WithStage(jobCtx, w.queue)
	logger = logging.WithContext(jobCtx, logger)

	m.trackActive(job, true)
	defer m.trackActive(job, false)

	m.publish(jobCtx, events.Event{Type: events.TypeJobStarted, Status: string(StatusActive)}, job)
	logger.Info("job started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.Int("attempt", job.AttemptsMade),
		logging.Int("max_attempts", job.MaxAttempts),
	)
	started := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(jobCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeatLoop(hbCtx, &hbWG, job.ID, logger)

	err := m.safeRun(jobCtx, w.process, job)
	stopHeartbeat()
	hbWG.Wait()

	// Job contexts are cancelled on shutdown; use a detached context to record the outcome.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(jobCtx), 10*time.Second)
	defer cancel()

	if err != nil && ctx.Err() != nil {
		if relErr := m.store.Release(finishCtx, job.ID); relErr != nil {
			logger.Warn("failed to release job on shutdown", logging.Error(relErr))
		}
		logger.Info("job released on shutdown")
		return
	}

	if err == nil {
		if cErr := m.store.Complete(finishCtx, job.ID); cErr != nil {
			m.setLastError(cErr)
			logger.Error("failed to mark job completed", logging.Error(cErr))
			return
		}
		m.publish(finishCtx, events.Event{Type: events.TypeJobCompleted, Status: string(StatusCompleted)}, job)
		logger.Info("job completed",
			logging.String(logging.FieldEventType, "job_complete"),
			logging.Duration("duration", time.Since(started)),
		)
		return
	}

	m.setLastError(err)
	retryable := services.Retryable(err)
	status, fErr := m.store.Fail(finishCtx, job.ID, err, retryable)
	if fErr != nil {
		logger.Error("failed to record job failure", logging.Error(fErr), logging.String("cause", err.Error()))
		return
	}
	details := services.Details(err)
	m.publish(finishCtx, events.Event{Type: events.TypeJobFailed, Status: string(status), Error: details.Message}, job)
	attrs := []logging.Attr{
		logging.Error(err),
		logging.String("error_kind", details.Kind),
		logging.Bool("retryable", retryable),
		logging.String("status", string(status)),
		logging.Int("attempt", job.AttemptsMade),
	}
	if status == StatusDelayed {
		logging.WarnWithContext(logger, "job attempt failed; retry scheduled", "job_retry",
			append(attrs, logging.String(logging.FieldImpact, "stage will run again after backoff"))...)
		return
	}
	logging.ErrorWithContext(logger, "job failed", "job_failed",
		append(attrs, logging.String(logging.FieldImpact, "later stages in this flow are blocked"))...)
}

func (m *Manager) safeRun(ctx context.Context, process Processor, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("job processor panicked",
				logging.JobID(job.ID),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			err = services.Wrap(services.ErrTransient, job.Queue, "processor panic", fmt.Sprint(r), nil)
		}
	}()
	return process(ctx, job)
}

func (m *Manager) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, jobID string, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.Heartbeat(ctx, jobID); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}

func (m *Manager) publish(ctx context.Context, ev events.Event, job *Job) {
	if m.opts.Events == nil {
		return
	}
	ev.BookID = job.BookID
	ev.JobID = job.ID
	ev.Queue = job.Queue
	if err := m.opts.Events.Publish(ctx, ev); err != nil {
		m.logger.Debug("event publish failed", logging.Error(err), logging.String(logging.FieldEventType, ev.Type))
	}
}

func (m *Manager) trackActive(job *Job, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.active[job.ID] = job
	} else {
		delete(m.active, job.ID)
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) queueNamesLocked() []string {
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StatusSummary reports worker state for the status endpoint.
type StatusSummary struct {
	Running    bool
	LastError  string
	Workers    map[string]int
	ActiveJobs []Job
	QueueStats Stats
}

// Status returns the latest manager information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{Running: m.running, Workers: make(map[string]int, len(m.workers))}
	for name, w := range m.workers {
		summary.Workers[name] = w.concurrency
	}
	for _, job := range m.active {
		summary.ActiveJobs = append(summary.ActiveJobs, *job)
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	m.mu.RUnlock()

	sort.Slice(summary.ActiveJobs, func(i, j int) bool { return summary.ActiveJobs[i].ID < summary.ActiveJobs[j].ID })
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats
	return summary
}
