package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"lectern/internal/config"
	"lectern/internal/deps"
	"lectern/internal/events"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/notifications"
	"lectern/internal/pipeline"
	"lectern/internal/preflight"
)

// Options collects the daemon's collaborators.
type Options struct {
	Config      *config.Config
	Library     *library.Store
	Queue       *jobqueue.Store
	Manager     *jobqueue.Manager
	Coordinator *pipeline.Coordinator
	Events      events.Bus
	// EventBusName is reported by Status ("local", "redis").
	EventBusName string
	Notifier     notifications.Notifier
	// Embeddings is pinged by the status preflight checks when set.
	Embeddings preflight.Pinger
	Logger     *slog.Logger
}

// Daemon coordinates the background processing services and enforces single-instance execution.
type Daemon struct {
	cfg         *config.Config
	logger      *slog.Logger
	library     *library.Store
	queue       *jobqueue.Store
	manager     *jobqueue.Manager
	coordinator *pipeline.Coordinator
	bus         events.Bus
	busName     string
	notifier    notifications.Notifier
	embeddings  preflight.Pinger

	api     *apiServer
	watcher *ImportWatcher

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running       bool
	PID           int
	Workflow      jobqueue.StatusSummary
	LibraryDBPath string
	QueueDBPath   string
	LockFilePath  string
	EventBus      string
	Dependencies  []deps.Status
	Checks        []preflight.Result
}

// New constructs a daemon with initialized dependencies.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Library == nil || opts.Queue == nil || opts.Manager == nil || opts.Coordinator == nil {
		return nil, errors.New("daemon requires config, stores, job manager, and coordinator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notifications.NewNotifier(opts.Config)
	}
	busName := strings.TrimSpace(opts.EventBusName)
	if busName == "" {
		busName = "local"
	}

	lockPath := filepath.Join(opts.Config.Paths.LogDir, "lecternd.lock")
	d := &Daemon{
		cfg:         opts.Config,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		library:     opts.Library,
		queue:       opts.Queue,
		manager:     opts.Manager,
		coordinator: opts.Coordinator,
		bus:         opts.Events,
		busName:     busName,
		notifier:    notifier,
		embeddings:  opts.Embeddings,
		lockPath:    lockPath,
		lock:        flock.New(lockPath),
	}
	d.api = newAPIServer(opts.Config, d, logger)
	if dir := strings.TrimSpace(opts.Config.Paths.ImportDir); dir != "" {
		d.watcher = NewImportWatcher(dir, opts.Coordinator, logger)
	}
	return d, nil
}

// Start acquires the daemon lock and launches the job manager, API server, and import watcher.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another lectern daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(step string, err error) error {
		cancel()
		d.manager.Stop()
		d.api.stop()
		_ = d.lock.Unlock()
		return fmt.Errorf("%s: %w", step, err)
	}
	if err := d.manager.Start(runCtx); err != nil {
		return fail("start job manager", err)
	}
	if err := d.api.start(runCtx); err != nil {
		return fail("start api server", err)
	}
	if d.watcher != nil {
		if err := d.watcher.Start(runCtx); err != nil {
			return fail("start import watcher", err)
		}
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("lectern daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
		logging.String("event_bus", d.busName),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.api.stop()
	d.manager.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("lectern daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return errors.Join(d.queue.Close(), d.library.Close())
}

// APIAddress returns the bound API address, or "" when the server is not listening.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// TestNotification sends a test notification using the configured notifier.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.Test(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// Status returns the current daemon status, including dependency and preflight checks.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:       d.running.Load(),
		PID:           os.Getpid(),
		Workflow:      d.manager.Status(ctx),
		LibraryDBPath: d.library.Path(),
		QueueDBPath:   d.queue.Path(),
		LockFilePath:  d.lockPath,
		EventBus:      d.busName,
		Dependencies:  deps.CheckBinaries(deps.Requirements(d.cfg)),
		Checks:        preflight.RunAll(ctx, d.cfg, d.embeddings),
	}
}
