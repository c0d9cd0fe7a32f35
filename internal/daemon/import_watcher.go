package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"lectern/internal/fileutil"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
)

const (
	processedDirName = "processed"
	failedDirName    = "failed"
	// settleDelay is how long a file must go without write events before import.
	settleDelay = 500 * time.Millisecond
)

// Importer stores an externally produced transcript for a book.
type Importer interface {
	ImportTranscript(ctx context.Context, bookID string, doc pipeline.Transcript) (string, error)
}

// ImportWatcher imports <bookId>.json|.yaml|.yml transcripts dropped into a
// directory, then moves each file to processed/ or failed/.
type ImportWatcher struct {
	dir      string
	importer Importer
	logger   *slog.Logger
	settle   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewImportWatcher constructs a watcher for dir.
func NewImportWatcher(dir string, importer Importer, logger *slog.Logger) *ImportWatcher {
	return &ImportWatcher{
		dir:      dir,
		importer: importer,
		logger:   logging.NewComponentLogger(logger, "import-watcher"),
		settle:   settleDelay,
	}
}

// Start begins watching and imports files already present.
func (w *ImportWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("import watcher already running")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create import directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	pending := make(map[string]time.Time)
	if entries, err := os.ReadDir(w.dir); err != nil {
		w.logger.Warn("scan import directory failed", logging.Error(err))
	} else {
		for _, entry := range entries {
			if !entry.IsDir() && isTranscriptFile(entry.Name()) {
				pending[filepath.Join(w.dir, entry.Name())] = time.Now()
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(runCtx, watcher, pending)
	w.logger.Info("watching import directory", logging.String("dir", w.dir))
	return nil
}

// Stop ends watching and waits for an in-flight import.
func (w *ImportWatcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
}

// loop records the last event time per file and imports files that have been
// quiet for the settle delay.
func (w *ImportWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher, pending map[string]time.Time) {
	defer w.wg.Done()
	defer watcher.Close()

	tick := time.NewTicker(w.settle / 2)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) && isTranscriptFile(ev.Name) {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("import watcher error", logging.Error(err))
		case now := <-tick.C:
			for path, seen := range pending {
				if now.Sub(seen) < w.settle {
					continue
				}
				delete(pending, path)
				if ctx.Err() != nil {
					return
				}
				w.importFile(ctx, path)
			}
		}
	}
}

func isTranscriptFile(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	return pipeline.TranscriptFormat(name) != ""
}

func (w *ImportWatcher) importFile(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	name := filepath.Base(path)
	bookID := strings.TrimSuffix(name, filepath.Ext(name))
	logger := w.logger.With(logging.BookID(bookID), logging.String("file", name))

	jobID, err := w.importOne(ctx, path, bookID)
	if err != nil {
		logging.WarnWithContext(logger, "transcript import failed", "import_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the file and drop it into the import directory again"),
		)
		w.move(logger, path, failedDirName)
		return
	}
	logger.Info("transcript imported", logging.JobID(jobID))
	w.move(logger, path, processedDirName)
}

func (w *ImportWatcher) importOne(ctx context.Context, path, bookID string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	doc, err := pipeline.ParseTranscript(data, pipeline.TranscriptFormat(path))
	if err != nil {
		return "", err
	}
	if w.importer == nil {
		return "", errors.New("no importer configured")
	}
	return w.importer.ImportTranscript(ctx, bookID, doc)
}

func (w *ImportWatcher) move(logger *slog.Logger, path, sub string) {
	dst := filepath.Join(w.dir, sub, filepath.Base(path))
	if err := fileutil.MoveFile(path, dst); err != nil {
		logger.Warn("failed to move import file", logging.String("destination", dst), logging.Error(err))
	}
}
