package stages

import (
	"context"
	"os"
	"path/filepath"

	"lectern/internal/audiocache"
	"lectern/internal/config"
	"lectern/internal/fileutil"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/preflight"
	"lectern/internal/services"
	"lectern/internal/services/audiobookshelf"
)

// MediaServer is the subset of the Audiobookshelf client the stages use.
type MediaServer interface {
	GetBook(ctx context.Context, bookID string) (audiobookshelf.BookInfo, error)
	ListFiles(ctx context.Context, bookID string) ([]audiobookshelf.AudioFile, error)
	Download(ctx context.Context, downloadURL, dest string, progress func(written int64)) error
}

// Download fetches a book's audio files into its downloads directory.
type Download struct {
	cfg       *config.Config
	media     MediaServer
	cache     audiocache.Cache
	library   *library.Store
	freeSpace func(path string, required uint64) error
}

// NewDownload constructs the download handler. cache may be nil.
func NewDownload(cfg *config.Config, media MediaServer, cache audiocache.Cache, store *library.Store) *Download {
	if cache == nil {
		cache = audiocache.NoopCache{}
	}
	return &Download{cfg: cfg, media: media, cache: cache, library: store, freeSpace: preflight.CheckFreeSpace}
}

func (d *Download) Stage() library.Stage { return library.StageDownload }

func (d *Download) Execute(ctx context.Context, task *Task) error {
	logger := task.logger()
	dir, err := d.cfg.DownloadsDir(task.BookID)
	if err != nil {
		return services.Wrap(services.ErrValidation, "download", "resolve directory", "", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, "download", "create directory", dir, err)
	}

	info, err := d.media.GetBook(ctx, task.BookID)
	if err != nil {
		return err
	}
	if err := d.library.UpdateBookStatus(ctx, task.BookID, library.BookUpdate{
		Title:           library.StringPtr(info.Title),
		DurationSeconds: library.Float64Ptr(info.Duration),
	}); err != nil {
		logger.Warn("store book metadata failed", logging.Error(err))
	}

	files, err := d.media.ListFiles(ctx, task.BookID)
	if err != nil {
		return err
	}

	var required uint64
	for _, f := range files {
		if f.Size > 0 && !fileutil.NonEmpty(filepath.Join(dir, localName(f))) {
			required += uint64(f.Size)
		}
	}
	if err := d.freeSpace(dir, required); err != nil {
		return err
	}

	var fetched, cached, skipped int
	for i, f := range files {
		dest := filepath.Join(dir, localName(f))
		switch {
		case fileutil.NonEmpty(dest):
			skipped++
		default:
			hit, err := d.fetchCached(ctx, task, f, dest)
			if err != nil {
				return err
			}
			if hit {
				cached++
			} else {
				fetched++
			}
		}
		task.Report(ctx, Percent(float64(i+1), float64(len(files))))
	}

	logger.Info("audio files ready",
		logging.Int("files", len(files)),
		logging.Int("downloaded", fetched),
		logging.Int("from_cache", cached),
		logging.Int("already_present", skipped),
	)
	return nil
}

func (d *Download) fetchCached(ctx context.Context, task *Task, f audiobookshelf.AudioFile, dest string) (bool, error) {
	logger := task.logger()
	key := audiocache.Key(task.BookID, f.Path)
	hit, err := d.cache.Fetch(ctx, key, dest)
	if err != nil {
		logging.WarnWithContext(logger, "audio cache fetch failed; downloading from media server", "audio_cache_miss",
			logging.String("key", key),
			logging.Error(err),
		)
	}
	if hit && fileutil.NonEmpty(dest) {
		return true, nil
	}

	if err := d.media.Download(ctx, f.DownloadURL, dest, nil); err != nil {
		return false, err
	}
	if err := d.cache.Store(ctx, key, dest); err != nil {
		logging.WarnWithContext(logger, "audio cache store failed", "audio_cache_store_failed",
			logging.String("key", key),
			logging.Error(err),
			logging.String(logging.FieldImpact, "other hosts will download this file again"),
		)
	}
	return false, nil
}
