// Package audiocache shares downloaded audiobook files between daemons
// through an S3-compatible object store.
package audiocache

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lectern/internal/config"
	"lectern/internal/fileutil"
	"lectern/internal/logging"
	"lectern/internal/services"
)

// Cache stores and retrieves book audio files by key.
type Cache interface {
	// Fetch copies the cached object to dest and reports whether it existed.
	Fetch(ctx context.Context, key, dest string) (bool, error)
	// Store uploads src under key.
	Store(ctx context.Context, key, src string) error
}

// Key builds the object key for a file belonging to a book.
func Key(bookID, name string) string {
	return path.Join("books", bookID, path.Base(strings.ReplaceAll(name, "\\", "/")))
}

// NoopCache never hits and discards stores.
type NoopCache struct{}

func (NoopCache) Fetch(context.Context, string, string) (bool, error) { return false, nil }
func (NoopCache) Store(context.Context, string, string) error         { return nil }

type objectClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioCache keeps audio in a MinIO (or any S3) bucket.
type MinioCache struct {
	client objectClient
	bucket string
	logger *slog.Logger
}

// New returns the cache selected by configuration.
func New(ctx context.Context, cfg config.AudioCache, logger *slog.Logger) (Cache, error) {
	if !cfg.Enabled {
		return NoopCache{}, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "download", "audio cache", "create minio client", err)
	}
	return newMinioCache(ctx, client, cfg.Bucket, logger)
}

func newMinioCache(ctx context.Context, client objectClient, bucket string, logger *slog.Logger) (*MinioCache, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "download", "audio cache", "bucket required", nil)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "download", "audio cache", "check bucket "+bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, services.Wrap(services.ErrTransient, "download", "audio cache", "create bucket "+bucket, err)
		}
	}
	return &MinioCache{client: client, bucket: bucket, logger: logging.NewComponentLogger(logger, "audiocache")}, nil
}

// Fetch downloads key into dest when present.
func (c *MinioCache) Fetch(ctx context.Context, key, dest string) (bool, error) {
	if _, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	if err := c.client.FGetObject(ctx, c.bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if !fileutil.NonEmpty(dest) {
		return false, fmt.Errorf("get %s: cached object empty", key)
	}
	c.logger.Debug("audio cache hit", logging.String("key", key))
	return true, nil
}

// Store uploads src under key.
func (c *MinioCache) Store(ctx context.Context, key, src string) error {
	info, err := c.client.FPutObject(ctx, c.bucket, key, src, minio.PutObjectOptions{ContentType: contentType(src)})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	c.logger.Debug("audio cached", logging.String("key", key), logging.Int64("bytes", info.Size))
	return nil
}

func isMissing(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".m4b", ".mp4":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
