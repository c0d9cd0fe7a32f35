package audiocache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/minio/minio-go/v7"

	"lectern/internal/config"
	"lectern/internal/logging"
)

type fakeObjects struct {
	buckets map[string]bool
	objects map[string][]byte
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{buckets: map[string]bool{}, objects: map[string][]byte{}}
}

func (f *fakeObjects) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeObjects) StatObject(_ context.Context, _, object string, _ minio.StatObjectOptions) (minio.ObjectInfo, error) {
	data, ok := f.objects[object]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return minio.ObjectInfo{Key: object, Size: int64(len(data))}, nil
}

func (f *fakeObjects) FGetObject(_ context.Context, _, object, filePath string, _ minio.GetObjectOptions) error {
	return os.WriteFile(filePath, f.objects[object], 0o644)
}

func (f *fakeObjects) FPutObject(_ context.Context, _, object, filePath string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.objects[object] = data
	return minio.UploadInfo{Key: object, Size: int64(len(data))}, nil
}

func TestKey(t *testing.T) {
	if got := Key("li_1", "/audiobooks/Dune/01 - Part.mp3"); got != "books/li_1/01 - Part.mp3" {
		t.Fatalf("Key = %q", got)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	cache, err := New(context.Background(), config.AudioCache{}, logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cache.(NoopCache); !ok {
		t.Fatalf("expected NoopCache, got %T", cache)
	}
	hit, err := cache.Fetch(context.Background(), "k", "d")
	if hit || err != nil {
		t.Fatalf("noop Fetch = %v, %v", hit, err)
	}
}

func TestMinioCacheCreatesBucketAndRoundTrips(t *testing.T) {
	objects := newFakeObjects()
	cache, err := newMinioCache(context.Background(), objects, "lectern-audio", logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if !objects.buckets["lectern-audio"] {
		t.Fatal("bucket should be created")
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "101.mp3")
	if err := os.WriteFile(src, []byte("mp3"), 0o644); err != nil {
		t.Fatal(err)
	}
	key := Key("li_1", "101.mp3")

	dest := filepath.Join(dir, "fetched.mp3")
	hit, err := cache.Fetch(context.Background(), key, dest)
	if err != nil || hit {
		t.Fatalf("Fetch before Store = %v, %v", hit, err)
	}

	if err := cache.Store(context.Background(), key, src); err != nil {
		t.Fatal(err)
	}
	hit, err = cache.Fetch(context.Background(), key, dest)
	if err != nil || !hit {
		t.Fatalf("Fetch after Store = %v, %v", hit, err)
	}
	got, _ := os.ReadFile(dest)
	if string(got) != "mp3" {
		t.Fatalf("fetched content = %q", got)
	}
}

func TestMinioCacheStoreError(t *testing.T) {
	objects := newFakeObjects()
	objects.putErr = errors.New("connection refused")
	cache, err := newMinioCache(context.Background(), objects, "b", logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.Store(context.Background(), "k", "/nonexistent"); err == nil {
		t.Fatal("expected store error")
	}
}

func TestMinioCacheRequiresBucket(t *testing.T) {
	if _, err := newMinioCache(context.Background(), newFakeObjects(), " ", logging.NewNop()); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
