package audiobookshelf

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lectern/internal/services"
)

const itemJSON = `{
  "id": "li_1",
  "media": {
    "metadata": {"title": "The Long Way"},
    "duration": 0,
    "audioFiles": [
      {"ino": "222", "index": 2, "duration": 30.5, "metadata": {"filename": "part2.mp3", "ext": ".mp3", "size": 11}},
      {"ino": "111", "index": 1, "duration": 60, "metadata": {"filename": "part1.mp3", "ext": ".mp3", "size": 10}}
    ]
  }
}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.URL.Path == "/api/items/li_1":
			_, _ = w.Write([]byte(itemJSON))
		case r.URL.Path == "/api/items/li_1/file/111/download":
			_, _ = w.Write([]byte("0123456789"))
		case strings.HasPrefix(r.URL.Path, "/api/items/"):
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestListFilesOrdersByIndex(t *testing.T) {
	srv := newTestServer(t)
	client := New(srv.URL, "secret", time.Second)

	files, err := client.ListFiles(context.Background(), "li_1")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(files))
	}
	if files[0].Ino != "111" || files[0].Path != "111.mp3" || files[0].Start != 0 {
		t.Fatalf("unexpected first file %+v", files[0])
	}
	if files[1].Start != 60 || files[1].Size != 11 {
		t.Fatalf("unexpected second file %+v", files[1])
	}
	if !strings.HasSuffix(files[0].DownloadURL, "/api/items/li_1/file/111/download") {
		t.Fatalf("download url = %s", files[0].DownloadURL)
	}
}

func TestGetBookSumsDuration(t *testing.T) {
	srv := newTestServer(t)
	info, err := New(srv.URL, "secret", time.Second).GetBook(context.Background(), "li_1")
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if info.Title != "The Long Way" || info.Duration != 90.5 {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestMissingBookIsPermanent(t *testing.T) {
	srv := newTestServer(t)
	_, err := New(srv.URL, "secret", time.Second).ListFiles(context.Background(), "nope")
	if !errors.Is(err, services.ErrNotFound) || services.Retryable(err) {
		t.Fatalf("expected permanent not-found, got %v", err)
	}
}

func TestUnauthorizedIsConfigurationError(t *testing.T) {
	srv := newTestServer(t)
	_, err := New(srv.URL, "wrong", time.Second).ListFiles(context.Background(), "li_1")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDownloadWritesAtomically(t *testing.T) {
	srv := newTestServer(t)
	client := New(srv.URL, "secret", time.Second)
	dest := filepath.Join(t.TempDir(), "downloads", "111.mp3")

	var last int64
	err := client.Download(context.Background(), srv.URL+"/api/items/li_1/file/111/download", dest, func(n int64) { last = n })
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("downloaded %q, %v", data, err)
	}
	if last != 10 {
		t.Fatalf("progress reported %d bytes", last)
	}
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestDownloadServerErrorIsRetryable(t *testing.T) {
	srv := newTestServer(t)
	dest := filepath.Join(t.TempDir(), "x.mp3")
	err := New(srv.URL, "secret", time.Second).Download(context.Background(), srv.URL+"/broken", dest, nil)
	if !errors.Is(err, services.ErrTransient) || !services.Retryable(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("failed download must not leave a destination file")
	}
}
