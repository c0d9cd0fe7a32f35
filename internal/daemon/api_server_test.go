package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/events"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/services"
	"lectern/internal/testsupport"
)

type testEnv struct {
	cfg     *config.Config
	library *library.Store
	queue   *jobqueue.Store
	bus     *events.LocalBus
	daemon  *Daemon
	server  *httptest.Server
}

func newTestEnv(t *testing.T, opts ...testsupport.ConfigOption) *testEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	lib := testsupport.MustOpenLibrary(t, cfg)
	queue := testsupport.MustOpenQueue(t, cfg)
	bus := events.NewLocalBus()
	logger := logging.NewNop()

	mgr := jobqueue.NewManager(queue, jobqueue.ManagerOptions{PollInterval: 50 * time.Millisecond, Logger: logger})
	mgr.Register(jobqueue.QueueDownload, func(context.Context, *jobqueue.Job) error { return nil }, 1)
	coord := pipeline.NewCoordinator(cfg, lib, queue, nil, bus, logger)

	d, err := New(Options{
		Config:      cfg,
		Library:     lib,
		Queue:       queue,
		Manager:     mgr,
		Coordinator: coord,
		Events:      bus,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(d.api.server.Handler)
	t.Cleanup(srv.Close)
	return &testEnv{cfg: cfg, library: lib, queue: queue, bus: bus, daemon: d, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestAPISetupAndProgress(t *testing.T) {
	env := newTestEnv(t)

	var setup api.JobResponse
	if code := env.do(t, http.MethodPost, "/api/books/b1/setup", api.SetupRequest{Model: "ggml-tiny"}, &setup); code != http.StatusAccepted {
		t.Fatalf("setup status = %d", code)
	}
	if setup.JobID == "" {
		t.Fatal("expected root job id")
	}

	var progress api.Progress
	if code := env.do(t, http.MethodGet, "/api/books/b1/progress", nil, &progress); code != http.StatusOK {
		t.Fatalf("progress status = %d", code)
	}
	if progress.Book == nil || progress.Book.Model != "ggml-tiny" || progress.Book.Generation != 1 {
		t.Fatalf("unexpected book %+v", progress.Book)
	}
	if len(progress.Stages) != len(library.TrackedStages()) {
		t.Fatalf("stages = %+v", progress.Stages)
	}
	for _, s := range progress.Stages {
		if s.Status != string(library.StatusPending) {
			t.Fatalf("stage %s status = %s", s.Stage, s.Status)
		}
	}

	var jobs api.JobListResponse
	if code := env.do(t, http.MethodGet, "/api/jobs?bookId=b1", nil, &jobs); code != http.StatusOK {
		t.Fatalf("jobs status = %d", code)
	}
	if len(jobs.Jobs) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(jobs.Jobs))
	}

	var root api.Job
	if code := env.do(t, http.MethodGet, "/api/jobs/"+setup.JobID, nil, &root); code != http.StatusOK {
		t.Fatalf("get job status = %d", code)
	}
	if root.Queue != jobqueue.QueueNotify {
		t.Fatalf("root queue = %s", root.Queue)
	}

	var books api.BookListResponse
	env.do(t, http.MethodGet, "/api/books", nil, &books)
	if len(books.Books) != 1 || books.Books[0].ID != "b1" {
		t.Fatalf("books = %+v", books.Books)
	}
}

func TestAPIErrors(t *testing.T) {
	env := newTestEnv(t)

	var errResp api.ErrorResponse
	if code := env.do(t, http.MethodGet, "/api/books/missing/progress", nil, &errResp); code != http.StatusNotFound {
		t.Fatalf("progress status = %d", code)
	}
	if errResp.Kind != "not_found" {
		t.Fatalf("kind = %q", errResp.Kind)
	}

	if code := env.do(t, http.MethodPost, "/api/books/b1/setup", api.SetupRequest{Stages: []string{"bogus"}}, &errResp); code != http.StatusBadRequest {
		t.Fatalf("bad stage status = %d", code)
	}
	if code := env.do(t, http.MethodGet, "/api/jobs/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing job status = %d", code)
	}
	if code := env.do(t, http.MethodGet, "/api/jobs?status=sleeping", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", code)
	}
	if code := env.do(t, http.MethodGet, "/api/books/b1/search?q=", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("empty search = %d", code)
	}
	if code := env.do(t, http.MethodGet, "/api/books/b1/segments/nearest?positionMs=x", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad position = %d", code)
	}
	if code := env.do(t, http.MethodPut, "/api/books", nil, nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method = %d", code)
	}
	if code := env.do(t, http.MethodPost, "/api/jobs/j1", nil, nil); code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method on job = %d", code)
	}
	if code := env.do(t, http.MethodGet, "/api/unknown", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown api path = %d", code)
	}
}

func TestAPIImportTranscript(t *testing.T) {
	env := newTestEnv(t)

	body := api.ImportRequest{
		Model: "external",
		Segments: []api.ImportSegment{
			{Text: "hello", StartMs: 0, EndMs: 1000},
			{Text: "world", StartMs: 1000, EndMs: 2000},
		},
	}
	var resp api.JobResponse
	if code := env.do(t, http.MethodPost, "/api/books/b2/transcript", body, &resp); code != http.StatusAccepted {
		t.Fatalf("import status = %d", code)
	}

	segs, err := env.library.Segments(context.Background(), "b2", "external")
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}

	var nearest api.Segment
	if code := env.do(t, http.MethodGet, "/api/books/b2/segments/nearest?positionMs=1500", nil, &nearest); code != http.StatusOK {
		t.Fatalf("nearest status = %d", code)
	}
	if nearest.Text != "world" {
		t.Fatalf("nearest = %+v", nearest)
	}

	if code := env.do(t, http.MethodPost, "/api/books/b2/transcript", api.ImportRequest{}, nil); code != http.StatusBadRequest {
		t.Fatalf("empty import status = %d", code)
	}
}

func TestAPICancelAndJobActions(t *testing.T) {
	env := newTestEnv(t)
	var setup api.JobResponse
	env.do(t, http.MethodPost, "/api/books/b1/setup", api.SetupRequest{}, &setup)

	var count api.CountResponse
	if code := env.do(t, http.MethodPost, "/api/books/b1/cancel", nil, &count); code != http.StatusOK {
		t.Fatalf("cancel status = %d", code)
	}
	if count.Count != 5 {
		t.Fatalf("cancelled = %d", count.Count)
	}

	var jobs api.JobListResponse
	env.do(t, http.MethodGet, "/api/jobs?bookId=b1", nil, &jobs)
	if len(jobs.Jobs) != 0 {
		t.Fatalf("expected no jobs after cancel, got %d", len(jobs.Jobs))
	}

	env.do(t, http.MethodPost, "/api/books/b1/setup", api.SetupRequest{}, &setup)
	if code := env.do(t, http.MethodPost, "/api/jobs/"+setup.JobID+"/retry", nil, nil); code != http.StatusConflict {
		t.Fatalf("retry of blocked root with pending children = %d", code)
	}
	if code := env.do(t, http.MethodDelete, "/api/jobs/"+setup.JobID, nil, &count); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	if count.Count != 5 {
		t.Fatalf("deleted = %d", count.Count)
	}

	if code := env.do(t, http.MethodDelete, "/api/books/b1", nil, nil); code != http.StatusOK {
		t.Fatalf("remove status = %d", code)
	}
	if book, _ := env.library.GetBook(context.Background(), "b1"); book != nil {
		t.Fatalf("book still present: %+v", book)
	}
}

func TestAPIAuth(t *testing.T) {
	env := newTestEnv(t, testsupport.WithAPIToken("s3cret"))

	if code := env.do(t, http.MethodGet, "/api/books", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", code)
	}

	client, err := api.NewClientForURL(env.server.URL, "s3cret")
	if err != nil {
		t.Fatalf("NewClientForURL: %v", err)
	}
	if _, err := client.Books(context.Background()); err != nil {
		t.Fatalf("authenticated Books: %v", err)
	}
}

func TestAPIProgressStream(t *testing.T) {
	env := newTestEnv(t)
	client, _ := api.NewClientForURL(env.server.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Setup(ctx, "b1", api.SetupRequest{}); err != nil {
		t.Fatalf("Setup: %v", err)
	}

	received := make(chan api.Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- client.StreamProgress(ctx, "b1", func(ev api.Event) error {
			received <- ev
			return nil
		})
	}()

	for i := 0; i < len(library.TrackedStages()); i++ {
		select {
		case ev := <-received:
			if ev.Type != events.TypeStageProgress || ev.BookID != "b1" {
				t.Fatalf("unexpected snapshot %+v", ev)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for snapshot")
		}
	}

	pct := 42.0
	_ = env.bus.Publish(ctx, events.Event{Type: events.TypeStageProgress, BookID: "other", Progress: &pct})
	_ = env.bus.Publish(ctx, events.Event{Type: events.TypeStageProgress, BookID: "b1", Stage: "download", Progress: &pct})
	select {
	case ev := <-received:
		if ev.BookID != "b1" || ev.Progress == nil || *ev.Progress != 42 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}
}

func TestAPIProgressStreamUnknownBook(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/books/missing/progress/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{services.Wrap(services.ErrValidation, "setup", "x", "", nil), http.StatusBadRequest},
		{services.Wrap(services.ErrNotFound, "progress", "x", "", nil), http.StatusNotFound},
		{fmt.Errorf("get: %w", jobqueue.ErrJobNotFound), http.StatusNotFound},
		{jobqueue.ErrJobActive, http.StatusConflict},
		{jobqueue.ErrNotRetryable, http.StatusConflict},
		{library.ErrBookNotFound, http.StatusNotFound},
		{services.Wrap(services.ErrConfiguration, "search", "x", "", nil), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if code, _ := statusFor(tc.err); code != tc.code {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, code, tc.code)
		}
	}
}

func TestParseDelay(t *testing.T) {
	cases := map[string]time.Duration{"": 0, "30": 30 * time.Second, "1m": time.Minute}
	for in, want := range cases {
		got, err := parseDelay(in)
		if err != nil || got != want {
			t.Errorf("parseDelay(%q) = %v, %v", in, got, err)
		}
	}
	for _, bad := range []string{"-5", "soon", "-1s"} {
		if _, err := parseDelay(bad); err == nil {
			t.Errorf("parseDelay(%q) should fail", bad)
		}
	}
}
