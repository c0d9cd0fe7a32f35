package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lectern/internal/jobqueue"
	"lectern/internal/library"
)

func TestFromBookReadyAndTimes(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	book := &library.Book{
		ID:             "b1",
		Downloaded:     true,
		AudioProcessed: true,
		Transcribed:    true,
		Vectorized:     true,
		CreatedAt:      created,
	}
	dto := FromBook(book)
	if !dto.Ready {
		t.Fatal("expected ready book")
	}
	if dto.CreatedAt != "2026-01-02T03:04:05.006Z" {
		t.Fatalf("createdAt = %q", dto.CreatedAt)
	}
	if dto.UpdatedAt != "" {
		t.Fatalf("zero updatedAt should be empty, got %q", dto.UpdatedAt)
	}
	if FromBook(nil) != nil {
		t.Fatal("nil book should convert to nil")
	}
}

func TestFromJobCarriesPayload(t *testing.T) {
	started := time.Now()
	job := &jobqueue.Job{
		ID:        "j1",
		Queue:     jobqueue.QueueTranscribe,
		BookID:    "b1",
		Status:    jobqueue.StatusActive,
		Payload:   jobqueue.Payload{BookID: "b1", Model: "ggml-base.en", Generation: 3},
		StartedAt: &started,
	}
	dto := FromJob(job)
	if dto.Model != "ggml-base.en" || dto.Generation != 3 || dto.Status != "active" {
		t.Fatalf("unexpected dto %+v", dto)
	}
	if dto.StartedAt == "" || dto.FinishedAt != "" {
		t.Fatalf("unexpected timestamps %+v", dto)
	}
}

func TestFromStatusSummary(t *testing.T) {
	summary := jobqueue.StatusSummary{
		Running:    true,
		Workers:    map[string]int{jobqueue.QueueDownload: 2},
		ActiveJobs: []jobqueue.Job{{ID: "j1", Status: jobqueue.StatusActive}},
		QueueStats: jobqueue.Stats{jobqueue.QueueDownload: {jobqueue.StatusWaiting: 4}},
	}
	out := FromStatusSummary(summary)
	if out.QueueStats[jobqueue.QueueDownload]["waiting"] != 4 {
		t.Fatalf("queue stats = %+v", out.QueueStats)
	}
	if len(out.ActiveJobs) != 1 || out.ActiveJobs[0].ID != "j1" {
		t.Fatalf("active jobs = %+v", out.ActiveJobs)
	}
}

func TestStageLabel(t *testing.T) {
	cases := map[string]string{
		"process-audio":   "Process Audio",
		"transcribe-book": "Transcribe Book",
		"notify":          "Notify",
		"":                "",
	}
	for in, want := range cases {
		if got := StageLabel(in); got != want {
			t.Errorf("StageLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestElapsed(t *testing.T) {
	if got := Elapsed("2026-01-01T00:00:00.000Z", "2026-01-01T00:01:30.400Z"); got != "1m30s" {
		t.Fatalf("elapsed = %q", got)
	}
	if got := Elapsed("", "2026-01-01T00:00:00.000Z"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestClientSetupSendsTokenAndBody(t *testing.T) {
	var gotAuth, gotRequestID string
	var gotBody SetupRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/books/b 1/setup" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get(RequestIDHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(JobResponse{JobID: "root"})
	}))
	defer srv.Close()

	client, err := NewClientForURL(srv.URL, "secret")
	if err != nil {
		t.Fatalf("NewClientForURL: %v", err)
	}
	id, err := client.Setup(context.Background(), "b 1", SetupRequest{Model: "m", Stages: []string{"download"}})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if id != "root" {
		t.Fatalf("job id = %q", id)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotRequestID == "" {
		t.Fatal("expected request id header")
	}
	if gotBody.Model != "m" || len(gotBody.Stages) != 1 {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestClientErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "book not found", Kind: "not_found"})
	}))
	defer srv.Close()

	client, _ := NewClientForURL(srv.URL, "")
	_, err := client.Progress(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "book not found" || se.Kind != "not_found" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestClientListJobsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("queue") != "download-book" || len(q["status"]) != 2 || q.Get("bookId") != "b1" {
			t.Errorf("unexpected query %v", q)
		}
		_ = json.NewEncoder(w).Encode(JobListResponse{Jobs: []Job{{ID: "j1"}}})
	}))
	defer srv.Close()

	client, _ := NewClientForURL(srv.URL, "")
	jobs, err := client.ListJobs(context.Background(), JobQuery{
		Queue:    "download-book",
		Statuses: []string{"waiting", "failed"},
		BookID:   "b1",
	})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestClientUnavailable(t *testing.T) {
	if _, err := NewClientForURL("  ", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	client, _ := NewClientForURL("127.0.0.1:1", "")
	if _, err := client.Status(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
