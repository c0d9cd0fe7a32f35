package api

import (
	"sort"
	"time"

	"lectern/internal/deps"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
	"lectern/internal/preflight"
	"lectern/internal/vectorindex"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// FromBook converts a library book to its API representation.
func FromBook(b *library.Book) *Book {
	if b == nil {
		return nil
	}
	return &Book{
		ID:              b.ID,
		Title:           b.Title,
		Model:           b.Model,
		Downloaded:      b.Downloaded,
		AudioProcessed:  b.AudioProcessed,
		Transcribed:     b.Transcribed,
		Vectorized:      b.Vectorized,
		Favorite:        b.Favorite,
		Setup:           b.Setup,
		Ready:           b.Ready(),
		DurationSeconds: b.DurationSeconds,
		Generation:      b.Generation,
		CreatedAt:       formatTime(b.CreatedAt),
		UpdatedAt:       formatTime(b.UpdatedAt),
	}
}

// FromBooks converts a list of books.
func FromBooks(books []*library.Book) []Book {
	out := make([]Book, 0, len(books))
	for _, b := range books {
		if dto := FromBook(b); dto != nil {
			out = append(out, *dto)
		}
	}
	return out
}

// FromStageProgress converts a stage row.
func FromStageProgress(p library.StageProgress) StageProgress {
	return StageProgress{
		Stage:       string(p.Stage),
		Model:       p.Model,
		Status:      string(p.Status),
		Progress:    p.Progress,
		Error:       p.Error,
		StartedAt:   formatTimePtr(p.StartedAt),
		CompletedAt: formatTimePtr(p.CompletedAt),
	}
}

// FromProgress converts a progress report.
func FromProgress(r library.ProgressReport) Progress {
	out := Progress{
		Book:         FromBook(r.Book),
		Stages:       make([]StageProgress, 0, len(r.Stages)),
		CurrentStage: string(r.CurrentStage),
		Ready:        r.Ready,
	}
	for _, s := range r.Stages {
		out.Stages = append(out.Stages, FromStageProgress(s))
	}
	return out
}

// FromSegment converts a transcript segment.
func FromSegment(s library.Segment) Segment {
	return Segment{ID: s.ID, FileIno: s.FileIno, Text: s.Text, StartMs: s.StartMs, EndMs: s.EndMs}
}

// FromResults converts vector search results.
func FromResults(results []vectorindex.Result) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			ChunkID:    r.ChunkID,
			Text:       r.Text,
			StartMs:    r.StartMs,
			EndMs:      r.EndMs,
			KeyPhrases: r.KeyPhrases,
			Similarity: r.Similarity,
		})
	}
	return out
}

// FromJob converts a queue job to its API representation.
func FromJob(j *jobqueue.Job) Job {
	if j == nil {
		return Job{}
	}
	return Job{
		ID:              j.ID,
		FlowID:          j.FlowID,
		ParentID:        j.ParentID,
		Queue:           j.Queue,
		Name:            j.Name,
		BookID:          j.BookID,
		Model:           j.Payload.Model,
		Generation:      j.Payload.Generation,
		Status:          string(j.Status),
		PendingChildren: j.PendingChildren,
		Priority:        j.Priority,
		AttemptsMade:    j.AttemptsMade,
		MaxAttempts:     j.MaxAttempts,
		LastError:       j.LastError,
		RunAt:           formatTime(j.RunAt),
		CreatedAt:       formatTime(j.CreatedAt),
		StartedAt:       formatTimePtr(j.StartedAt),
		FinishedAt:      formatTimePtr(j.FinishedAt),
	}
}

// FromJobs converts a list of jobs.
func FromJobs(jobs []*jobqueue.Job) []Job {
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, FromJob(j))
	}
	return out
}

// FromStatusSummary converts manager state.
func FromStatusSummary(s jobqueue.StatusSummary) WorkflowStatus {
	out := WorkflowStatus{
		Running:    s.Running,
		LastError:  s.LastError,
		Workers:    s.Workers,
		QueueStats: make(map[string]map[string]int, len(s.QueueStats)),
		ActiveJobs: make([]Job, 0, len(s.ActiveJobs)),
	}
	for queue, counts := range s.QueueStats {
		m := make(map[string]int, len(counts))
		for status, n := range counts {
			m[string(status)] = n
		}
		out.QueueStats[queue] = m
	}
	for i := range s.ActiveJobs {
		out.ActiveJobs = append(out.ActiveJobs, FromJob(&s.ActiveJobs[i]))
	}
	return out
}

// FromDependencies converts binary checks.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyStatus{
			Name:        s.Name,
			Command:     s.Command,
			Description: s.Description,
			Optional:    s.Optional,
			Available:   s.Available,
			Detail:      s.Detail,
		})
	}
	return out
}

// FromChecks converts preflight results.
func FromChecks(results []preflight.Result) []CheckResult {
	out := make([]CheckResult, 0, len(results))
	for _, r := range results {
		out = append(out, CheckResult{Name: r.Name, Passed: r.Passed, Detail: r.Detail})
	}
	return out
}

// SortedQueues returns queue names from stats in a stable order.
func SortedQueues(stats map[string]map[string]int) []string {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
