package jobqueue

import (
	"errors"
	"time"
)

// Queue names used by the book setup flow.
const (
	QueueDownload     = "download-book"
	QueueProcessAudio = "process-audio"
	QueueTranscribe   = "transcribe-book"
	QueueVectorize    = "vectorize-book"
	QueueNotify       = "notification"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusWaiting, StatusDelayed, StatusActive, StatusCompleted, StatusFailed, StatusBlocked}
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	for _, s := range AllStatuses() {
		if string(s) == value {
			return s, true
		}
	}
	return "", false
}

// Pending reports whether the job has not started or finished yet.
func (s Status) Pending() bool {
	return s == StatusWaiting || s == StatusDelayed || s == StatusBlocked
}

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobActive is returned when an operation would disturb a running job.
	ErrJobActive = errors.New("job is active")
	// ErrNotRetryable is returned when RetryJob targets a job with nothing to retry.
	ErrNotRetryable = errors.New("job is not failed or blocked")
)

// Payload is the data every stage job carries.
type Payload struct {
	BookID     string            `json:"bookId"`
	Model      string            `json:"model,omitempty"`
	Generation int64             `json:"generation"`
	Data       map[string]string `json:"data,omitempty"`
}

// Job is a persisted unit of work.
type Job struct {
	ID              string
	FlowID          string
	ParentID        string
	Queue           string
	Name            string
	BookID          string
	Payload         Payload
	Status          Status
	PendingChildren int
	Priority        int
	AttemptsMade    int
	MaxAttempts     int
	Backoff         time.Duration
	RunAt           time.Time
	LastError       string
	HeartbeatAt     *time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// FlowNode describes one job in a flow and the jobs that must finish first.
type FlowNode struct {
	Queue    string
	Name     string
	Payload  Payload
	Children []FlowNode
	// MaxAttempts overrides EnqueueOptions.MaxAttempts when positive.
	MaxAttempts int
}

// Chain builds a flow where each node runs after the previous one.
// The first node is the leaf and the last node becomes the root.
func Chain(nodes ...FlowNode) FlowNode {
	if len(nodes) == 0 {
		return FlowNode{}
	}
	root := nodes[0]
	for _, next := range nodes[1:] {
		next.Children = append(next.Children, root)
		root = next
	}
	return root
}

// EnqueueOptions apply to every job in a flow.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	Backoff     time.Duration
}

// Filter narrows ListJobs.
type Filter struct {
	Queue    string
	Statuses []Status
	BookID   string
	FlowID   string
	Limit    int
}

// Stats counts jobs by queue then status.
type Stats map[string]map[Status]int
