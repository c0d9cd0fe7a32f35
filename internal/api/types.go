package api

import "lectern/internal/events"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Book describes a library book.
type Book struct {
	ID              string  `json:"id"`
	Title           string  `json:"title,omitempty"`
	Model           string  `json:"model,omitempty"`
	Downloaded      bool    `json:"downloaded"`
	AudioProcessed  bool    `json:"audioProcessed"`
	Transcribed     bool    `json:"transcribed"`
	Vectorized      bool    `json:"vectorized"`
	Favorite        bool    `json:"favorite"`
	Setup           bool    `json:"setup"`
	Ready           bool    `json:"ready"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Generation      int64   `json:"generation"`
	CreatedAt       string  `json:"createdAt,omitempty"`
	UpdatedAt       string  `json:"updatedAt,omitempty"`
}

// StageProgress is the state of one stage for one book.
type StageProgress struct {
	Stage       string   `json:"stage"`
	Model       string   `json:"model,omitempty"`
	Status      string   `json:"status"`
	Progress    *float64 `json:"progress,omitempty"`
	Error       string   `json:"error,omitempty"`
	StartedAt   string   `json:"startedAt,omitempty"`
	CompletedAt string   `json:"completedAt,omitempty"`
}

// Progress is the progress view of a book.
type Progress struct {
	Book         *Book           `json:"book"`
	Stages       []StageProgress `json:"stages"`
	CurrentStage string          `json:"currentStage,omitempty"`
	Ready        bool            `json:"ready"`
}

// Segment is one transcript segment.
type Segment struct {
	ID      int64  `json:"id"`
	FileIno string `json:"fileIno,omitempty"`
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

// SearchResult is one matching transcript chunk.
type SearchResult struct {
	ChunkID    string   `json:"chunkId"`
	Text       string   `json:"text"`
	StartMs    int64    `json:"startTime"`
	EndMs      int64    `json:"endTime"`
	KeyPhrases []string `json:"keyPhrases,omitempty"`
	Similarity float64  `json:"similarity"`
}

// SetupRequest starts (or restarts) setup for a book.
type SetupRequest struct {
	Model       string   `json:"model,omitempty"`
	Stages      []string `json:"stages,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	MaxAttempts int      `json:"maxAttempts,omitempty"`
}

// JobResponse carries the id of an enqueued flow root.
type JobResponse struct {
	JobID string `json:"jobId"`
}

// ImportSegment is one segment of an imported transcript.
type ImportSegment struct {
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	FileIno string `json:"fileIno,omitempty"`
}

// ImportRequest uploads a transcript produced outside the pipeline.
type ImportRequest struct {
	Model    string          `json:"model"`
	Segments []ImportSegment `json:"segments"`
}

// Job describes a queue job.
type Job struct {
	ID              string `json:"id"`
	FlowID          string `json:"flowId"`
	ParentID        string `json:"parentId,omitempty"`
	Queue           string `json:"queue"`
	Name            string `json:"name"`
	BookID          string `json:"bookId"`
	Model           string `json:"model,omitempty"`
	Generation      int64  `json:"generation"`
	Status          string `json:"status"`
	PendingChildren int    `json:"pendingChildren"`
	Priority        int    `json:"priority"`
	AttemptsMade    int    `json:"attemptsMade"`
	MaxAttempts     int    `json:"maxAttempts"`
	LastError       string `json:"lastError,omitempty"`
	RunAt           string `json:"runAt,omitempty"`
	CreatedAt       string `json:"createdAt,omitempty"`
	StartedAt       string `json:"startedAt,omitempty"`
	FinishedAt      string `json:"finishedAt,omitempty"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []Job `json:"jobs"`
}

// BookListResponse wraps a collection of books.
type BookListResponse struct {
	Books []Book `json:"books"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// CountResponse reports how many rows an operation touched.
type CountResponse struct {
	Count int64 `json:"count"`
}

// MessageResponse is a plain acknowledgement.
type MessageResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// WorkflowStatus summarizes worker execution state.
type WorkflowStatus struct {
	Running    bool                      `json:"running"`
	LastError  string                    `json:"lastError,omitempty"`
	Workers    map[string]int            `json:"workers"`
	QueueStats map[string]map[string]int `json:"queueStats"`
	ActiveJobs []Job                     `json:"activeJobs"`
}

// DependencyStatus captures availability of an external binary.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// CheckResult is one preflight check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running       bool               `json:"running"`
	PID           int                `json:"pid"`
	LibraryDBPath string             `json:"libraryDbPath"`
	QueueDBPath   string             `json:"queueDbPath"`
	LockFilePath  string             `json:"lockFilePath"`
	EventBus      string             `json:"eventBus"`
	Workflow      WorkflowStatus     `json:"workflow"`
	Dependencies  []DependencyStatus `json:"dependencies"`
	Checks        []CheckResult      `json:"checks"`
}

// Event is a progress stream message.
type Event = events.Event
