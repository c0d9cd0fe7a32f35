package library

import (
	"fmt"
	"strings"
	"time"
)

// Stage names one step of the book setup pipeline.
type Stage string

const (
	StageDownload     Stage = "download"
	StageProcessAudio Stage = "process-audio"
	StageTranscribe   Stage = "transcribe"
	StageVectorize    Stage = "vectorize"
	StageNotify       Stage = "notify"
)

var trackedStages = []Stage{StageDownload, StageTranscribe, StageVectorize}

// TrackedStages returns the stages that own a progress row, in pipeline order.
func TrackedStages() []Stage {
	out := make([]Stage, len(trackedStages))
	copy(out, trackedStages)
	return out
}

// Tracked reports whether the stage owns a progress row.
func (s Stage) Tracked() bool {
	for _, stage := range trackedStages {
		if stage == s {
			return true
		}
	}
	return false
}

// Flag returns the readiness flag a successful run of the stage sets.
func (s Stage) Flag() (Flag, bool) {
	switch s {
	case StageDownload:
		return FlagDownloaded, true
	case StageProcessAudio:
		return FlagAudioProcessed, true
	case StageTranscribe:
		return FlagTranscribed, true
	case StageVectorize:
		return FlagVectorized, true
	default:
		return "", false
	}
}

func (s Stage) order() int {
	switch s {
	case StageDownload:
		return 0
	case StageProcessAudio:
		return 1
	case StageTranscribe:
		return 2
	case StageVectorize:
		return 3
	case StageNotify:
		return 4
	default:
		return 5
	}
}

// ParseStage validates a stage name.
func ParseStage(value string) (Stage, error) {
	stage := Stage(strings.ToLower(strings.TrimSpace(value)))
	if stage.order() > 4 {
		return "", fmt.Errorf("unknown stage %q", value)
	}
	return stage, nil
}

// Status is the lifecycle state of a stage progress row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Flag names one of the four readiness flags on a book.
type Flag string

const (
	FlagDownloaded     Flag = "downloaded"
	FlagAudioProcessed Flag = "audio_processed"
	FlagTranscribed    Flag = "transcribed"
	FlagVectorized     Flag = "vectorized"
)

func (f Flag) column() (string, error) {
	switch f {
	case FlagDownloaded, FlagAudioProcessed, FlagTranscribed, FlagVectorized:
		return string(f), nil
	default:
		return "", fmt.Errorf("unknown flag %q", f)
	}
}

// Book is a library item being prepared for playback and chat.
type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	Model           string    `json:"model,omitempty"`
	Downloaded      bool      `json:"downloaded"`
	AudioProcessed  bool      `json:"audioProcessed"`
	Transcribed     bool      `json:"transcribed"`
	Vectorized      bool      `json:"vectorized"`
	Favorite        bool      `json:"favorite"`
	Setup           bool      `json:"setup"`
	DurationSeconds float64   `json:"durationSeconds,omitempty"`
	Generation      int64     `json:"generation"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Ready reports whether every readiness flag is set.
func (b *Book) Ready() bool {
	if b == nil {
		return false
	}
	return b.Downloaded && b.AudioProcessed && b.Transcribed && b.Vectorized
}

// StageProgress is the persisted state of one stage for one book.
type StageProgress struct {
	BookID      string     `json:"bookId"`
	Stage       Stage      `json:"stage"`
	Model       string     `json:"model,omitempty"`
	Status      Status     `json:"status"`
	Progress    *float64   `json:"progress,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Elapsed returns completedAt-startedAt, or zero when either is missing.
func (p StageProgress) Elapsed() time.Duration {
	if p.StartedAt == nil || p.CompletedAt == nil {
		return 0
	}
	d := p.CompletedAt.Sub(*p.StartedAt)
	if d < 0 {
		return 0
	}
	return d
}

// Segment is one timed span of transcribed speech.
type Segment struct {
	ID      int64  `json:"id,omitempty"`
	BookID  string `json:"bookId,omitempty"`
	Model   string `json:"model,omitempty"`
	FileIno string `json:"fileIno,omitempty"`
	Text    string `json:"text"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

// ProgressReport is the progress view of a book.
type ProgressReport struct {
	Book         *Book           `json:"book"`
	Stages       []StageProgress `json:"stages"`
	CurrentStage Stage           `json:"currentStage,omitempty"`
	Ready        bool            `json:"ready"`
}

// StageUpdate is a patch for a stage progress row. Nil fields leave the
// column untouched; a non-nil empty Error or zero time clears the column.
type StageUpdate struct {
	Status      *Status
	Progress    *float64
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// BookUpdate is a patch for a book row. Nil fields leave the column untouched.
type BookUpdate struct {
	Title           *string
	Model           *string
	Setup           *bool
	Downloaded      *bool
	AudioProcessed  *bool
	Transcribed     *bool
	Vectorized      *bool
	Favorite        *bool
	DurationSeconds *float64
}

// StatusPtr, Float64Ptr, StringPtr, BoolPtr, and TimePtr build patch fields.
func StatusPtr(v Status) *Status     { return &v }
func Float64Ptr(v float64) *float64  { return &v }
func StringPtr(v string) *string     { return &v }
func BoolPtr(v bool) *bool           { return &v }
func TimePtr(v time.Time) *time.Time { return &v }
