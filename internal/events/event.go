package events

import (
	"context"
	"time"
)

// Event types.
const (
	TypeJobEnqueued   = "job.enqueued"
	TypeJobStarted    = "job.started"
	TypeJobCompleted  = "job.completed"
	TypeJobFailed     = "job.failed"
	TypeJobSkipped    = "job.skipped"
	TypeStageProgress = "stage.progress"
	TypeBookReady     = "book.ready"
	TypeBookCancelled = "book.cancelled"
)

// Event is a single lifecycle observation.
type Event struct {
	Type     string    `json:"type"`
	BookID   string    `json:"bookId,omitempty"`
	Stage    string    `json:"stage,omitempty"`
	JobID    string    `json:"jobId,omitempty"`
	Queue    string    `json:"queue,omitempty"`
	Status   string    `json:"status,omitempty"`
	Progress *float64  `json:"progress,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Bus publishes events to subscribers.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a channel of events and a cancel func. The channel
	// closes after cancel is called or ctx ends.
	Subscribe(ctx context.Context) (<-chan Event, func())
}

// Sink receives a copy of every published event.
type Sink interface {
	Write(ctx context.Context, event Event) error
	Close() error
}

// Filter returns a channel that only forwards events for bookID.
func Filter(in <-chan Event, bookID string) <-chan Event {
	out := make(chan Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			if ev.BookID == bookID {
				out <- ev
			}
		}
	}()
	return out
}

func stamp(event Event) Event {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	return event
}
