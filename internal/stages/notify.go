package stages

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"lectern/internal/library"
	"lectern/internal/logging"
	"lectern/internal/notifications"
)

// Notify sends the "book is ready" push notification. Failures are logged
// and never fail the job.
type Notify struct {
	library  *library.Store
	notifier notifications.Notifier
	enabled  bool
}

// NewNotify constructs the notify handler.
func NewNotify(store *library.Store, notifier notifications.Notifier, enabled bool) *Notify {
	if notifier == nil {
		notifier = notifications.Noop{}
	}
	return &Notify{library: store, notifier: notifier, enabled: enabled}
}

func (n *Notify) Stage() library.Stage { return library.StageNotify }

func (n *Notify) Execute(ctx context.Context, task *Task) error {
	logger := task.logger()
	if !n.enabled {
		logger.Debug("book ready notification disabled")
		return nil
	}

	title, message, err := n.compose(ctx, task)
	if err != nil {
		logging.WarnWithContext(logger, "could not build ready notification", "notification_failed", logging.Error(err))
		return nil
	}
	if err := n.notifier.Notify(ctx, title, message); err != nil {
		logging.WarnWithContext(logger, "ready notification failed", "notification_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "book is ready but no push notification was sent"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
		return nil
	}
	logger.Info("ready notification sent", logging.String("title", title))
	return nil
}

func (n *Notify) compose(ctx context.Context, task *Task) (string, string, error) {
	book, err := n.library.GetBook(ctx, task.BookID)
	if err != nil {
		return "", "", err
	}
	name := task.BookID
	if book != nil && strings.TrimSpace(book.Title) != "" {
		name = strings.TrimSpace(book.Title)
	}
	stages, err := n.library.StageProgress(ctx, task.BookID)
	if err != nil {
		return "", "", err
	}
	model := task.Model
	if model == "" && book != nil {
		model = book.Model
	}
	title := fmt.Sprintf("%s is ready", name)
	message := fmt.Sprintf("Book processing has been completed using %s model in %s minutes", model, FormatMinutes(TotalElapsed(stages)))
	return title, message, nil
}

// TotalElapsed sums completedAt-startedAt over the given stage rows.
func TotalElapsed(stages []library.StageProgress) time.Duration {
	var total time.Duration
	for _, s := range stages {
		total += s.Elapsed()
	}
	return total
}

// FormatMinutes renders d in minutes rounded to two decimals.
func FormatMinutes(d time.Duration) string {
	minutes := math.Round(d.Minutes()*100) / 100
	return strconv.FormatFloat(minutes, 'f', -1, 64)
}
