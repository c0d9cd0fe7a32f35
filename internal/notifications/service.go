package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lectern/internal/config"
)

const userAgent = "Lectern/0.1.0"

// Notifier sends user-facing messages.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
	Test(ctx context.Context) error
}

// Message is a fully specified notification.
type Message struct {
	Title    string
	Body     string
	Tags     []string
	Priority string
}

// NewNotifier builds a notifier backed by ntfy when a topic is configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewNotifier(cfg *config.Config) Notifier {
	if cfg == nil {
		return Noop{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return Noop{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewNtfy(topic, &http.Client{Timeout: timeout})
}

// Ntfy posts plain-text messages to an ntfy topic URL.
type Ntfy struct {
	endpoint string
	client   *http.Client
}

// NewNtfy returns an ntfy notifier for the full topic URL.
func NewNtfy(endpoint string, client *http.Client) *Ntfy {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Ntfy{endpoint: endpoint, client: client}
}

func (n *Ntfy) Notify(ctx context.Context, title, message string) error {
	return n.Send(ctx, Message{
		Title: strings.TrimSpace(title),
		Body:  strings.TrimSpace(message),
		Tags:  []string{"lectern", "books"},
	})
}

func (n *Ntfy) Test(ctx context.Context) error {
	return n.Send(ctx, Message{
		Title:    "Lectern - Test",
		Body:     "🧪 Notification system test",
		Tags:     []string{"lectern", "test"},
		Priority: "low",
	})
}

// Send posts msg to the topic.
func (n *Ntfy) Send(ctx context.Context, msg Message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}
	if msg.Priority != "" && msg.Priority != "default" {
		req.Header.Set("Priority", msg.Priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Noop discards every message.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) error { return nil }
func (Noop) Test(context.Context) error                   { return nil }
