package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"lectern/internal/config"
	"lectern/internal/notifications"
)

func TestNewNotifierReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	n := notifications.NewNotifier(&cfg)
	if _, ok := n.(notifications.Noop); !ok {
		t.Fatalf("expected Noop, got %T", n)
	}
	if err := n.Notify(context.Background(), "Dune is ready", "done"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

type captured struct {
	title, tags, priority, body, agent string
}

func newServer(t *testing.T, status int, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		*got = captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
			agent:    r.Header.Get("User-Agent"),
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNtfyNotifyFormatsRequest(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, &got)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL + "/lectern"
	n := notifications.NewNotifier(&cfg)

	msg := "Book processing has been completed using ggml-base.en model in 12 minutes"
	if err := n.Notify(context.Background(), "Dune is ready", msg); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.title != "Dune is ready" || got.body != msg {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.tags != "lectern,books" || got.priority != "" {
		t.Fatalf("unexpected tags/priority: %+v", got)
	}
	if !strings.HasPrefix(got.agent, "Lectern/") {
		t.Fatalf("user agent = %q", got.agent)
	}
}

func TestNtfyTestUsesLowPriority(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusOK, &got)
	n := notifications.NewNtfy(srv.URL, nil)
	if err := n.Test(context.Background()); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if got.priority != "low" || got.title != "Lectern - Test" {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestNtfyErrorStatus(t *testing.T) {
	var got captured
	srv := newServer(t, http.StatusForbidden, &got)
	n := notifications.NewNtfy(srv.URL, nil)
	err := n.Notify(context.Background(), "t", "m")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
}
