package daemon

import (
	"context"
	"testing"
	"time"

	"lectern/internal/api"
)

func TestDaemonStartStop(t *testing.T) {
	env := newTestEnv(t)
	d := env.daemon

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(d.Stop)

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if !status.Workflow.Running {
		t.Fatal("expected job manager to be running")
	}
	if status.EventBus != "local" || status.PID == 0 {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.Dependencies) == 0 || len(status.Checks) == 0 {
		t.Fatalf("expected dependency and preflight results, got %+v", status)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	client, err := api.NewClientForURL(d.APIAddress(), "")
	if err != nil {
		t.Fatalf("NewClientForURL: %v", err)
	}
	remote, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("client.Status: %v", err)
	}
	if !remote.Running || remote.Workflow.Workers["download-book"] != 1 {
		t.Fatalf("unexpected remote status %+v", remote)
	}

	d.Stop()
	time.Sleep(50 * time.Millisecond)
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if d.APIAddress() != "" {
		t.Fatal("expected api listener to be closed")
	}
}

func TestDaemonTestNotificationWithoutTopic(t *testing.T) {
	env := newTestEnv(t)
	ok, msg, err := env.daemon.TestNotification(context.Background())
	if err != nil || ok {
		t.Fatalf("expected skipped notification, got ok=%v err=%v", ok, err)
	}
	if msg != "ntfy topic not configured" {
		t.Fatalf("message = %q", msg)
	}
}
