package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"lectern/internal/jobqueue"
	"lectern/internal/logging"
	"lectern/internal/testsupport"
)

func TestBuildWiresEveryQueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	ctx := context.Background()

	stack, err := Build(ctx, cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if stack.EventBus != "local" {
		t.Fatalf("event bus = %q", stack.EventBus)
	}
	workers := stack.Manager.Status(ctx).Workers
	for _, queue := range []string{
		jobqueue.QueueDownload,
		jobqueue.QueueProcessAudio,
		jobqueue.QueueTranscribe,
		jobqueue.QueueVectorize,
		jobqueue.QueueNotify,
	} {
		if workers[queue] != cfg.StageConcurrency(queue) {
			t.Fatalf("workers[%s] = %d, want %d", queue, workers[queue], cfg.StageConcurrency(queue))
		}
	}
	if _, err := os.Stat(cfg.VectorDBPath()); err != nil {
		t.Fatalf("expected sqlite vector store: %v", err)
	}

	opts := stack.DaemonOptions()
	if opts.Coordinator == nil || opts.Manager == nil || opts.EventBusName != "local" {
		t.Fatalf("incomplete daemon options %+v", opts)
	}

	if err := stack.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := stack.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBuildRejectsUnknownVectorBackend(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	cfg.Vector.Backend = "faiss"
	if _, err := Build(context.Background(), cfg, logging.NewNop()); err == nil || !strings.Contains(err.Error(), "faiss") {
		t.Fatalf("expected unsupported backend error, got %v", err)
	}
}

func TestChunkerConfigUsesSeconds(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Chunking.MaxChunkDuration = 120
	cfg.Chunking.MaxChunkLines = 25
	cfg.Chunking.MinChunkDuration = 30
	got := ChunkerConfig(cfg)
	if got.MaxChunkDuration != 2*time.Minute || got.MaxChunkLines != 25 || got.MinChunkDuration != 30*time.Second {
		t.Fatalf("unexpected chunker config %+v", got)
	}
}

func TestRunWritesPIDAndStopsOnCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Logging.Format = "json"
	ctx, cancel := context.WithCancel(context.Background())
	pidPath := filepath.Join(cfg.Paths.LogDir, "lecternd.pid")

	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, Options{LogLevel: "info"}) }()

	logPath := filepath.Join(cfg.Paths.LogDir, "lectern.log")
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), "lectern daemon started") {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("daemon did not start; log:\n%s", data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	data, err := os.ReadFile(pidPath)
	if err != nil || strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		cancel()
		t.Fatalf("pid file = %q, %v", data, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, got %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("log level override not applied: %s", cfg.Logging.Level)
	}
}

func TestRunRequiresConfig(t *testing.T) {
	if err := Run(context.Background(), nil, Options{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}
