package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"lectern/internal/api"
	"lectern/internal/config"
	"lectern/internal/daemon"
	"lectern/internal/events"
	"lectern/internal/jobqueue"
	"lectern/internal/logging"
	"lectern/internal/pipeline"
	"lectern/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithAPIToken("cli-secret"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	lib := testsupport.MustOpenLibrary(t, cfg)
	queue := testsupport.MustOpenQueue(t, cfg)
	bus := events.NewLocalBus()
	logger := logging.NewNop()

	mgr := jobqueue.NewManager(queue, jobqueue.ManagerOptions{PollInterval: 50 * time.Millisecond, Logger: logger})
	mgr.Register(jobqueue.QueueNotify, func(context.Context, *jobqueue.Job) error { return nil }, 1)
	coord := pipeline.NewCoordinator(cfg, lib, queue, nil, bus, logger)

	d, err := daemon.New(daemon.Options{
		Config:      cfg,
		Library:     lib,
		Queue:       queue,
		Manager:     mgr,
		Coordinator: coord,
		Events:      bus,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)

	cfg.Paths.APIBind = d.APIAddress()
	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{cfg: cfg, daemon: d, configPath: configPath, baseDir: base}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestCLISetupProgressAndJobs(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env.configPath, "setup", "book-1", "--model", "ggml-tiny")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !strings.Contains(out, "Setup queued for book-1") {
		t.Fatalf("setup output = %q", out)
	}

	out, err = runCLI(t, env.configPath, "progress", "book-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	for _, want := range []string{"model=ggml-tiny", "Download", "Transcribe", "Vectorize"} {
		if !strings.Contains(out, want) {
			t.Fatalf("progress output missing %q:\n%s", want, out)
		}
	}

	out, err = runCLI(t, env.configPath, "--json", "jobs", "list", "--book", "book-1")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	var jobs api.JobListResponse
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("decode jobs: %v\n%s", err, out)
	}
	if len(jobs.Jobs) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(jobs.Jobs))
	}

	out, err = runCLI(t, env.configPath, "books")
	if err != nil {
		t.Fatalf("books: %v", err)
	}
	if !strings.Contains(out, "book-1") {
		t.Fatalf("books output = %q", out)
	}

	out, err = runCLI(t, env.configPath, "cancel", "book-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "Cancelled 5 queued jobs") {
		t.Fatalf("cancel output = %q", out)
	}
}

func TestCLIImportAndNearest(t *testing.T) {
	env := setupCLITestEnv(t)

	path := filepath.Join(env.baseDir, "book-2.yaml")
	testsupport.WriteTranscript(t, path, "external", "hello", "world")

	out, err := runCLI(t, env.configPath, "import", "book-2", path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "Imported 2 segments") {
		t.Fatalf("import output = %q", out)
	}

	out, err = runCLI(t, env.configPath, "nearest", "book-2", "1500")
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if !strings.Contains(out, "world") || !strings.Contains(out, "00:00:01") {
		t.Fatalf("nearest output = %q", out)
	}

	if _, err := runCLI(t, env.configPath, "progress", "missing"); !api.IsNotFound(err) {
		t.Fatalf("expected not found for unknown book, got %v", err)
	}
}

func TestCLIStatusAndNotify(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env.configPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "running=yes") || !strings.Contains(out, "FFmpeg") {
		t.Fatalf("status output = %q", out)
	}

	out, err = runCLI(t, env.configPath, "test-notify")
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	if !strings.Contains(out, "ntfy topic not configured") {
		t.Fatalf("test-notify output = %q", out)
	}
}

func TestCLIConfigShowMasksSecrets(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "cli-secret") || !strings.Contains(out, maskedValue) {
		t.Fatalf("expected masked token in output:\n%s", out)
	}
}

func TestCLIConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config: %v", err)
	}

	cmd = newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"config", "init", "--path", target})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error when config exists")
	}
}

func TestCLIDaemonUnavailable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:1"
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	_, err := runCLI(t, configPath, "books")
	if err == nil || !strings.Contains(err.Error(), "start it with `lecternd`") {
		t.Fatalf("expected unavailable hint, got %v", err)
	}
}

func TestParsePosition(t *testing.T) {
	cases := map[string]int64{"1500": 1500, "1m": 60000, "1h2m3s": 3723000}
	for in, want := range cases {
		got, err := parsePosition(in)
		if err != nil || got != want {
			t.Fatalf("parsePosition(%q) = %d, %v", in, got, err)
		}
	}
	if _, err := parsePosition("-5s"); err == nil {
		t.Fatal("expected error for negative position")
	}
	if got := formatMs(3723000); got != "01:02:03" {
		t.Fatalf("formatMs = %s", got)
	}
}
