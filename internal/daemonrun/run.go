package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"lectern/internal/config"
	"lectern/internal/daemon"
	"lectern/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides logging.level when set.
	LogLevel string
}

// Run starts the lectern daemon and blocks until SIGINT/SIGTERM or ctx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	logDependencySnapshot(logger, cfg)
	pidPath := filepath.Join(cfg.Paths.LogDir, "lecternd.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	stack, err := Build(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("build daemon stack", logging.Error(err))
		return err
	}
	defer stack.Close()

	d, err := daemon.New(stack.DaemonOptions())
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file, api bind address, and database access"),
			logging.String(logging.FieldImpact, "no books will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("lectern daemon shutting down")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("dependency snapshot",
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("media_server_configured", strings.TrimSpace(cfg.MediaServer.URL) != ""),
		logging.Bool("media_token_present", strings.TrimSpace(cfg.MediaServer.Token) != ""),
		logging.Bool("ffmpeg_available", binaryAvailable(cfg.Audio.FFmpegBinary)),
		logging.String("ffmpeg_binary", cfg.Audio.FFmpegBinary),
		logging.Bool("whisper_available", binaryAvailable(cfg.Transcription.Binary)),
		logging.String("whisper_binary", cfg.Transcription.Binary),
		logging.String("whisper_model", cfg.Transcription.DefaultModel),
		logging.String("vector_backend", cfg.Vector.Backend),
		logging.Bool("redis_enabled", strings.TrimSpace(cfg.Redis.URL) != ""),
		logging.Bool("kafka_enabled", len(cfg.Kafka.Brokers) > 0),
		logging.Bool("audio_cache_enabled", cfg.AudioCache.Enabled),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
