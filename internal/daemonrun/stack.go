package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lectern/internal/audio"
	"lectern/internal/audiocache"
	"lectern/internal/chunker"
	"lectern/internal/config"
	"lectern/internal/daemon"
	"lectern/internal/events"
	"lectern/internal/jobqueue"
	"lectern/internal/library"
	"lectern/internal/notifications"
	"lectern/internal/pipeline"
	"lectern/internal/services/audiobookshelf"
	"lectern/internal/services/ollama"
	"lectern/internal/services/whisper"
	"lectern/internal/stages"
	"lectern/internal/vectorindex"
)

// Stack holds every long-lived component built from config.
type Stack struct {
	Config      *config.Config
	Logger      *slog.Logger
	Library     *library.Store
	Queue       *jobqueue.Store
	Manager     *jobqueue.Manager
	Coordinator *pipeline.Coordinator
	Events      events.Bus
	EventBus    string
	Embeddings  *ollama.Client
	Notifier    notifications.Notifier

	closers []func() error
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Build opens stores and wires transports, clients, and stage handlers.
// On error, anything already opened is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (stack *Stack, err error) {
	s := &Stack{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.Library, err = library.Open(cfg); err != nil {
		return nil, fmt.Errorf("open library store: %w", err)
	}
	if s.Queue, err = jobqueue.Open(cfg); err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	if err := s.buildEvents(ctx); err != nil {
		return nil, err
	}

	s.Embeddings = ollama.New(cfg.Embeddings.URL, cfg.Embeddings.Model, seconds(cfg.Embeddings.RequestTimeout))
	vectors, err := openVectorStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, vectors.Close)
	index := vectorindex.New(s.Embeddings, vectors, vectorindex.Options{
		BatchSize:          cfg.Embeddings.BatchSize,
		Dimensions:         cfg.Vector.Dimensions,
		ExpansionThreshold: cfg.Vector.SearchExpansionThreshold,
		Logger:             logger,
	})

	cache, err := audiocache.New(ctx, cfg.AudioCache, logger)
	if err != nil {
		return nil, fmt.Errorf("open audio cache: %w", err)
	}
	media := audiobookshelf.New(cfg.MediaServer.URL, cfg.MediaServer.Token, seconds(cfg.MediaServer.RequestTimeout))
	processor := audio.NewProcessor(cfg.Audio.FFmpegBinary, cfg.Audio.Preprocess, logger)
	transcriber := whisper.NewService(whisper.Config{
		Binary:    cfg.Transcription.Binary,
		ModelsDir: cfg.Transcription.ModelsDir,
		Language:  cfg.Transcription.Language,
		Threads:   cfg.Transcription.Threads,
	})
	s.Notifier = notifications.NewNotifier(cfg)

	s.Manager = jobqueue.NewManager(s.Queue, jobqueue.ManagerOptions{
		PollInterval:      seconds(cfg.Queue.PollInterval),
		HeartbeatInterval: seconds(cfg.Queue.HeartbeatInterval),
		HeartbeatTimeout:  seconds(cfg.Queue.HeartbeatTimeout),
		Logger:            logger,
		Events:            s.Events,
	})
	runner := stages.NewRunner(s.Library, s.Events, logger)
	handlers := stages.Handlers{
		jobqueue.QueueDownload:     stages.NewDownload(cfg, media, cache, s.Library),
		jobqueue.QueueProcessAudio: stages.NewProcessAudio(cfg, processor),
		jobqueue.QueueTranscribe:   stages.NewTranscribe(cfg, transcriber, s.Library),
		jobqueue.QueueVectorize:    stages.NewVectorize(s.Library, index, ChunkerConfig(cfg)),
		jobqueue.QueueNotify:       stages.NewNotify(s.Library, s.Notifier, cfg.Notifications.BookReady),
	}
	if err := runner.Register(s.Manager, handlers, cfg.StageConcurrency); err != nil {
		return nil, err
	}

	s.Coordinator = pipeline.NewCoordinator(cfg, s.Library, s.Queue, index, s.Events, logger)
	return s, nil
}

// buildEvents picks the in-process or redis bus and tees kafka export onto it.
// The redis bus doubles as the queue's cross-process wake signal.
func (s *Stack) buildEvents(ctx context.Context) error {
	cfg := s.Config
	var bus events.Bus = events.NewLocalBus()
	s.EventBus = "local"
	if url := strings.TrimSpace(cfg.Redis.URL); url != "" {
		redisBus, err := events.NewRedisBus(ctx, url, cfg.Redis.ChannelPrefix, s.Logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.closers = append(s.closers, redisBus.Close)
		s.Queue.SetSignal(redisBus)
		bus = redisBus
		s.EventBus = "redis"
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		s.closers = append(s.closers, sink.Close)
		bus = events.Tee(bus, sink)
		s.EventBus += "+kafka"
	}
	s.Events = bus
	return nil
}

func openVectorStore(ctx context.Context, cfg *config.Config) (vectorindex.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Vector.Backend)) {
	case "pgvector":
		store, err := vectorindex.OpenPGVectorStore(ctx, cfg.Vector.DSN)
		if err != nil {
			return nil, fmt.Errorf("open pgvector store: %w", err)
		}
		return store, nil
	case "", "sqlite":
		store, err := vectorindex.OpenSQLiteStore(cfg.VectorDBPath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite vector store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported vector backend %q", cfg.Vector.Backend)
	}
}

// ChunkerConfig converts the chunking section to chunker bounds.
func ChunkerConfig(cfg *config.Config) chunker.Config {
	return chunker.Config{
		MaxChunkDuration: seconds(cfg.Chunking.MaxChunkDuration),
		MaxChunkLines:    cfg.Chunking.MaxChunkLines,
		MinChunkDuration: seconds(cfg.Chunking.MinChunkDuration),
	}
}

// DaemonOptions returns the daemon collaborators held by the stack.
func (s *Stack) DaemonOptions() daemon.Options {
	return daemon.Options{
		Config:       s.Config,
		Library:      s.Library,
		Queue:        s.Queue,
		Manager:      s.Manager,
		Coordinator:  s.Coordinator,
		Events:       s.Events,
		EventBusName: s.EventBus,
		Notifier:     s.Notifier,
		Embeddings:   s.Embeddings,
		Logger:       s.Logger,
	}
}

// Close releases transports, the vector store, and both databases.
// Closing a database the daemon already closed is a no-op.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	if s.Queue != nil {
		errs = append(errs, s.Queue.Close())
	}
	if s.Library != nil {
		errs = append(errs, s.Library.Close())
	}
	return errors.Join(errs...)
}
