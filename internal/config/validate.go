package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateChunking(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateVector(); err != nil {
		return err
	}
	if err := c.validateAudioCache(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateChunking() error {
	if c.Chunking.MaxChunkDuration <= 0 {
		return errors.New("chunking.max_chunk_duration must be positive")
	}
	if c.Chunking.MaxChunkLines <= 0 {
		return errors.New("chunking.max_chunk_lines must be positive")
	}
	if c.Chunking.MinChunkDuration < 0 {
		return errors.New("chunking.min_chunk_duration must be >= 0")
	}
	if c.Chunking.MinChunkDuration > c.Chunking.MaxChunkDuration {
		return errors.New("chunking.min_chunk_duration must not exceed max_chunk_duration")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase < 0 {
		return errors.New("queue.backoff_base must be >= 0")
	}
	if c.Queue.HeartbeatInterval <= 0 {
		return errors.New("queue.heartbeat_interval must be positive")
	}
	if c.Queue.HeartbeatTimeout <= c.Queue.HeartbeatInterval {
		return errors.New("queue.heartbeat_timeout must be greater than heartbeat_interval")
	}
	for name, n := range c.Queue.Concurrency {
		if n < 0 {
			return fmt.Errorf("queue.concurrency.%s must be >= 0", name)
		}
	}
	return nil
}

func (c *Config) validateVector() error {
	switch c.Vector.Backend {
	case "sqlite":
	case "pgvector":
		if c.Vector.DSN == "" {
			return errors.New("vector.dsn is required when vector.backend is pgvector (or set LECTERN_PGVECTOR_DSN)")
		}
	default:
		return fmt.Errorf("vector.backend %q is not supported (use sqlite or pgvector)", c.Vector.Backend)
	}
	if c.Vector.SearchExpansionThreshold < 0 || c.Vector.SearchExpansionThreshold > 1 {
		return errors.New("vector.search_expansion_threshold must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateAudioCache() error {
	if !c.AudioCache.Enabled {
		return nil
	}
	if c.AudioCache.Endpoint == "" || c.AudioCache.Bucket == "" {
		return errors.New("audio_cache.endpoint and audio_cache.bucket are required when audio_cache.enabled is true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}
}
