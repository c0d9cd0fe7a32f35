package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeMediaServer()
	if err := c.normalizeTranscription(); err != nil {
		return err
	}
	c.normalizeEmbeddings()
	c.normalizeVector()
	c.normalizeQueue()
	c.normalizeTransports()
	c.normalizeAudioCache()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.ImportDir, err = expandPath(strings.TrimSpace(c.Paths.ImportDir)); err != nil {
		return fmt.Errorf("paths.import_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("LECTERN_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeMediaServer() {
	c.MediaServer.URL = strings.TrimRight(strings.TrimSpace(c.MediaServer.URL), "/")
	if c.MediaServer.URL == "" {
		if value, ok := os.LookupEnv("AUDIOBOOKSHELF_URL"); ok {
			c.MediaServer.URL = strings.TrimRight(strings.TrimSpace(value), "/")
		}
	}
	c.MediaServer.Token = strings.TrimSpace(c.MediaServer.Token)
	if c.MediaServer.Token == "" {
		if value, ok := os.LookupEnv("AUDIOBOOKSHELF_TOKEN"); ok {
			c.MediaServer.Token = strings.TrimSpace(value)
		}
	}
	if c.MediaServer.RequestTimeout <= 0 {
		c.MediaServer.RequestTimeout = defaultMediaServerTimeout
	}
}

func (c *Config) normalizeTranscription() error {
	var err error
	c.Transcription.Binary = strings.TrimSpace(c.Transcription.Binary)
	if c.Transcription.Binary == "" {
		c.Transcription.Binary = defaultWhisperBinary
	}
	if strings.TrimSpace(c.Transcription.ModelsDir) == "" {
		c.Transcription.ModelsDir = defaultWhisperModelsDir
	}
	if c.Transcription.ModelsDir, err = expandPath(c.Transcription.ModelsDir); err != nil {
		return fmt.Errorf("transcription.models_dir: %w", err)
	}
	c.Transcription.DefaultModel = strings.TrimSpace(c.Transcription.DefaultModel)
	if c.Transcription.DefaultModel == "" {
		c.Transcription.DefaultModel = defaultWhisperModel
	}
	c.Transcription.Language = strings.ToLower(strings.TrimSpace(c.Transcription.Language))
	if c.Transcription.Language == "" {
		c.Transcription.Language = defaultWhisperLanguage
	}
	c.Audio.FFmpegBinary = strings.TrimSpace(c.Audio.FFmpegBinary)
	if c.Audio.FFmpegBinary == "" {
		c.Audio.FFmpegBinary = defaultFFmpegBinary
	}
	return nil
}

func (c *Config) normalizeEmbeddings() {
	c.Embeddings.URL = strings.TrimRight(strings.TrimSpace(c.Embeddings.URL), "/")
	if c.Embeddings.URL == "" {
		if value, ok := os.LookupEnv("OLLAMA_URL"); ok && strings.TrimSpace(value) != "" {
			c.Embeddings.URL = strings.TrimRight(strings.TrimSpace(value), "/")
		} else {
			c.Embeddings.URL = defaultEmbeddingsURL
		}
	}
	c.Embeddings.Model = strings.TrimSpace(c.Embeddings.Model)
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = defaultEmbeddingsModel
	}
	if c.Embeddings.BatchSize <= 0 {
		c.Embeddings.BatchSize = defaultEmbeddingsBatchSize
	}
	if c.Embeddings.RequestTimeout <= 0 {
		c.Embeddings.RequestTimeout = defaultEmbeddingsTimeout
	}
}

func (c *Config) normalizeVector() {
	c.Vector.Backend = strings.ToLower(strings.TrimSpace(c.Vector.Backend))
	if c.Vector.Backend == "" {
		c.Vector.Backend = defaultVectorBackend
	}
	c.Vector.DSN = strings.TrimSpace(c.Vector.DSN)
	if c.Vector.DSN == "" {
		if value, ok := os.LookupEnv("LECTERN_PGVECTOR_DSN"); ok {
			c.Vector.DSN = strings.TrimSpace(value)
		}
	}
	if c.Vector.Dimensions <= 0 {
		c.Vector.Dimensions = defaultVectorDimensions
	}
}

func (c *Config) normalizeQueue() {
	if c.Queue.Concurrency == nil {
		c.Queue.Concurrency = make(map[string]int, len(defaultConcurrency))
	}
	for name, n := range defaultConcurrency {
		if _, ok := c.Queue.Concurrency[name]; !ok {
			c.Queue.Concurrency[name] = n
		}
	}
}

func (c *Config) normalizeTransports() {
	c.Redis.URL = strings.TrimSpace(c.Redis.URL)
	if c.Redis.URL == "" {
		if value, ok := os.LookupEnv("LECTERN_REDIS_URL"); ok {
			c.Redis.URL = strings.TrimSpace(value)
		}
	}
	c.Redis.ChannelPrefix = strings.TrimSpace(c.Redis.ChannelPrefix)
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = defaultRedisChannelPrefix
	}
	brokers := make([]string, 0, len(c.Kafka.Brokers))
	for _, broker := range c.Kafka.Brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	c.Kafka.Brokers = brokers
	c.Kafka.Topic = strings.TrimSpace(c.Kafka.Topic)
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = defaultKafkaTopic
	}
}

func (c *Config) normalizeAudioCache() {
	c.AudioCache.Endpoint = strings.TrimSpace(c.AudioCache.Endpoint)
	c.AudioCache.Bucket = strings.TrimSpace(c.AudioCache.Bucket)
	c.AudioCache.AccessKey = strings.TrimSpace(c.AudioCache.AccessKey)
	if c.AudioCache.AccessKey == "" {
		if value, ok := os.LookupEnv("MINIO_ACCESS_KEY"); ok {
			c.AudioCache.AccessKey = strings.TrimSpace(value)
		}
	}
	c.AudioCache.SecretKey = strings.TrimSpace(c.AudioCache.SecretKey)
	if c.AudioCache.SecretKey == "" {
		if value, ok := os.LookupEnv("MINIO_SECRET_KEY"); ok {
			c.AudioCache.SecretKey = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = defaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = 0
	}
	if c.Logging.MaxAgeDays < 0 {
		c.Logging.MaxAgeDays = 0
	}
}
