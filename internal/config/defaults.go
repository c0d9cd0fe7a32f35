package config

const (
	defaultConfigPath               = "~/.config/lectern/config.toml"
	defaultDataDir                  = "~/.local/share/lectern"
	defaultLogDir                   = "~/.local/share/lectern/logs"
	defaultImportDir                = "~/.local/share/lectern/import"
	defaultAPIBind                  = "127.0.0.1:7719"
	defaultMediaServerTimeout       = 60
	defaultWhisperBinary            = "whisper-cli"
	defaultWhisperModelsDir         = "~/.local/share/lectern/models"
	defaultWhisperModel             = "ggml-base.en"
	defaultWhisperLanguage          = "en"
	defaultFFmpegBinary             = "ffmpeg"
	defaultEmbeddingsURL            = "http://localhost:11434/api"
	defaultEmbeddingsModel          = "all-minilm:latest"
	defaultEmbeddingsBatchSize      = 32
	defaultEmbeddingsTimeout        = 120
	defaultVectorBackend            = "sqlite"
	defaultVectorDimensions         = 384
	defaultSearchExpansionThreshold = 0.5
	defaultMaxChunkDuration         = 120
	defaultMaxChunkLines            = 25
	defaultMinChunkDuration         = 30
	defaultQueuePollInterval        = 5
	defaultQueueMaxAttempts         = 2
	defaultQueueBackoffBase         = 5
	defaultHeartbeatInterval        = 15
	defaultHeartbeatTimeout         = 120
	defaultRedisChannelPrefix       = "lectern"
	defaultKafkaTopic               = "lectern.events"
	defaultNotifyRequestTimeout     = 10
	defaultLogFormat                = "console"
	defaultLogLevel                 = "info"
	defaultLogMaxSizeMB             = 50
	defaultLogMaxBackups            = 5
	defaultLogMaxAgeDays            = 30
)

var defaultConcurrency = map[string]int{
	"download-book":   2,
	"process-audio":   1,
	"transcribe-book": 1,
	"vectorize-book":  1,
	"notification":    2,
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	concurrency := make(map[string]int, len(defaultConcurrency))
	for name, n := range defaultConcurrency {
		concurrency[name] = n
	}
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			LogDir:    defaultLogDir,
			ImportDir: defaultImportDir,
			APIBind:   defaultAPIBind,
		},
		MediaServer: MediaServer{
			RequestTimeout: defaultMediaServerTimeout,
		},
		Transcription: Transcription{
			Binary:       defaultWhisperBinary,
			ModelsDir:    defaultWhisperModelsDir,
			DefaultModel: defaultWhisperModel,
			Language:     defaultWhisperLanguage,
		},
		Audio: Audio{
			FFmpegBinary: defaultFFmpegBinary,
			Preprocess:   true,
		},
		Embeddings: Embeddings{
			URL:            defaultEmbeddingsURL,
			Model:          defaultEmbeddingsModel,
			BatchSize:      defaultEmbeddingsBatchSize,
			RequestTimeout: defaultEmbeddingsTimeout,
		},
		Vector: Vector{
			Backend:                  defaultVectorBackend,
			Dimensions:               defaultVectorDimensions,
			SearchExpansionThreshold: defaultSearchExpansionThreshold,
		},
		Chunking: Chunking{
			MaxChunkDuration: defaultMaxChunkDuration,
			MaxChunkLines:    defaultMaxChunkLines,
			MinChunkDuration: defaultMinChunkDuration,
		},
		Queue: Queue{
			PollInterval:      defaultQueuePollInterval,
			MaxAttempts:       defaultQueueMaxAttempts,
			BackoffBase:       defaultQueueBackoffBase,
			HeartbeatInterval: defaultHeartbeatInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			Concurrency:       concurrency,
		},
		Redis: Redis{
			ChannelPrefix: defaultRedisChannelPrefix,
		},
		Kafka: Kafka{
			Topic: defaultKafkaTopic,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			BookReady:      true,
		},
		Logging: Logging{
			Format:     defaultLogFormat,
			Level:      defaultLogLevel,
			MaxSizeMB:  defaultLogMaxSizeMB,
			MaxBackups: defaultLogMaxBackups,
			MaxAgeDays: defaultLogMaxAgeDays,
		},
	}
}
