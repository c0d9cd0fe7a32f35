package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	LogDir    string `toml:"log_dir"`
	ImportDir string `toml:"import_dir"`
	APIBind   string `toml:"api_bind"`
	APIToken  string `toml:"api_token"`
}

// MediaServer contains configuration for the Audiobookshelf server hosting the books.
type MediaServer struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Transcription contains configuration for the whisper.cpp command line runner.
type Transcription struct {
	Binary       string `toml:"binary"`
	ModelsDir    string `toml:"models_dir"`
	DefaultModel string `toml:"default_model"`
	Language     string `toml:"language"`
	Threads      int    `toml:"threads"`
}

// Audio contains configuration for audio stitching and preprocessing.
type Audio struct {
	FFmpegBinary string `toml:"ffmpeg_binary"`
	Preprocess   bool   `toml:"preprocess"`
}

// Embeddings contains configuration for the Ollama embedding endpoint.
type Embeddings struct {
	URL            string `toml:"url"`
	Model          string `toml:"model"`
	BatchSize      int    `toml:"batch_size"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Vector selects and configures the vector store backend.
type Vector struct {
	Backend                  string  `toml:"backend"`
	DSN                      string  `toml:"dsn"`
	Dimensions               int     `toml:"dimensions"`
	SearchExpansionThreshold float64 `toml:"search_expansion_threshold"`
}

// Chunking bounds transcript chunks, in seconds and lines.
type Chunking struct {
	MaxChunkDuration int `toml:"max_chunk_duration"`
	MaxChunkLines    int `toml:"max_chunk_lines"`
	MinChunkDuration int `toml:"min_chunk_duration"`
}

// Queue contains job queue timing, retry, and concurrency settings.
type Queue struct {
	PollInterval      int            `toml:"poll_interval"`
	MaxAttempts       int            `toml:"max_attempts"`
	BackoffBase       int            `toml:"backoff_base"`
	HeartbeatInterval int            `toml:"heartbeat_interval"`
	HeartbeatTimeout  int            `toml:"heartbeat_timeout"`
	Concurrency       map[string]int `toml:"concurrency"`
}

// Redis enables cross-process queue wake-ups and progress fan-out.
type Redis struct {
	URL           string `toml:"url"`
	ChannelPrefix string `toml:"channel_prefix"`
}

// Kafka exports pipeline events to a topic when brokers are configured.
type Kafka struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// AudioCache configures the shared object store cache for downloaded audio.
type AudioCache struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	BookReady      bool   `toml:"book_ready"`
}

// Logging contains configuration for log output and file rotation.
type Logging struct {
	Format     string `toml:"format"`
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// Config encapsulates all configuration values for Lectern.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and import directories plus the API bind address
//   - MediaServer: Audiobookshelf connection used by the download stage
//   - Transcription: whisper.cpp runner used by the transcribe stage
//   - Audio: ffmpeg stitching and preprocessing
//   - Embeddings / Vector / Chunking: the vectorize stage
//   - Queue: polling, retries, heartbeats, and per-stage concurrency
//   - Redis / Kafka: optional event transports
//   - AudioCache: optional MinIO cache shared between hosts
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and rotation
type Config struct {
	Paths         Paths         `toml:"paths"`
	MediaServer   MediaServer   `toml:"media_server"`
	Transcription Transcription `toml:"transcription"`
	Audio         Audio         `toml:"audio"`
	Embeddings    Embeddings    `toml:"embeddings"`
	Vector        Vector        `toml:"vector"`
	Chunking      Chunking      `toml:"chunking"`
	Queue         Queue         `toml:"queue"`
	Redis         Redis         `toml:"redis"`
	Kafka         Kafka         `toml:"kafka"`
	AudioCache    AudioCache    `toml:"audio_cache"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	loadDotEnv(filepath.Dir(resolvedPath))

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv reads .env files next to the config and in the working directory.
// Variables already present in the environment are never overwritten.
func loadDotEnv(configDir string) {
	candidates := []string{filepath.Join(configDir, ".env")}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".env"))
	}
	seen := make(map[string]struct{}, len(candidates))
	for _, candidate := range candidates {
		if _, ok := seen[candidate]; ok {
			continue
		}
		seen[candidate] = struct{}{}
		if info, err := os.Stat(candidate); err != nil || info.IsDir() {
			continue
		}
		_ = godotenv.Load(candidate)
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("lectern.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.BooksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.ImportDir) != "" {
		if err := os.MkdirAll(c.Paths.ImportDir, 0o755); err != nil {
			return fmt.Errorf("create import directory %q: %w", c.Paths.ImportDir, err)
		}
	}
	return nil
}

// BooksDir returns the root directory holding per-book working files.
func (c *Config) BooksDir() string {
	return filepath.Join(c.Paths.DataDir, "books")
}

// BookDir returns the working directory for a book. Identifiers that would
// escape the books directory are rejected.
func (c *Config) BookDir(bookID string) (string, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" || bookID == "." || strings.Contains(bookID, "..") || strings.ContainsAny(bookID, `/\`) {
		return "", fmt.Errorf("invalid book id %q", bookID)
	}
	return filepath.Join(c.BooksDir(), bookID), nil
}

// DownloadsDir returns where the download stage stores original audio files.
func (c *Config) DownloadsDir(bookID string) (string, error) {
	dir, err := c.BookDir(bookID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "downloads"), nil
}

// AudioDir returns where stitched and preprocessed audio is written.
func (c *Config) AudioDir(bookID string) (string, error) {
	dir, err := c.BookDir(bookID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "audio"), nil
}

// LibraryDBPath returns the progress store database path.
func (c *Config) LibraryDBPath() string {
	return filepath.Join(c.Paths.DataDir, "library.db")
}

// QueueDBPath returns the job queue database path.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.DataDir, "queue.db")
}

// VectorDBPath returns the embedded vector store database path.
func (c *Config) VectorDBPath() string {
	return filepath.Join(c.Paths.DataDir, "vectors.db")
}

// StageConcurrency returns the worker count for a queue, defaulting to one.
func (c *Config) StageConcurrency(queueName string) int {
	if c.Queue.Concurrency != nil {
		if n, ok := c.Queue.Concurrency[queueName]; ok && n > 0 {
			return n
		}
	}
	if n, ok := defaultConcurrency[queueName]; ok {
		return n
	}
	return 1
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
