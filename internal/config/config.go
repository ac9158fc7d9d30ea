// Package config loads storyclip settings with koanf: built-in defaults, an
// optional TOML file, SC_ prefixed env vars, then the legacy bare env names
// (DATABASE_URL, REDIS_ADDR, STORAGE_*, GDRIVE_*, LOG_*).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes structured env overrides. A double underscore separates
// levels: SC_STORAGE__PUBLIC_BASE_URL sets storage.public_base_url.
const EnvPrefix = "SC_"

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Database     DatabaseConfig     `koanf:"database"`
	Redis        RedisConfig        `koanf:"redis"`
	Logging      LoggingConfig      `koanf:"logging"`
	Storage      StorageConfig      `koanf:"storage"`
	Renderer     RendererConfig     `koanf:"renderer"`
	Capabilities CapabilitiesConfig `koanf:"capabilities"`
	Queue        QueueConfig        `koanf:"queue"`
	Watchdog     WatchdogConfig     `koanf:"watchdog"`
	Publish      PublishConfig      `koanf:"publish"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// AllowedOrigins feeds CORS and the websocket origin check. Empty allows all.
	AllowedOrigins []string `koanf:"allowed_origins"`
	// PublicURL prefixes artifact links that are served through the API.
	PublicURL string `koanf:"public_url"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	URL            string `koanf:"url"`
	MaxConnections int    `koanf:"max_connections"`
}

type RedisConfig struct {
	Addr         string `koanf:"addr"`
	RenderQueue  string `koanf:"render_queue"`
	PublishQueue string `koanf:"publish_queue"`
	// CapabilitiesKey is where the worker publishes its capability snapshot.
	CapabilitiesKey string `koanf:"capabilities_key"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Source bool   `koanf:"source"`
}

type StorageConfig struct {
	Provider      string       `koanf:"provider"`
	LocalRoot     string       `koanf:"local_root"`
	PublicBaseURL string       `koanf:"public_base_url"`
	GDrive        GDriveConfig `koanf:"gdrive"`
}

type GDriveConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RefreshToken string `koanf:"refresh_token"`
	FolderID     string `koanf:"folder_id"`
}

type RendererConfig struct {
	FFmpegBinary  string `koanf:"ffmpeg_binary"`
	FFprobeBinary string `koanf:"ffprobe_binary"`
	WorkDir       string `koanf:"work_dir"`
	OutputDir     string `koanf:"output_dir"`
	UploadRoot    string `koanf:"upload_root"`
	// FallbackDirs are searched when a clip is not where it should be. {job}
	// is replaced with the job id.
	FallbackDirs []string `koanf:"fallback_dirs"`
	Preset       string   `koanf:"preset"`
	// DownloadTimeout bounds fetching an http(s) source.
	DownloadTimeout time.Duration `koanf:"download_timeout"`
}

type CapabilitiesConfig struct {
	TTL               time.Duration `koanf:"ttl"`
	RetryAfterFailure time.Duration `koanf:"retry_after_failure"`
}

type QueueConfig struct {
	Workers       int           `koanf:"workers"`
	MaxDepth      int           `koanf:"max_depth"`
	MaxAttempts   int           `koanf:"max_attempts"`
	BackoffBase   time.Duration `koanf:"backoff_base"`
	BackoffFactor float64       `koanf:"backoff_factor"`
	PopTimeout    time.Duration `koanf:"pop_timeout"`
}

type WatchdogConfig struct {
	Interval          time.Duration `koanf:"interval"`
	StallWindow       time.Duration `koanf:"stall_window"`
	QueuedWindow      time.Duration `koanf:"queued_window"`
	ProgressThreshold int           `koanf:"progress_threshold"`
	JanitorInterval   time.Duration `koanf:"janitor_interval"`
	DoneRetention     time.Duration `koanf:"done_retention"`
	ErrorRetention    time.Duration `koanf:"error_retention"`
}

type PublishConfig struct {
	BaseURL       string `koanf:"base_url"`
	TokenURL      string `koanf:"token_url"`
	ClientID      string `koanf:"client_id"`
	ClientSecret  string `koanf:"client_secret"`
	AccessToken   string `koanf:"access_token"`
	DefaultMode   string `koanf:"default_mode"`
	MaxConcurrent int    `koanf:"max_concurrent"`
}

// legacyEnv maps the bare env names older deployments set to koanf keys.
var legacyEnv = map[string]string{
	"DATABASE_URL":         "database.url",
	"REDIS_ADDR":           "redis.addr",
	"HTTP_PORT":            "server.port",
	"JOB_QUEUE_NAME":       "redis.render_queue",
	"STORAGE_PROVIDER":     "storage.provider",
	"STORAGE_LOCAL_ROOT":   "storage.local_root",
	"PUBLIC_BASE_URL":      "storage.public_base_url",
	"GDRIVE_CLIENT_ID":     "storage.gdrive.client_id",
	"GDRIVE_CLIENT_SECRET": "storage.gdrive.client_secret",
	"GDRIVE_REFRESH_TOKEN": "storage.gdrive.refresh_token",
	"GDRIVE_FOLDER_ID":     "storage.gdrive.folder_id",
	"LOG_LEVEL":            "logging.level",
	"LOG_FORMAT":           "logging.format",
	"LOG_SOURCE":           "logging.source",
}

// Load reads defaults, then configPath when non-empty, then the environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// SC_QUEUE__MAX_DEPTH -> queue.max_depth. Empty values never override.
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		return envKey(key), value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for name, key := range legacyEnv {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "localfs":
		if c.Storage.LocalRoot == "" {
			return fmt.Errorf("storage.local_root is required for localfs")
		}
	case "gdrive":
		g := c.Storage.GDrive
		if g.ClientID == "" || g.ClientSecret == "" || g.RefreshToken == "" {
			return fmt.Errorf("gdrive storage requires client_id, client_secret and refresh_token")
		}
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}

	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Watchdog.ProgressThreshold < 0 || c.Watchdog.ProgressThreshold > 100 {
		return fmt.Errorf("watchdog.progress_threshold must be within 0..100")
	}
	switch strings.ToLower(c.Publish.DefaultMode) {
	case "", "safe", "fast", "ultra":
	default:
		return fmt.Errorf("publish.default_mode must be safe, fast or ultra")
	}
	return nil
}
