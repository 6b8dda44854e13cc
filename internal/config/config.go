// Package config loads and validates republisher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all static configuration knobs loaded via Viper. Values that
// can change at runtime (worker count, threads, retention, auto purge) live in
// Redis; the Defaults section only seeds them.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Imaging    ImagingConfig    `mapstructure:"imaging"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Purge      PurgeConfig      `mapstructure:"purge"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior. InlineWorkers > 0 runs that
// many batch workers inside the serve process on an in-memory queue instead
// of handing jobs to Redis.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	UploadLimit     int64         `mapstructure:"upload_limit"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	InlineWorkers   int           `mapstructure:"inline_workers"`
}

// AuthConfig holds the single shared admin credential.
type AuthConfig struct {
	AdminPassword string `mapstructure:"admin_password"`
	SecureCookies bool   `mapstructure:"secure_cookies"`
}

// RedisConfig locates the shared state store and queue broker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig names the job queue. ShutdownTimeout is how long a stopping
// worker waits for its batch before the task is requeued.
type QueueConfig struct {
	Name            string        `mapstructure:"name"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects where workbooks and images are kept.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Root      string `mapstructure:"root"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// FetchConfig configures the image fetcher. HostRPS throttles fetches per
// host; 0 disables throttling.
type FetchConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxBytes  int           `mapstructure:"max_bytes"`
	UserAgent string        `mapstructure:"user_agent"`
	HostRPS   float64       `mapstructure:"host_rps"`
	HostBurst int           `mapstructure:"host_burst"`
}

// ImagingConfig configures canvas and encoding.
type ImagingConfig struct {
	MinSide int `mapstructure:"min_side"`
	Quality int `mapstructure:"quality"`
}

// DefaultsConfig seeds the runtime settings.
type DefaultsConfig struct {
	Workers       int  `mapstructure:"workers"`
	Threads       int  `mapstructure:"threads"`
	RetentionDays int  `mapstructure:"retention_days"`
	AutoPurge     bool `mapstructure:"auto_purge"`
}

// SupervisorConfig controls the worker process pool.
type SupervisorConfig struct {
	Tick              time.Duration `mapstructure:"tick"`
	StopGrace         time.Duration `mapstructure:"stop_grace"`
	RespawnBackoffMax time.Duration `mapstructure:"respawn_backoff_max"`
	// Executable overrides the binary spawned for workers; empty means this binary.
	Executable string `mapstructure:"executable"`
}

// PurgeConfig controls the purge-request listener.
type PurgeConfig struct {
	ListenerEnabled bool          `mapstructure:"listener_enabled"`
	WaitTimeout     time.Duration `mapstructure:"wait_timeout"`
}

// LedgerConfig enables the optional Postgres image ledger.
type LedgerConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig enables completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REPUBLISHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Server.PublicBaseURL = strings.TrimRight(cfg.Server.PublicBaseURL, "/")
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_base_url", "http://localhost:8080")
	v.SetDefault("server.upload_limit", 50<<20)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.inline_workers", 0)
	v.SetDefault("auth.admin_password", "")
	v.SetDefault("auth.secure_cookies", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.name", "batches")
	v.SetDefault("queue.job_timeout", "12h")
	v.SetDefault("queue.shutdown_timeout", "8s")
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.root", "data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("fetch.timeout", "25s")
	v.SetDefault("fetch.max_bytes", 25<<20)
	v.SetDefault("fetch.user_agent", "sheet-image-republisher/1.0")
	v.SetDefault("fetch.host_rps", 0)
	v.SetDefault("fetch.host_burst", 4)
	v.SetDefault("imaging.min_side", 600)
	v.SetDefault("imaging.quality", 90)
	v.SetDefault("defaults.workers", 2)
	v.SetDefault("defaults.threads", 8)
	v.SetDefault("defaults.retention_days", 30)
	v.SetDefault("defaults.auto_purge", false)
	v.SetDefault("supervisor.tick", "5s")
	v.SetDefault("supervisor.stop_grace", "10s")
	v.SetDefault("supervisor.respawn_backoff_max", "1m")
	v.SetDefault("supervisor.executable", "")
	v.SetDefault("purge.listener_enabled", true)
	v.SetDefault("purge.wait_timeout", "5s")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "image_ledger")
	v.SetDefault("ledger.max_conns", 4)
	v.SetDefault("ledger.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.InlineWorkers < 0 {
		return fmt.Errorf("server.inline_workers must be >= 0")
	}
	if c.Server.PublicBaseURL == "" {
		return fmt.Errorf("server.public_base_url is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local or gcs, got %q", c.Storage.Backend)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.HostRPS < 0 {
		return fmt.Errorf("fetch.host_rps must be >= 0")
	}
	if c.Imaging.MinSide <= 0 {
		return fmt.Errorf("imaging.min_side must be > 0")
	}
	if c.Imaging.Quality < 1 || c.Imaging.Quality > 100 {
		return fmt.Errorf("imaging.quality must be between 1 and 100")
	}
	if c.Defaults.Workers < 0 {
		return fmt.Errorf("defaults.workers must be >= 0")
	}
	if c.Defaults.Threads < 1 {
		return fmt.Errorf("defaults.threads must be >= 1")
	}
	if c.Defaults.RetentionDays < 1 {
		return fmt.Errorf("defaults.retention_days must be >= 1")
	}
	if c.Supervisor.Tick <= 0 {
		return fmt.Errorf("supervisor.tick must be > 0")
	}
	if c.Supervisor.StopGrace <= 0 {
		return fmt.Errorf("supervisor.stop_grace must be > 0")
	}
	if c.Queue.ShutdownTimeout <= 0 || c.Queue.ShutdownTimeout >= c.Supervisor.StopGrace {
		return fmt.Errorf("queue.shutdown_timeout must be > 0 and below supervisor.stop_grace (%s)", c.Supervisor.StopGrace)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	return nil
}

// ListenAddr returns the HTTP listen address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
