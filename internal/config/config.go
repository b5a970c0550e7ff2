// Package config loads and validates coordinator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Lease       LeaseConfig       `mapstructure:"lease"`
	Status      StatusConfig      `mapstructure:"status"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Events      EventsConfig      `mapstructure:"events"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig holds the fetch session secret and the admin API key.
type AuthConfig struct {
	Secret  string `mapstructure:"secret"`
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CoordinatorConfig tunes the fetch protocol.
type CoordinatorConfig struct {
	WorkDir           string        `mapstructure:"work_dir"`
	MaxPostSize       int64         `mapstructure:"max_post_size"`
	ArchiveBatchSize  int           `mapstructure:"archive_batch_size"`
	ArchiveChunkSize  int           `mapstructure:"archive_chunk_size"`
	MinFetchLoop      time.Duration `mapstructure:"min_fetch_loop"`
	MaxFetchLoop      time.Duration `mapstructure:"max_fetch_loop"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
	CronInterval      time.Duration `mapstructure:"cron_interval"`
	LivenessInterval  time.Duration `mapstructure:"liveness_interval"`
	FetcherStaleAfter time.Duration `mapstructure:"fetcher_stale_after"`
	QueueServers      []string      `mapstructure:"queue_servers"`
	FetcherShards     int           `mapstructure:"fetcher_shards"`
	ProducerInterval  time.Duration `mapstructure:"producer_interval"`
	SessionWindow     time.Duration `mapstructure:"session_window"`
	UploadMaxAge      time.Duration `mapstructure:"upload_max_age"`
	ParamsCacheSize   int           `mapstructure:"params_cache_size"`
}

// StorageConfig selects where queues and records live.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// LeaseConfig selects the archive lease implementation.
type LeaseConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// StatusConfig selects where the crawl status record lives.
type StatusConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	Installation    string        `mapstructure:"installation"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EventsConfig tunes the event hub.
type EventsConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	BatchSize   int           `mapstructure:"batch_size"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	LogSink     bool          `mapstructure:"log_sink"`
}

// RateLimitConfig caps requests per fetcher.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
	MaxKeys int     `mapstructure:"max_keys"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Storage, lease and status backends.
const (
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRecords  = "records"
	BackendPostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COORD")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("coordinator.work_dir", "./work")
	v.SetDefault("coordinator.max_post_size", 2_000_000)
	v.SetDefault("coordinator.archive_batch_size", 100)
	v.SetDefault("coordinator.archive_chunk_size", 1<<20)
	v.SetDefault("coordinator.min_fetch_loop", "5s")
	v.SetDefault("coordinator.max_fetch_loop", "60s")
	v.SetDefault("coordinator.max_processing_time", "5m")
	v.SetDefault("coordinator.cron_interval", "300s")
	v.SetDefault("coordinator.liveness_interval", "300s")
	v.SetDefault("coordinator.fetcher_stale_after", "1h")
	v.SetDefault("coordinator.queue_servers", []string{})
	v.SetDefault("coordinator.fetcher_shards", 1)
	v.SetDefault("coordinator.producer_interval", "5s")
	v.SetDefault("coordinator.session_window", "1h")
	v.SetDefault("coordinator.upload_max_age", "24h")
	v.SetDefault("coordinator.params_cache_size", 64)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("lease.backend", BackendFile)
	v.SetDefault("lease.sqlite_path", "")
	v.SetDefault("status.backend", BackendRecords)
	v.SetDefault("status.dsn", "")
	v.SetDefault("status.table", "crawl_status")
	v.SetDefault("status.installation", "default")
	v.SetDefault("status.max_conns", 4)
	v.SetDefault("status.min_conns", 0)
	v.SetDefault("status.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.batch_size", 100)
	v.SetDefault("events.batch_wait", "500ms")
	v.SetDefault("events.sink_timeout", "5s")
	v.SetDefault("events.log_sink", true)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("rate_limit.max_keys", 4096)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "crawl-coordinator")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	co := c.Coordinator
	if co.MaxPostSize <= 0 {
		return fmt.Errorf("coordinator.max_post_size must be > 0")
	}
	if co.ArchiveBatchSize <= 0 {
		return fmt.Errorf("coordinator.archive_batch_size must be > 0")
	}
	if co.FetcherShards <= 0 {
		return fmt.Errorf("coordinator.fetcher_shards must be > 0")
	}
	if co.MinFetchLoop <= 0 || co.MaxFetchLoop < co.MinFetchLoop {
		return fmt.Errorf("coordinator.min_fetch_loop must be > 0 and <= max_fetch_loop")
	}
	if co.ProducerInterval <= 0 {
		return fmt.Errorf("coordinator.producer_interval must be > 0")
	}
	if co.SessionWindow <= 0 {
		return fmt.Errorf("coordinator.session_window must be > 0")
	}
	switch c.Storage.Backend {
	case BackendLocal, BackendMemory:
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be local, gcs or memory", c.Storage.Backend)
	}
	if (c.Storage.Backend == BackendLocal || c.Lease.Backend == BackendFile) && co.WorkDir == "" {
		return fmt.Errorf("coordinator.work_dir is required")
	}
	switch c.Lease.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Storage.Backend != BackendLocal {
			return fmt.Errorf("lease.backend file requires storage.backend local")
		}
	case BackendSQLite:
		if c.Lease.SQLitePath == "" {
			return fmt.Errorf("lease.sqlite_path must be set for the sqlite backend")
		}
	default:
		return fmt.Errorf("lease.backend %q must be file, sqlite or memory", c.Lease.Backend)
	}
	switch c.Status.Backend {
	case BackendRecords:
	case BackendPostgres:
		if c.Status.DSN == "" {
			return fmt.Errorf("status.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("status.backend %q must be records or postgres", c.Status.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be > 0 when rate limiting is enabled")
	}
	return nil
}
