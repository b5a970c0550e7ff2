package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 30s
auth:
  secret: shared
  enabled: true
  api_key: secret
coordinator:
  work_dir: /srv/crawl
  max_post_size: 4000000
  archive_batch_size: 250
  min_fetch_loop: 2s
  max_fetch_loop: 20s
  queue_servers: ["http://qs-1:8080", "http://qs-2:8080"]
  fetcher_shards: 4
storage:
  backend: gcs
  bucket: crawl-bucket
  prefix: prod
lease:
  backend: sqlite
  sqlite_path: /srv/crawl/lease.db
status:
  backend: postgres
  dsn: postgres://coord@db/crawl
pubsub:
  project_id: proj
  topic_name: coordinator-events
rate_limit:
  enabled: true
  rps: 2.5
  burst: 4
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 30*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" || cfg.Auth.Secret != "shared" {
		t.Fatalf("expected auth overrides, got %+v", cfg.Auth)
	}
	co := cfg.Coordinator
	if co.MaxPostSize != 4000000 || co.ArchiveBatchSize != 250 || co.FetcherShards != 4 {
		t.Fatalf("expected coordinator overrides, got %+v", co)
	}
	if co.MinFetchLoop != 2*time.Second || co.MaxFetchLoop != 20*time.Second {
		t.Fatalf("expected fetch loop bounds 2s..20s, got %v..%v", co.MinFetchLoop, co.MaxFetchLoop)
	}
	if len(co.QueueServers) != 2 || co.QueueServers[1] != "http://qs-2:8080" {
		t.Fatalf("expected queue servers to load: %v", co.QueueServers)
	}
	if co.SessionWindow != time.Hour {
		t.Fatalf("expected default session window of 1h, got %v", co.SessionWindow)
	}
	if cfg.Storage.Backend != BackendGCS || cfg.Storage.Bucket != "crawl-bucket" {
		t.Fatalf("expected gcs storage, got %+v", cfg.Storage)
	}
	if cfg.Lease.Backend != BackendSQLite || cfg.Status.Backend != BackendPostgres {
		t.Fatalf("expected sqlite lease and postgres status, got %+v %+v", cfg.Lease, cfg.Status)
	}
	if cfg.Status.Table != "crawl_status" {
		t.Fatalf("expected default status table, got %q", cfg.Status.Table)
	}
	if cfg.RateLimit.RPS != 2.5 || cfg.RateLimit.Burst != 4 {
		t.Fatalf("expected rate limit overrides, got %+v", cfg.RateLimit)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected logging.development override to false")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Coordinator.CronInterval != 300*time.Second {
		t.Fatalf("expected 300s cron interval, got %v", cfg.Coordinator.CronInterval)
	}
	if cfg.Storage.Backend != BackendLocal || cfg.Lease.Backend != BackendFile || cfg.Status.Backend != BackendRecords {
		t.Fatalf("unexpected default backends: %+v %+v %+v", cfg.Storage, cfg.Lease, cfg.Status)
	}
	if !cfg.Events.LogSink {
		t.Fatalf("expected the log sink on by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("COORD_SERVER_PORT", "7070")
	t.Setenv("COORD_COORDINATOR_FETCHER_SHARDS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 || cfg.Coordinator.FetcherShards != 3 {
		t.Fatalf("expected env overrides, got port %d shards %d", cfg.Server.Port, cfg.Coordinator.FetcherShards)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Coordinator: CoordinatorConfig{
			WorkDir:          "/tmp/work",
			MaxPostSize:      1 << 20,
			ArchiveBatchSize: 10,
			FetcherShards:    1,
			MinFetchLoop:     time.Second,
			MaxFetchLoop:     time.Minute,
			ProducerInterval: time.Second,
			SessionWindow:    time.Hour,
		},
		Storage: StorageConfig{Backend: BackendLocal},
		Lease:   LeaseConfig{Backend: BackendFile},
		Status:  StatusConfig{Backend: BackendRecords},
	}
}

func TestConfigValidateAcceptsBaseline(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "zero post size", mutate: func(c *Config) { c.Coordinator.MaxPostSize = 0 }, want: "max_post_size"},
		{name: "zero shards", mutate: func(c *Config) { c.Coordinator.FetcherShards = 0 }, want: "fetcher_shards"},
		{
			name:   "inverted fetch loop",
			mutate: func(c *Config) { c.Coordinator.MaxFetchLoop = time.Millisecond },
			want:   "min_fetch_loop",
		},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "s3" }, want: "storage.backend"},
		{
			name:   "gcs without bucket",
			mutate: func(c *Config) { c.Storage.Backend = BackendGCS; c.Lease.Backend = BackendMemory },
			want:   "storage.bucket",
		},
		{
			name:   "file lease on gcs",
			mutate: func(c *Config) { c.Storage.Backend = BackendGCS; c.Storage.Bucket = "b" },
			want:   "lease.backend file",
		},
		{name: "sqlite without path", mutate: func(c *Config) { c.Lease.Backend = BackendSQLite }, want: "sqlite_path"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Status.Backend = BackendPostgres }, want: "status.dsn"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.PubSub.ProjectID = "p" }, want: "topic_name"},
		{name: "rate limit without rps", mutate: func(c *Config) { c.RateLimit.Enabled = true }, want: "rate_limit.rps"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
