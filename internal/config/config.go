// Package config loads and validates fetch worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/fetch-engine/internal/retry"
)

// EnvPrefix namespaces environment overrides, e.g. FETCHER_WORKER_CONCURRENCY.
const EnvPrefix = "FETCHER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Static    StaticConfig    `mapstructure:"static"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Retry     RetryConfig     `mapstructure:"retry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// StaticConfig configures the HTTP strategy.
type StaticConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the browser strategy.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
	ExecPath    string        `mapstructure:"exec_path"`
	Headful     bool          `mapstructure:"headful"`
}

// RetryConfig holds the process-wide retry policy. An empty Keywords list
// selects the built-in rules; CustomKeywords are appended after them.
type RetryConfig struct {
	MaxAttempts    int                 `mapstructure:"max_attempts"`
	BaseDelay      time.Duration       `mapstructure:"base_delay"`
	MaxDelay       time.Duration       `mapstructure:"max_delay"`
	Multiplier     float64             `mapstructure:"multiplier"`
	Jitter         bool                `mapstructure:"jitter"`
	Keywords       []retry.KeywordRule `mapstructure:"keywords"`
	CustomKeywords []retry.KeywordRule `mapstructure:"custom_keywords"`
}

// RateLimitConfig enables per-host politeness. PerHostRPS of zero disables it.
type RateLimitConfig struct {
	PerHostRPS float64 `mapstructure:"per_host_rps"`
	Burst      int     `mapstructure:"burst"`
}

// QueueConfig selects where jobs come from.
type QueueConfig struct {
	Provider string       `mapstructure:"provider"`
	PubSub   PubSubSource `mapstructure:"pubsub"`
}

// PubSubSource names the dispatch subscription.
type PubSubSource struct {
	ProjectID      string `mapstructure:"project_id"`
	Subscription   string `mapstructure:"subscription"`
	Topic          string `mapstructure:"topic"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// StorageConfig selects result and body persistence.
type StorageConfig struct {
	Results     string         `mapstructure:"results"`
	Blobs       string         `mapstructure:"blobs"`
	BlobPrefix  string         `mapstructure:"blob_prefix"`
	ContentType string         `mapstructure:"content_type"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
	Local       LocalConfig    `mapstructure:"local"`
	GCS         GCSConfig      `mapstructure:"gcs"`
}

// PostgresConfig controls the result table connection.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	CreateSchema bool   `mapstructure:"create_schema"`
}

// LocalConfig roots the filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig names the body bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PublisherConfig selects where completion events go.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// APIKey guards the /v1 routes when non-empty.
	APIKey  string `mapstructure:"api_key"`
}

// TelemetryConfig controls tracing. ProjectID enables Cloud Trace export.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	ProjectID      string  `mapstructure:"project_id"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	if cfg.Headless.MaxParallel == 0 {
		cfg.Headless.MaxParallel = cfg.Worker.Concurrency
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := retry.DefaultPolicy()

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.queue_depth", 100)
	v.SetDefault("static.timeout", 30*time.Second)
	v.SetDefault("static.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 0)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.user_agent", "")
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.headful", false)
	v.SetDefault("retry.max_attempts", def.MaxAttempts)
	v.SetDefault("retry.base_delay", def.BaseDelay)
	v.SetDefault("retry.max_delay", def.MaxDelay)
	v.SetDefault("retry.multiplier", def.Multiplier)
	v.SetDefault("retry.jitter", def.Jitter)
	v.SetDefault("ratelimit.per_host_rps", 0.0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.subscription", "")
	v.SetDefault("queue.pubsub.topic", "")
	v.SetDefault("queue.pubsub.max_outstanding", 0)
	v.SetDefault("storage.results", "memory")
	v.SetDefault("storage.blobs", "none")
	v.SetDefault("storage.blob_prefix", "bodies")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.table", "fetch_results")
	v.SetDefault("storage.postgres.max_conns", 0)
	v.SetDefault("storage.postgres.create_schema", false)
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("publisher.project_id", "")
	v.SetDefault("publisher.topic", "")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "fetchworker")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Worker.Concurrency > 0, "worker.concurrency must be > 0")
	check(c.Worker.QueueDepth > 0, "worker.queue_depth must be > 0")
	check(c.Static.Timeout > 0, "static.timeout must be > 0")
	check(c.Static.MaxBodyBytes > 0, "static.max_body_bytes must be > 0")
	if c.Headless.Enabled {
		check(c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
		check(c.Headless.NavTimeout > 0, "headless.nav_timeout must be > 0")
	}
	check(c.RateLimit.PerHostRPS >= 0, "ratelimit.per_host_rps must be >= 0")
	if err := c.Retry.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}

	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		check(c.Queue.PubSub.ProjectID != "", "queue.pubsub.project_id is required")
		check(c.Queue.PubSub.Subscription != "", "queue.pubsub.subscription is required")
	default:
		errs = append(errs, fmt.Errorf("queue.provider %q is not supported", c.Queue.Provider))
	}

	switch c.Storage.Results {
	case "memory":
	case "postgres":
		check(c.Storage.Postgres.DSN != "", "storage.postgres.dsn is required")
	default:
		errs = append(errs, fmt.Errorf("storage.results %q is not supported", c.Storage.Results))
	}

	switch c.Storage.Blobs {
	case "none", "memory":
	case "local":
		check(c.Storage.Local.BaseDir != "", "storage.local.base_dir is required")
	case "gcs":
		check(c.Storage.GCS.Bucket != "", "storage.gcs.bucket is required")
	default:
		errs = append(errs, fmt.Errorf("storage.blobs %q is not supported", c.Storage.Blobs))
	}

	switch c.Publisher.Provider {
	case "none", "memory":
	case "pubsub":
		check(c.Publisher.ProjectID != "", "publisher.project_id is required")
		check(c.Publisher.Topic != "", "publisher.topic is required")
	default:
		errs = append(errs, fmt.Errorf("publisher.provider %q is not supported", c.Publisher.Provider))
	}

	check(c.Telemetry.SampleRatio >= 0 && c.Telemetry.SampleRatio <= 1, "telemetry.sample_ratio must be within [0, 1]")

	if c.Server.Enabled {
		check(c.Server.Addr != "", "server.addr is required when the server is enabled")
	}
	return errors.Join(errs...)
}

// Policy converts the retry section into a retry.Policy.
func (r RetryConfig) Policy() retry.Policy {
	keywords := r.Keywords
	if len(keywords) == 0 {
		keywords = retry.DefaultKeywords()
	}
	merged := make([]retry.KeywordRule, 0, len(keywords)+len(r.CustomKeywords))
	merged = append(merged, keywords...)
	merged = append(merged, r.CustomKeywords...)
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
		Keywords:    merged,
	}
}
