// Package config defines all configuration structures for the ABLab
// experimentation platform.  No I/O or parsing logic lives here — only plain
// data types and validation.
package config

import (
	"fmt"
	"time"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // "debug" | "release" | "test"
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// CORSOrigins lists the origins allowed to call the API from a browser.
	// Empty denies all cross-origin requests; a single "*" allows every
	// origin.
	CORSOrigins []string `mapstructure:"cors_origins"`

	// RateLimitRPS and RateLimitBurst tune the per-client token bucket.
	// A negative RateLimitRPS disables rate limiting entirely.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"db_name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// KafkaConfig holds Apache Kafka producer/consumer parameters.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	AutoOffsetReset   string   `mapstructure:"auto_offset_reset"` // "earliest" | "latest"
	TimeoutMS         int      `mapstructure:"timeout_ms"`
	ProducerRetries   int      `mapstructure:"producer_retries"`
	BatchSize         int      `mapstructure:"batch_size"`
	AutoCreateTopics  bool     `mapstructure:"auto_create_topics"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
	NumPartitions     int      `mapstructure:"num_partitions"`
}

// OpenSearchConfig holds OpenSearch cluster connection parameters.
type OpenSearchConfig struct {
	Addresses          []string `mapstructure:"addresses"`
	User               string   `mapstructure:"user"`
	Password           string   `mapstructure:"password"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	IndexPrefix        string   `mapstructure:"index_prefix"`
}

// MinIOConfig holds MinIO / S3-compatible object-storage parameters.
type MinIOConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Bucket        string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// WorkerConfig holds background-worker execution parameters.
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	QueueDepth     int           `mapstructure:"queue_depth"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	HealthPort     int           `mapstructure:"health_port"`
}

// MetricsConfig holds Prometheus exposition parameters.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// ExperimentConfig holds assignment and significance tunables.
type ExperimentConfig struct {
	// AssignmentTTL is how long cached variant assignments stay valid.
	AssignmentTTL time.Duration `mapstructure:"assignment_ttl"`

	// RegistryCacheTTL caches experiment definitions on the assignment hot
	// path for the given duration. Zero disables the cache, so lifecycle
	// changes are always observed immediately; with caching enabled a pause
	// or completion can take up to the TTL to reach assignment traffic.
	RegistryCacheTTL time.Duration `mapstructure:"registry_cache_ttl"`

	// SignificanceLevel is the alpha threshold for the two-proportion z-test.
	// A comparison with p-value below this level is reported as significant.
	SignificanceLevel float64 `mapstructure:"significance_level"`

	// RecentBufferSize bounds the per-experiment ring of recent assignments
	// kept in Redis for debugging. Zero disables the buffer.
	RecentBufferSize int `mapstructure:"recent_buffer_size"`

	// RandomTrafficGate switches the traffic-allocation gate from the default
	// deterministic hash to an independent uniform draw per call. Under the
	// random gate a subject of a partial-traffic experiment may flip between
	// excluded and assigned across calls.
	RandomTrafficGate bool `mapstructure:"random_traffic_gate"`

	// HashSalt is mixed into every bucketing hash. Changing it reshuffles
	// all subjects across variants; it must stay constant for the lifetime
	// of a deployment.
	HashSalt string `mapstructure:"hash_salt"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration structure for the entire platform.
// Every infrastructure component and application service reads its settings
// from the relevant sub-struct.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Kafka      KafkaConfig       `mapstructure:"kafka"`
	OpenSearch OpenSearchConfig  `mapstructure:"opensearch"`
	MinIO      MinIOConfig       `mapstructure:"minio"`
	Worker     WorkerConfig      `mapstructure:"worker"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Log        logging.LogConfig `mapstructure:"log"`
	Experiment ExperimentConfig  `mapstructure:"experiment"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate performs semantic validation of the fully-populated Config.
// It returns the first error encountered; callers should treat any error as
// fatal and refuse to start the application.
func (c *Config) Validate() error {
	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is out of range [1, 65535]", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: server.mode %q is invalid; expected debug|release|test", c.Server.Mode)
	}

	// Database
	if c.Database.Host == "" {
		return fmt.Errorf("config: database.host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("config: database.port %d is out of range [1, 65535]", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("config: database.user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("config: database.db_name is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("config: database.max_conns must be ≥ 1, got %d", c.Database.MaxConns)
	}

	// Redis
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must be ≥ 0, got %d", c.Redis.DB)
	}

	// Kafka
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must contain at least one broker address")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("config: kafka.group_id is required")
	}

	// Worker
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config: worker.concurrency must be ≥ 1, got %d", c.Worker.Concurrency)
	}

	// Experiment
	if c.Experiment.AssignmentTTL <= 0 {
		return fmt.Errorf("config: experiment.assignment_ttl must be > 0, got %s", c.Experiment.AssignmentTTL)
	}
	if c.Experiment.RegistryCacheTTL < 0 {
		return fmt.Errorf("config: experiment.registry_cache_ttl must be ≥ 0, got %s", c.Experiment.RegistryCacheTTL)
	}
	if c.Experiment.SignificanceLevel <= 0 || c.Experiment.SignificanceLevel >= 1 {
		return fmt.Errorf("config: experiment.significance_level %g is out of range (0, 1)", c.Experiment.SignificanceLevel)
	}
	if c.Experiment.RecentBufferSize < 0 {
		return fmt.Errorf("config: experiment.recent_buffer_size must be ≥ 0, got %d", c.Experiment.RecentBufferSize)
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	return nil
}
