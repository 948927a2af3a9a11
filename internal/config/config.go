package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"

	"seat-service/internal/util"
)

// Config holds all application configuration loaded from the environment.
type Config struct {
	Environment string
	Server      ServerConfig
	Logging     LoggingConfig
	Redis       RedisConfig
	Scylla      ScyllaConfig
	Kafka       KafkaConfig
	Elastic     ElasticConfig
	Clickhouse  ClickhouseConfig
	License     LicenseConfig
	Pool        PoolConfig
	Session     SessionConfig
	Reconcile   ReconcileConfig
	Bucketing   BucketingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type ElasticConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

// LicenseConfig configures the external license authority client.
type LicenseConfig struct {
	BaseURL        string
	FeatureName    string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
}

// PoolConfig configures the seat pool.
type PoolConfig struct {
	// Backend selects the ledger implementation: "memory" or "redis".
	Backend       string
	TotalSeats    int
	AdminReserved int
}

// SessionConfig configures session lifetimes and limits.
type SessionConfig struct {
	// DefaultMaxSessions is the per-user ceiling when no override exists. 0 means unlimited.
	DefaultMaxSessions int
	TTL                time.Duration
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
}

// ReconcileConfig configures the drift reconciliation loop.
type ReconcileConfig struct {
	Interval time.Duration
	// Source tags recorded snapshots so operators can tell loop snapshots
	// from startup/shutdown ones.
	Source string
}

type BucketingConfig struct {
	SessionBuckets int
}

// LoadConfig reads .env (if present) and builds Config from the environment.
func LoadConfig() *Config {
	// Missing .env is fine: containers set real env vars
	_ = godotenv.Load()

	return &Config{
		Environment: util.GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         util.GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:         util.GetEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Nodes:    util.GetEnvList("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: util.GetEnv("SCYLLA_KEYSPACE", "seat_service"),
			Username: util.GetEnv("SCYLLA_USERNAME", ""),
			Password: util.GetEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Brokers: util.GetEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   util.GetEnv("KAFKA_TOPIC", "seat-events"),
		},
		Elastic: ElasticConfig{
			URL:        util.GetEnv("ELASTIC_URL", "http://localhost:9200"),
			Username:   util.GetEnv("ELASTIC_USERNAME", ""),
			Password:   util.GetEnv("ELASTIC_PASSWORD", ""),
			AuditIndex: util.GetEnv("ELASTIC_AUDIT_INDEX", "seat-audit"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "seat_service"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		License: LicenseConfig{
			BaseURL:        util.GetEnv("LICENSE_AUTHORITY_URL", "http://localhost:7070"),
			FeatureName:    util.GetEnv("LICENSE_FEATURE_NAME", "filehub_collab"),
			RequestTimeout: util.GetEnvDuration("LICENSE_REQUEST_TIMEOUT", 5*time.Second),
			MaxRetries:     util.GetEnvInt("LICENSE_MAX_RETRIES", 3),
			RetryBackoff:   util.GetEnvDuration("LICENSE_RETRY_BACKOFF", 200*time.Millisecond),
		},
		Pool: PoolConfig{
			Backend:       util.GetEnv("SEAT_LEDGER_BACKEND", "memory"),
			TotalSeats:    util.GetEnvInt("POOL_TOTAL_SEATS", 50),
			AdminReserved: util.GetEnvInt("POOL_ADMIN_RESERVED", 2),
		},
		Session: SessionConfig{
			DefaultMaxSessions: util.GetEnvInt("SESSION_DEFAULT_MAX", 0),
			TTL:                util.GetEnvDuration("SESSION_TTL", 12*time.Hour),
			IdleTimeout:        util.GetEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
			SweepInterval:      util.GetEnvDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		},
		Reconcile: ReconcileConfig{
			Interval: util.GetEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
			Source:   util.GetEnv("RECONCILE_SOURCE", "reconciler"),
		},
		Bucketing: BucketingConfig{
			SessionBuckets: util.GetEnvInt("SESSION_BUCKETS", 16),
		},
	}
}

// Validate checks configuration invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.Pool.TotalSeats <= 0 {
		return fmt.Errorf("config: POOL_TOTAL_SEATS must be positive, got %d", c.Pool.TotalSeats)
	}
	if c.Pool.AdminReserved < 0 || c.Pool.AdminReserved >= c.Pool.TotalSeats {
		return fmt.Errorf("config: POOL_ADMIN_RESERVED must be in [0, total), got %d of %d",
			c.Pool.AdminReserved, c.Pool.TotalSeats)
	}
	if c.Pool.Backend != "memory" && c.Pool.Backend != "redis" {
		return fmt.Errorf("config: SEAT_LEDGER_BACKEND must be memory or redis, got %q", c.Pool.Backend)
	}
	if c.Bucketing.SessionBuckets <= 0 {
		return fmt.Errorf("config: SESSION_BUCKETS must be positive, got %d", c.Bucketing.SessionBuckets)
	}
	if c.License.MaxRetries < 0 {
		return fmt.Errorf("config: LICENSE_MAX_RETRIES must not be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the host:port the HTTP server listens on.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
