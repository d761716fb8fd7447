package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Clickhouse    ClickhouseConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Ingest        IngestConfig
	Sweep         SweepConfig
	Anomaly       AnomalyConfig
	Bucketing     BucketingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	AutoCertDir  string
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	QueryTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the backends. The memory driver exists for tests and
// single-node development; production runs clickhouse + scylla.
type StoreConfig struct {
	MetricDriver  string // "clickhouse" or "memory"
	SessionDriver string // "scylla" or "memory"
}

type RedisConfig struct {
	Enabled  bool
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

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	SecurityTopic string
}

type ElasticsearchConfig struct {
	Enabled        bool
	URL            string
	Username       string
	Password       string
	SlowQueryIndex string
}

// IngestConfig shapes the gateway: per-stream queue capacity and the bounded
// retry applied when the store is unavailable.
type IngestConfig struct {
	QueueCapacity        int
	MaxRetries           int
	RetryBackoff         time.Duration
	MaxRetryBackoff      time.Duration
	AppendTimeout        time.Duration
	SlowQueryThresholdMs int64
}

type SweepConfig struct {
	Interval            time.Duration
	InactivityThreshold time.Duration
}

type AnomalyConfig struct {
	Window    time.Duration
	Threshold int64
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
				Domain:       getEnv("SERVER_DOMAIN", "localhost"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
				QueryTimeout: getEnvDuration("SERVER_QUERY_TIMEOUT", 10*time.Second),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "json"),
			},
			Store: StoreConfig{
				MetricDriver:  getEnv("METRIC_STORE_DRIVER", "clickhouse"),
				SessionDriver: getEnv("SESSION_STORE_DRIVER", "scylla"),
			},
			Redis: RedisConfig{
				Enabled:  getEnvBool("REDIS_ENABLED", true),
				URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", "127.0.0.1:9042"),
				Keyspace: getEnv("SCYLLA_KEYSPACE", "telemetry"),
				Username: getEnv("SCYLLA_USERNAME", ""),
				Password: getEnv("SCYLLA_PASSWORD", ""),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database: getEnv("CLICKHOUSE_DATABASE", "telemetry"),
				Username: getEnv("CLICKHOUSE_USERNAME", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Kafka: KafkaConfig{
				Enabled:       getEnvBool("KAFKA_ENABLED", false),
				Brokers:       getEnvList("KAFKA_BROKERS", "localhost:9092"),
				SecurityTopic: getEnv("KAFKA_SECURITY_TOPIC", "security-events"),
			},
			Elasticsearch: ElasticsearchConfig{
				Enabled:        getEnvBool("ELASTICSEARCH_ENABLED", false),
				URL:            getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:       getEnv("ELASTICSEARCH_USERNAME", ""),
				Password:       getEnv("ELASTICSEARCH_PASSWORD", ""),
				SlowQueryIndex: getEnv("ELASTICSEARCH_SLOW_QUERY_INDEX", "slow-queries"),
			},
			Ingest: IngestConfig{
				QueueCapacity:        getEnvInt("INGEST_QUEUE_CAPACITY", 4096),
				MaxRetries:           getEnvInt("INGEST_MAX_RETRIES", 5),
				RetryBackoff:         getEnvDuration("INGEST_RETRY_BACKOFF", 100*time.Millisecond),
				MaxRetryBackoff:      getEnvDuration("INGEST_MAX_RETRY_BACKOFF", 5*time.Second),
				AppendTimeout:        getEnvDuration("INGEST_APPEND_TIMEOUT", 5*time.Second),
				SlowQueryThresholdMs: int64(getEnvInt("SLOW_QUERY_THRESHOLD_MS", 500)),
			},
			Sweep: SweepConfig{
				Interval:            getEnvDuration("SWEEP_INTERVAL", time.Minute),
				InactivityThreshold: getEnvDuration("SWEEP_INACTIVITY_THRESHOLD", 10*time.Minute),
			},
			Anomaly: AnomalyConfig{
				Window:    getEnvDuration("ANOMALY_WINDOW", 10*time.Minute),
				Threshold: int64(getEnvInt("ANOMALY_THRESHOLD", 5)),
			},
			Bucketing: BucketingConfig{
				UserBuckets:  getEnvInt("USER_BUCKETS", 64),
				EventBuckets: getEnvInt("EVENT_BUCKETS", 16),
			},
		}
	})
	return global
}

// Get returns the loaded configuration, loading defaults if needed.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
