package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration, loaded once from the environment.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	Scylla        ScyllaConfig
	KMS           KMSConfig
	RateLimit     RateLimitConfig
	Quota         QuotaConfig
	Breaker       BreakerConfig
	Health        HealthConfig
	Cache         CacheConfig
	Services      ServicesConfig
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

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ScyllaConfig struct {
	Enabled  bool
	Hosts    []string
	Keyspace string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// RateLimitConfig controls the per-minute sliding-window limiter.
type RateLimitConfig struct {
	Enabled            bool
	RequestsPerMinute  int
	AuthenticatedMulti int
	ExemptPaths        []string
}

// QuotaConfig maps subscription tiers to daily message ceilings.
type QuotaConfig struct {
	FreeDaily int
	PlusDaily int
	ProDaily  int
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

type HealthConfig struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
}

type CacheConfig struct {
	Enabled bool
	MaxSize int
}

// ServicesConfig holds the base URLs of the downstream microservices.
type ServicesConfig struct {
	AgentURL     string
	MemoryURL    string
	CognitiveURL string
	SecurityURL  string
	WalletURL    string
	Timeout      time.Duration
}

var loaded *Config

// LoadConfig reads configuration from the environment (and .env in
// development) exactly once.
func LoadConfig() *Config {
	if loaded != nil {
		return loaded
	}

	// Missing .env is fine; containers inject real environment variables.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8000),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
			AutoCertDir:  getEnv("SERVER_AUTO_CERT_DIR", "/var/cache/autocert"),
			Domain:       getEnv("SERVER_DOMAIN", ""),
			Email:        getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:     getEnv("SERVER_CERT_FILE", ""),
			KeyFile:      getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 90*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Brokers: getEnvList("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getEnv("KAFKA_TOPIC", "gateway-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "gateway"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_INDEX", "gateway-audit"),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvBool("SCYLLA_ENABLED", false),
			Hosts:    getEnvList("SCYLLA_HOSTS", "localhost:9042"),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "luki_gateway"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("KMS_REGION", "us-east-1"),
		},
		RateLimit: RateLimitConfig{
			Enabled:            getEnvBool("RATE_LIMIT_ENABLED", true),
			RequestsPerMinute:  getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60),
			AuthenticatedMulti: getEnvInt("RATE_LIMIT_AUTHENTICATED_MULTIPLIER", 150),
			ExemptPaths:        getEnvList("RATE_LIMIT_EXEMPT_PATHS", "/health,/health/live,/health/ready"),
		},
		Quota: QuotaConfig{
			FreeDaily: getEnvInt("QUOTA_FREE_DAILY", 50),
			PlusDaily: getEnvInt("QUOTA_PLUS_DAILY", 2000),
			ProDaily:  getEnvInt("QUOTA_PRO_DAILY", 10000),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			Timeout:          getEnvDuration("BREAKER_TIMEOUT", 60*time.Second),
		},
		Health: HealthConfig{
			CheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
			CheckTimeout:  getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		},
		Cache: CacheConfig{
			Enabled: getEnvBool("CACHE_ENABLED", true),
			MaxSize: getEnvInt("CACHE_MAX_SIZE", 1000),
		},
		Services: ServicesConfig{
			AgentURL:     getEnv("AGENT_SERVICE_URL", "http://localhost:9000"),
			MemoryURL:    getEnv("MEMORY_SERVICE_URL", "http://localhost:8002"),
			CognitiveURL: getEnv("COGNITIVE_SERVICE_URL", "http://localhost:8003"),
			SecurityURL:  getEnv("SECURITY_SERVICE_URL", "http://localhost:8004"),
			WalletURL:    getEnv("WALLET_SERVICE_URL", "http://localhost:8005"),
			Timeout:      getEnvDuration("SERVICE_TIMEOUT", 30*time.Second),
		},
	}

	loaded = cfg
	return cfg
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	return LoadConfig()
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
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
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
