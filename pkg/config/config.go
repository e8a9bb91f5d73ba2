// Package config loads and validates service configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Service    ServiceConfig
	Server     ServerConfig
	EventStore EventStoreConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Retry      RetryConfig
	Security   SecurityConfig
	Email      EmailConfig
	Settlement SettlementConfig
	Operators  OperatorsConfig
}

type ServiceConfig struct {
	Name     string
	LogLevel string
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Event store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type EventStoreConfig struct {
	Backend         string
	PostgresURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MongoURI        string
	MongoDatabase   string
	MongoTimeout    time.Duration
}

type RedisConfig struct {
	URL          string
	Password     string
	DB           int
	ReadModelTTL time.Duration
}

type CacheConfig struct {
	Enabled           bool
	SlidingExpiration time.Duration
	AggregateTypes    []string
}

type SecurityConfig struct {
	TokenURL         string
	BaseURL          string
	ClientID         string
	ClientSecret     string
	RefreshThreshold time.Duration
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPUseTLS   bool
}

type SettlementConfig struct {
	WorkerEnabled  bool
	WorkerInterval time.Duration
}

// OperatorsConfig names operators that are approved locally instead of
// through a host integration.
type OperatorsConfig struct {
	PassThrough []string
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Service: ServiceConfig{
			Name:     getEnv("SERVICE_NAME", "transaction-processor"),
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		EventStore: EventStoreConfig{
			Backend:         strings.ToLower(getEnv("EVENTSTORE_BACKEND", BackendMemory)),
			PostgresURL:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MongoURI:        getEnv("MONGO_URI", ""),
			MongoDatabase:   getEnv("MONGO_DATABASE", "txprocessor"),
			MongoTimeout:    getDurationEnv("MONGO_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			URL:          normalizeRedisURL(getEnv("REDIS_URL", "")),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getIntEnv("REDIS_DB", 0),
			ReadModelTTL: getDurationEnv("READ_MODEL_TTL", 24*time.Hour),
		},
		Cache: CacheConfig{
			Enabled:           getBoolEnv("AGGREGATE_CACHE_ENABLED", true),
			SlidingExpiration: getDurationEnv("AGGREGATE_CACHE_EXPIRATION", 30*time.Minute),
			AggregateTypes:    getListEnv("AGGREGATE_CACHE_TYPES", []string{"EstateAggregate", "MerchantAggregate", "ContractAggregate", "OperatorAggregate"}),
		},
		Retry: LoadRetryConfig(),
		Security: SecurityConfig{
			TokenURL:         getEnv("SECURITY_TOKEN_URL", ""),
			BaseURL:          getEnv("SECURITY_SERVICE_URL", ""),
			ClientID:         getEnv("SECURITY_CLIENT_ID", ""),
			ClientSecret:     getEnv("SECURITY_CLIENT_SECRET", ""),
			RefreshThreshold: getDurationEnv("SECURITY_TOKEN_REFRESH_THRESHOLD", 2*time.Minute),
		},
		Email: EmailConfig{
			SMTPHost:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			SMTPPort:     getIntEnv("SMTP_PORT", 587),
			SMTPUsername: getEnv("SMTP_USERNAME", ""),
			SMTPPassword: getEnv("SMTP_PASSWORD", ""),
			SMTPFrom:     getEnv("SMTP_FROM", ""),
			SMTPUseTLS:   getBoolEnv("SMTP_USE_TLS", true),
		},
		Settlement: SettlementConfig{
			WorkerEnabled:  getBoolEnv("SETTLEMENT_WORKER_ENABLED", true),
			WorkerInterval: getDurationEnv("SETTLEMENT_WORKER_INTERVAL", 1*time.Hour),
		},
		Operators: OperatorsConfig{
			PassThrough: getListEnv("PASS_THROUGH_OPERATORS", []string{"Safaricom", "PataPawa"}),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
