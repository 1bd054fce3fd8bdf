package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/aclprop/pkg/acl"
	"github.com/platinummonkey/aclprop/pkg/observability"
)

// Cache modes
const (
	CacheNone  = "none"
	CacheLRU   = "lru"
	CacheRedis = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Propagation   PropagationConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the ACL database connection settings
type DatabaseConfig struct {
	Dialect         acl.Dialect
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CacheConfig holds permission cache settings
type CacheConfig struct {
	Mode          string
	TTL           time.Duration
	Size          int
	RedisURL      string
	RedisPrefix   string
	RedisPoolSize int
}

// PropagationConfig holds rule set and reconciliation settings
type PropagationConfig struct {
	RulesFile         string
	WatchRules        bool
	Workers           int
	ReconcileSchedule string
	// ReconcileTimeout bounds one reconciliation run; zero means no limit
	ReconcileTimeout  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
	OTelMetricInterval time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Propagation:   loadPropagationConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ACL_HOST", "0.0.0.0"),
		Port:            getEnv("ACL_PORT", "9090"),
		ReadTimeout:     getEnvDuration("ACL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ACL_WRITE_TIMEOUT", 15*time.Second),
		ShutdownTimeout: getEnvDuration("ACL_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Dialect:         acl.Dialect(getEnv("ACL_DB_DIALECT", string(acl.DialectPostgres))),
		URL:             getEnv("ACL_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("ACL_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("ACL_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("ACL_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Mode:          strings.ToLower(getEnv("ACL_CACHE_MODE", CacheLRU)),
		TTL:           getEnvDuration("ACL_CACHE_TTL", 30*time.Second),
		Size:          getEnvInt("ACL_CACHE_SIZE", 10000),
		RedisURL:      getEnv("ACL_REDIS_URL", ""),
		RedisPrefix:   getEnv("ACL_REDIS_PREFIX", "acl"),
		RedisPoolSize: getEnvInt("ACL_REDIS_POOL_SIZE", 0),
	}
}

func loadPropagationConfig() PropagationConfig {
	return PropagationConfig{
		RulesFile:         getEnv("ACL_RULES_FILE", ""),
		WatchRules:        getEnvBool("ACL_RULES_WATCH", true),
		Workers:           getEnvInt("ACL_WORKERS", 4),
		ReconcileSchedule: getEnv("ACL_RECONCILE_SCHEDULE", "@every 1h"),
		ReconcileTimeout:  getEnvDuration("ACL_RECONCILE_TIMEOUT", 30*time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("ACL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ACL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ACL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ACL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ACL_OTEL_SERVICE_NAME", "acl-reconciler"),
		OTelServiceVersion: getEnv("ACL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ACL_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("ACL_OTEL_SAMPLE_RATIO", 1),
		OTelMetricInterval: getEnvDuration("ACL_OTEL_METRIC_INTERVAL", 10*time.Second),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Dialect {
	case acl.DialectPostgres, acl.DialectSQLite:
	default:
		return fmt.Errorf("invalid database dialect: %s (must be postgres or sqlite3)", c.Database.Dialect)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Cache.Mode {
	case CacheNone, CacheLRU:
	case CacheRedis:
		if _, err := c.Cache.RedisOptions(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid cache mode: %s (must be none, lru, or redis)", c.Cache.Mode)
	}
	if c.Cache.Mode != CacheNone && c.Cache.TTL < 0 {
		return fmt.Errorf("cache TTL must not be negative")
	}

	if c.Propagation.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Propagation.Workers)
	}
	if c.Propagation.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(c.Propagation.ReconcileSchedule); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", c.Propagation.ReconcileSchedule, err)
		}
	}
	if c.Propagation.ReconcileTimeout < 0 {
		return fmt.Errorf("reconcile timeout must not be negative")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %v", r)
		}
	}

	return nil
}

// RedisOptions parses RedisURL into client options
func (c CacheConfig) RedisOptions() (*redis.Options, error) {
	if c.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required for redis cache")
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if c.RedisPoolSize > 0 {
		opts.PoolSize = c.RedisPoolSize
	}
	return opts, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
