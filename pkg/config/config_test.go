package config

import (
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/aclprop/pkg/acl"
	"github.com/platinummonkey/aclprop/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	t.Setenv("ACL_TEST_VAR", "custom")

	if got := getEnv("ACL_TEST_VAR", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("ACL_TEST_VAR_NOT_SET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{"true", "true", false, true},
		{"TRUE", "TRUE", false, true},
		{"one", "1", false, true},
		{"false", "false", true, false},
		{"garbage", "yes please", true, false},
		{"unset", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ACL_TEST_BOOL", tt.envValue)
			if got := getEnvBool("ACL_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	t.Setenv("ACL_TEST_INT", "42")
	if got := getEnvInt("ACL_TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}

	t.Setenv("ACL_TEST_INT", "forty-two")
	if got := getEnvInt("ACL_TEST_INT", 1); got != 1 {
		t.Errorf("getEnvInt() with invalid value = %v, want 1", got)
	}
}

// TestGetEnvFloat tests the getEnvFloat helper function
func TestGetEnvFloat(t *testing.T) {
	t.Setenv("ACL_TEST_FLOAT", "0.25")
	if got := getEnvFloat("ACL_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}

	t.Setenv("ACL_TEST_FLOAT", "a quarter")
	if got := getEnvFloat("ACL_TEST_FLOAT", 1); got != 1 {
		t.Errorf("getEnvFloat() with invalid value = %v, want 1", got)
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	t.Setenv("ACL_TEST_DURATION", "90s")
	if got := getEnvDuration("ACL_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration() = %v, want 90s", got)
	}

	t.Setenv("ACL_TEST_DURATION", "soon")
	if got := getEnvDuration("ACL_TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() with invalid value = %v, want 1s", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ACL_POSTGRES_URL", "postgres://localhost/grc")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Dialect != acl.DialectPostgres {
		t.Errorf("Database.Dialect = %v, want postgres", cfg.Database.Dialect)
	}
	if cfg.Cache.Mode != CacheLRU {
		t.Errorf("Cache.Mode = %v, want lru", cfg.Cache.Mode)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Cache.TTL = %v, want 30s", cfg.Cache.TTL)
	}
	if cfg.Propagation.Workers != 4 {
		t.Errorf("Propagation.Workers = %v, want 4", cfg.Propagation.Workers)
	}
	if cfg.Propagation.ReconcileSchedule != "@every 1h" {
		t.Errorf("Propagation.ReconcileSchedule = %v, want @every 1h", cfg.Propagation.ReconcileSchedule)
	}
	if cfg.Propagation.ReconcileTimeout != 30*time.Minute {
		t.Errorf("Propagation.ReconcileTimeout = %v, want 30m", cfg.Propagation.ReconcileTimeout)
	}
	if !cfg.Propagation.WatchRules {
		t.Error("Propagation.WatchRules should default to true")
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("Observability.LogLevel = %v, want INFO", cfg.Observability.LogLevel)
	}
	if cfg.Observability.OTelSampleRatio != 1 {
		t.Errorf("Observability.OTelSampleRatio = %v, want 1", cfg.Observability.OTelSampleRatio)
	}
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("ACL_POSTGRES_URL", "file::memory:")
	t.Setenv("ACL_DB_DIALECT", "sqlite3")
	t.Setenv("ACL_CACHE_MODE", "REDIS")
	t.Setenv("ACL_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("ACL_REDIS_POOL_SIZE", "25")
	t.Setenv("ACL_WORKERS", "16")
	t.Setenv("ACL_RULES_FILE", "/etc/acl/rules.yaml")
	t.Setenv("ACL_RECONCILE_SCHEDULE", "0 3 * * *")
	t.Setenv("ACL_RECONCILE_TIMEOUT", "5m")
	t.Setenv("ACL_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Database.Dialect != acl.DialectSQLite {
		t.Errorf("Database.Dialect = %v, want sqlite3", cfg.Database.Dialect)
	}
	if cfg.Cache.Mode != CacheRedis {
		t.Errorf("Cache.Mode = %v, want redis", cfg.Cache.Mode)
	}
	if cfg.Propagation.Workers != 16 {
		t.Errorf("Propagation.Workers = %v, want 16", cfg.Propagation.Workers)
	}
	if cfg.Propagation.RulesFile != "/etc/acl/rules.yaml" {
		t.Errorf("Propagation.RulesFile = %v", cfg.Propagation.RulesFile)
	}
	if cfg.Propagation.ReconcileTimeout != 5*time.Minute {
		t.Errorf("Propagation.ReconcileTimeout = %v, want 5m", cfg.Propagation.ReconcileTimeout)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("Observability.LogLevel = %v, want DEBUG", cfg.Observability.LogLevel)
	}

	opts, err := cfg.Cache.RedisOptions()
	if err != nil {
		t.Fatalf("RedisOptions() error = %v", err)
	}
	if opts.Addr != "cache:6379" || opts.DB != 2 || opts.PoolSize != 25 {
		t.Errorf("RedisOptions() = %+v", opts)
	}
}

func validConfig() *Config {
	return &Config{
		Server:      ServerConfig{Port: "9090"},
		Database:    DatabaseConfig{Dialect: acl.DialectPostgres, URL: "postgres://localhost/grc"},
		Cache:       CacheConfig{Mode: CacheLRU, TTL: time.Second},
		Propagation: PropagationConfig{Workers: 1, ReconcileSchedule: "@hourly"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing port", func(c *Config) { c.Server.Port = "" }, "server port is required"},
		{"unknown dialect", func(c *Config) { c.Database.Dialect = "mysql" }, "invalid database dialect"},
		{"missing database URL", func(c *Config) { c.Database.URL = "" }, "database URL is required"},
		{"unknown cache mode", func(c *Config) { c.Cache.Mode = "memcached" }, "invalid cache mode"},
		{"redis without URL", func(c *Config) { c.Cache.Mode = CacheRedis }, "redis URL is required"},
		{"redis with bad URL", func(c *Config) {
			c.Cache.Mode = CacheRedis
			c.Cache.RedisURL = "http://cache"
		}, "invalid redis URL"},
		{"negative TTL", func(c *Config) { c.Cache.TTL = -time.Second }, "cache TTL"},
		{"no cache ignores TTL", func(c *Config) {
			c.Cache.Mode = CacheNone
			c.Cache.TTL = -time.Second
		}, ""},
		{"zero workers", func(c *Config) { c.Propagation.Workers = 0 }, "workers must be positive"},
		{"bad schedule", func(c *Config) { c.Propagation.ReconcileSchedule = "every tuesday" }, "invalid reconcile schedule"},
		{"schedule disabled", func(c *Config) { c.Propagation.ReconcileSchedule = "" }, ""},
		{"negative reconcile timeout", func(c *Config) { c.Propagation.ReconcileTimeout = -time.Minute }, "reconcile timeout"},
		{"unbounded reconcile", func(c *Config) { c.Propagation.ReconcileTimeout = 0 }, ""},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "acl"
		}, "OpenTelemetry endpoint is required"},
		{"otel without service", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = "localhost:4317"
		}, "OpenTelemetry service name is required"},
		{"otel sample ratio above one", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = "localhost:4317"
			c.Observability.OTelServiceName = "acl"
			c.Observability.OTelSampleRatio = 1.5
		}, "sample ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_InvalidFails(t *testing.T) {
	t.Setenv("ACL_POSTGRES_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() without a database URL should fail")
	}
}
