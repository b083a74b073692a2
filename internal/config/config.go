// Package config loads layered configuration: defaults, an optional YAML
// file, then DVT_-prefixed environment variables, highest precedence last.
// A small set of audit toggles is hot-reloadable; everything else requires a
// restart.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Security  SecurityConfig  `mapstructure:"security"`

	// Runtime holds the hot-reloadable toggles. Populated by Load and
	// refreshed by WatchRuntime.
	Runtime *Runtime `mapstructure:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	Name               string `mapstructure:"name"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// LoggingConfig holds slog settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds Prometheus settings. Metrics are served on a
// separate port so the scrape endpoint stays off the public API surface.
type TelemetryConfig struct {
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	DBStatsInterval time.Duration `mapstructure:"db_stats_interval"`
}

// AuditConfig holds audit pipeline settings.
type AuditConfig struct {
	// Chaining links each record hash to its predecessor. Turning this off
	// and back on later leaves a chain break at the gap.
	Chaining     bool          `mapstructure:"chaining"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// CaptureBudget bounds how long a background capture may take.
	CaptureBudget time.Duration `mapstructure:"capture_budget"`

	FallbackFile        string        `mapstructure:"fallback_file"`
	FallbackFileMaxSize int64         `mapstructure:"fallback_file_max_size"`
	FallbackWebhookURL  string        `mapstructure:"fallback_webhook_url"`
	FallbackBatchSize   int           `mapstructure:"fallback_batch_size"`
	FallbackFlush       time.Duration `mapstructure:"fallback_flush_interval"`

	// Hot-reloadable via Runtime.
	LogReadOperations bool `mapstructure:"log_read_operations"`
	LogFailedRequests bool `mapstructure:"log_failed_requests"`
}

// SecurityConfig holds auth and rate limiting settings.
type SecurityConfig struct {
	// JWTSecret is only accepted from the environment (DVT_JWT_SECRET),
	// never from the config file.
	JWTSecret string `mapstructure:"-"`

	// OperatorTokenHash is the bcrypt hash of the operator token guarding
	// destructive admin endpoints.
	OperatorTokenHash string `mapstructure:"operator_token_hash"`

	// RateLimitStrategy selects the limiter backend: memory or redis.
	RateLimitStrategy string `mapstructure:"rate_limit_strategy"`
	RateLimitPerMin   int    `mapstructure:"rate_limit_per_min"`
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPassword     string `mapstructure:"redis_password"`
	RedisDB           int    `mapstructure:"redis_db"`
}

// Runtime holds toggles that may change while the server runs. Reads and
// writes go through atomics so the capture middleware never takes a lock.
type Runtime struct {
	logReadOperations atomic.Bool
	logFailedRequests atomic.Bool
}

// LogReadOperations reports whether read-only requests should be audited.
func (r *Runtime) LogReadOperations() bool { return r.logReadOperations.Load() }

// LogFailedRequests reports whether failed requests should be audited.
func (r *Runtime) LogFailedRequests() bool { return r.logFailedRequests.Load() }

// SetLogReadOperations updates the read-audit toggle.
func (r *Runtime) SetLogReadOperations(v bool) { r.logReadOperations.Store(v) }

// SetLogFailedRequests updates the failed-request toggle.
func (r *Runtime) SetLogFailedRequests(v bool) { r.logFailedRequests.Store(v) }

// Load reads configuration from the optional file at path plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DVT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Security.JWTSecret = v.GetString("jwt_secret")

	cfg.Runtime = &Runtime{}
	cfg.Runtime.SetLogReadOperations(cfg.Audit.LogReadOperations)
	cfg.Runtime.SetLogFailedRequests(cfg.Audit.LogFailedRequests)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if path != "" {
		watchRuntime(v, cfg.Runtime)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_origins", []string{})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "docuvault")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "docuvault")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics_enabled", true)
	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.db_stats_interval", 15*time.Second)

	v.SetDefault("audit.chaining", true)
	v.SetDefault("audit.max_retries", 3)
	v.SetDefault("audit.retry_backoff", 100*time.Millisecond)
	v.SetDefault("audit.capture_budget", 5*time.Second)
	v.SetDefault("audit.fallback_file", "audit-fallback.jsonl")
	v.SetDefault("audit.fallback_file_max_size", int64(64<<20))
	v.SetDefault("audit.fallback_webhook_url", "")
	v.SetDefault("audit.fallback_batch_size", 50)
	v.SetDefault("audit.fallback_flush_interval", 10*time.Second)
	v.SetDefault("audit.log_read_operations", false)
	v.SetDefault("audit.log_failed_requests", true)

	v.SetDefault("security.operator_token_hash", "")
	v.SetDefault("security.rate_limit_strategy", "memory")
	v.SetDefault("security.rate_limit_per_min", 300)
	v.SetDefault("security.redis_addr", "localhost:6379")
	v.SetDefault("security.redis_password", "")
	v.SetDefault("security.redis_db", 0)
}

// bindEnvVars binds every key explicitly. AutomaticEnv alone does not see
// keys absent from both defaults and file, and Unmarshal only walks bound
// keys.
func bindEnvVars(v *viper.Viper) {
	keys := []string{
		"server.host", "server.port", "server.read_timeout", "server.write_timeout",
		"server.shutdown_timeout", "server.cors_origins",
		"database.host", "database.port", "database.user", "database.password",
		"database.name", "database.ssl_mode", "database.max_connections",
		"database.min_idle_connections",
		"logging.level", "logging.format",
		"telemetry.metrics_enabled", "telemetry.metrics_port", "telemetry.db_stats_interval",
		"audit.chaining", "audit.max_retries", "audit.retry_backoff", "audit.capture_budget",
		"audit.fallback_file", "audit.fallback_file_max_size", "audit.fallback_webhook_url",
		"audit.fallback_batch_size", "audit.fallback_flush_interval",
		"audit.log_read_operations", "audit.log_failed_requests",
		"security.operator_token_hash", "security.rate_limit_strategy",
		"security.rate_limit_per_min", "security.redis_addr", "security.redis_password",
		"security.redis_db",
		"jwt_secret",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Telemetry.MetricsEnabled && (c.Telemetry.MetricsPort < 1 || c.Telemetry.MetricsPort > 65535) {
		return fmt.Errorf("invalid metrics port: %d", c.Telemetry.MetricsPort)
	}
	if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsPort == c.Server.Port {
		return fmt.Errorf("metrics port must differ from server port")
	}
	switch c.Database.SSLMode {
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("invalid ssl_mode: %q", c.Database.SSLMode)
	}
	if c.Audit.MaxRetries < 0 || c.Audit.MaxRetries > 10 {
		return fmt.Errorf("audit.max_retries must be 0..10, got %d", c.Audit.MaxRetries)
	}
	switch c.Security.RateLimitStrategy {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid rate_limit_strategy: %q (must be memory or redis)", c.Security.RateLimitStrategy)
	}
	if c.Security.RateLimitStrategy == "redis" && c.Security.RedisAddr == "" {
		return fmt.Errorf("redis rate limiting requires security.redis_addr")
	}
	return nil
}

// GetDSN builds the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// watchRuntime re-reads the audit toggles when the config file changes on
// disk. Only Runtime fields update; structural settings keep their values
// from startup.
func watchRuntime(v *viper.Viper, rt *Runtime) {
	v.OnConfigChange(func(e fsnotify.Event) {
		rt.SetLogReadOperations(v.GetBool("audit.log_read_operations"))
		rt.SetLogFailedRequests(v.GetBool("audit.log_failed_requests"))
		slog.Info("runtime audit toggles reloaded",
			"file", e.Name,
			"log_read_operations", rt.LogReadOperations(),
			"log_failed_requests", rt.LogFailedRequests())
	})
	v.WatchConfig()
}
