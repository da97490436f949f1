// Package config loads and validates control-plane configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/leadforge/crawl-control/internal/supervisor"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DB         DBConfig         `mapstructure:"db"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	HostPolicy HostPolicyConfig `mapstructure:"hostpolicy"`
	Listener   ListenerConfig   `mapstructure:"listener"`
	Router     RouterConfig     `mapstructure:"router"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig selects and configures the persistence backend.
type DBConfig struct {
	// Driver is "postgres" or "sqlite". SQLite deployments always use the
	// polling event source since there is no NOTIFY to listen on.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SupervisorConfig governs crawler subprocess lifecycle policy.
type SupervisorConfig struct {
	CrawlerPath                string        `mapstructure:"crawler_path"`
	CrawlerArgs                []string      `mapstructure:"crawler_args"`
	MaxRetryAttempts           int           `mapstructure:"max_retry_attempts"`
	QPIReductionFactor         float64       `mapstructure:"qpi_reduction_factor"`
	ErrorRateThreshold         float64       `mapstructure:"error_rate_threshold"`
	CircuitBreakerFailureCount int           `mapstructure:"circuit_breaker_failure_count"`
	RetryBackoffBase           time.Duration `mapstructure:"retry_backoff_base"`
	CircuitBreakerCooldown     time.Duration `mapstructure:"circuit_breaker_cooldown"`
	AbortGracePeriod           time.Duration `mapstructure:"abort_grace_period"`
}

// HostPolicyConfig tunes per-host politeness.
type HostPolicyConfig struct {
	BasePenalty time.Duration `mapstructure:"base_penalty"`
	MaxPenalty  time.Duration `mapstructure:"max_penalty"`
	MaxRetries  int           `mapstructure:"max_retries"`
	UserAgents  []string      `mapstructure:"user_agents"`
}

// ListenerConfig tunes the database event listener.
type ListenerConfig struct {
	Channel              string        `mapstructure:"channel"`
	PollTimeout          time.Duration `mapstructure:"poll_timeout"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBackoff     time.Duration `mapstructure:"reconnect_backoff"`
	BufferSize           int           `mapstructure:"buffer_size"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	PollBatchSize        int           `mapstructure:"poll_batch_size"`
}

// RouterConfig tunes the per-run notification queues.
type RouterConfig struct {
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LoggingConfig toggles zap development features and optional file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLCTL")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("supervisor.crawler_path", "leadcrawler")
	v.SetDefault("supervisor.max_retry_attempts", 3)
	v.SetDefault("supervisor.qpi_reduction_factor", 0.5)
	v.SetDefault("supervisor.error_rate_threshold", 0.3)
	v.SetDefault("supervisor.circuit_breaker_failure_count", 10)
	v.SetDefault("supervisor.retry_backoff_base", "5s")
	v.SetDefault("supervisor.circuit_breaker_cooldown", "0s")
	v.SetDefault("supervisor.abort_grace_period", "10s")
	v.SetDefault("hostpolicy.base_penalty", "60s")
	v.SetDefault("hostpolicy.max_penalty", "15m")
	v.SetDefault("hostpolicy.max_retries", 5)
	v.SetDefault("listener.channel", "crawler_log_events")
	v.SetDefault("listener.poll_timeout", "5s")
	v.SetDefault("listener.health_check_interval", "30s")
	v.SetDefault("listener.max_reconnect_attempts", 10)
	v.SetDefault("listener.reconnect_backoff", "1s")
	v.SetDefault("listener.buffer_size", 512)
	v.SetDefault("listener.poll_interval", "1s")
	v.SetDefault("listener.poll_batch_size", 100)
	v.SetDefault("router.max_queue_size", 256)
	v.SetDefault("router.idle_ttl", "1h")
	v.SetDefault("router.sweep_interval", "5m")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 14)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	case "sqlite":
		if c.DB.SQLitePath == "" {
			return fmt.Errorf("db.sqlite_path must be set when db.driver is sqlite")
		}
	default:
		return fmt.Errorf("db.driver must be postgres or sqlite, got %q", c.DB.Driver)
	}
	if c.Supervisor.CrawlerPath == "" {
		return fmt.Errorf("supervisor.crawler_path must be set")
	}
	if err := c.SupervisorPolicy().Validate(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	if c.HostPolicy.BasePenalty <= 0 || c.HostPolicy.MaxPenalty < c.HostPolicy.BasePenalty {
		return fmt.Errorf("hostpolicy penalties must satisfy 0 < base_penalty <= max_penalty")
	}
	if c.Listener.BufferSize <= 0 {
		return fmt.Errorf("listener.buffer_size must be > 0")
	}
	if c.Router.MaxQueueSize <= 0 {
		return fmt.Errorf("router.max_queue_size must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// SupervisorPolicy maps the config section onto the supervisor's policy type.
func (c Config) SupervisorPolicy() supervisor.Config {
	return supervisor.Config{
		MaxRetryAttempts:           c.Supervisor.MaxRetryAttempts,
		QPIReductionFactor:         c.Supervisor.QPIReductionFactor,
		ErrorRateThreshold:         c.Supervisor.ErrorRateThreshold,
		CircuitBreakerFailureCount: c.Supervisor.CircuitBreakerFailureCount,
		RetryBackoffBase:           c.Supervisor.RetryBackoffBase,
		CircuitBreakerCooldown:     c.Supervisor.CircuitBreakerCooldown,
		AbortGracePeriod:           c.Supervisor.AbortGracePeriod,
	}
}
