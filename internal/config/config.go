package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// WorkerConfig configures the worker process's own HTTP server.
type WorkerConfig struct {
	HealthPort int `mapstructure:"health_port"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	IdleInTxTimeout time.Duration `mapstructure:"idle_in_tx_timeout"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel_prefix"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

// OutboxConfig holds the worker tunables. Each can be overridden by an
// OUTBOX_* environment variable without touching the config file.
type OutboxConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval" envconfig:"POLL_INTERVAL"`
	BatchSize           int           `mapstructure:"batch_size" envconfig:"BATCH_SIZE"`
	StaleClaimThreshold time.Duration `mapstructure:"stale_claim_threshold" envconfig:"STALE_CLAIM_THRESHOLD"`
	StaleSweepInterval  time.Duration `mapstructure:"stale_sweep_interval" envconfig:"STALE_SWEEP_INTERVAL"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff" envconfig:"MAX_BACKOFF"`
	RetryBudget         int           `mapstructure:"retry_budget" envconfig:"RETRY_BUDGET"`
	FailureLogMilestone int           `mapstructure:"failure_log_milestone" envconfig:"FAILURE_LOG_MILESTONE"`
	DegradedAfter       time.Duration `mapstructure:"degraded_after" envconfig:"DEGRADED_AFTER"`
}

type ArchiveConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
	Interval  time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	ReplaysPerSecond  float64 `mapstructure:"replays_per_second"`
}

type SMTPConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	AlertTo  []string `mapstructure:"alert_to"`
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && len(c.AlertTo) > 0
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("worker.health_port", 8081)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.idle_in_tx_timeout", 30*time.Second)

	v.SetDefault("redis.channel_prefix", "events")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.stale_claim_threshold", 5*time.Minute)
	v.SetDefault("outbox.stale_sweep_interval", 5*time.Minute)
	v.SetDefault("outbox.max_backoff", time.Minute)
	v.SetDefault("outbox.retry_budget", 5)
	v.SetDefault("outbox.failure_log_milestone", 10)
	v.SetDefault("outbox.degraded_after", 30*time.Second)

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.retention", 30*24*time.Hour)
	v.SetDefault("archive.interval", time.Hour)

	v.SetDefault("auth.issuer", "outbox-relay")
	v.SetDefault("auth.token_ttl", 12*time.Hour)

	v.SetDefault("rate_limit.requests_per_second", 20)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("rate_limit.replays_per_second", 5)

	v.SetDefault("smtp.port", 587)
	v.SetDefault("log.level", "info")
}

// LoadConfig reads config.yaml from the usual locations, then applies
// environment overrides. A missing file is not an error.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := envconfig.Process("outbox", &config.Outbox); err != nil {
		return nil, fmt.Errorf("failed to read outbox environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	o := c.Outbox
	switch {
	case o.PollInterval <= 0:
		return fmt.Errorf("outbox.poll_interval must be greater than 0")
	case o.BatchSize <= 0:
		return fmt.Errorf("outbox.batch_size must be greater than 0")
	case o.StaleClaimThreshold <= 0:
		return fmt.Errorf("outbox.stale_claim_threshold must be greater than 0")
	case o.StaleSweepInterval <= 0:
		return fmt.Errorf("outbox.stale_sweep_interval must be greater than 0")
	case o.MaxBackoff < o.PollInterval:
		return fmt.Errorf("outbox.max_backoff must not be below outbox.poll_interval")
	case o.RetryBudget <= 0:
		return fmt.Errorf("outbox.retry_budget must be greater than 0")
	}
	return nil
}
