package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main slotpool configuration
type Config struct {
	// Accounts backing the session pool
	Accounts []AccountConfig `json:"accounts" mapstructure:"accounts"`

	// Identity provider used to authenticate accounts
	Identity IdentityConfig `json:"identity" mapstructure:"identity"`

	Pool  PoolConfig  `json:"pool" mapstructure:"pool"`
	Queue QueueConfig `json:"queue" mapstructure:"queue"`
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Redis is only used when queue.backend is "redis"
	Redis RedisConfig `json:"redis" mapstructure:"redis"`

	// Executor performs the work of a job on a session
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Server exposes the admission, status and maintenance APIs
	Server ServerConfig `json:"server" mapstructure:"server"`

	Housekeeping HousekeepingConfig `json:"housekeeping" mapstructure:"housekeeping"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AccountConfig is one account that can back a session.
type AccountConfig struct {
	ID          string `json:"id" mapstructure:"id"`
	Secret      string `json:"secret" mapstructure:"secret"`
	DisplayName string `json:"display_name" mapstructure:"display_name"`
}

// IdentityConfig holds identity provider settings
type IdentityConfig struct {
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	IdentityURL string  `json:"identity_url" mapstructure:"identity_url"`
	TokenURL    string  `json:"token_url" mapstructure:"token_url"`
	Timeout     int     `json:"timeout" mapstructure:"timeout"`       // seconds
	AuthRate    float64 `json:"auth_rate" mapstructure:"auth_rate"`   // calls per second
	AuthBurst   int     `json:"auth_burst" mapstructure:"auth_burst"`
}

// PoolConfig holds session pool settings
type PoolConfig struct {
	MaxSessions         int    `json:"max_sessions" mapstructure:"max_sessions"`
	Strategy            string `json:"strategy" mapstructure:"strategy"` // round_robin, least_used
	ErrorCeiling        int    `json:"error_ceiling" mapstructure:"error_ceiling"`
	SessionTTL          int    `json:"session_ttl" mapstructure:"session_ttl"`                   // seconds
	RefreshThreshold    int    `json:"refresh_threshold" mapstructure:"refresh_threshold"`       // seconds
	MaintenanceInterval int    `json:"maintenance_interval" mapstructure:"maintenance_interval"` // seconds
	AccountCooldown     int    `json:"account_cooldown" mapstructure:"account_cooldown"`         // seconds
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Backend      string `json:"backend" mapstructure:"backend"` // memory, redis
	MaxSize      int    `json:"max_size" mapstructure:"max_size"`
	RateLimit    int    `json:"rate_limit" mapstructure:"rate_limit"`
	RateWindow   int    `json:"rate_window" mapstructure:"rate_window"`     // seconds
	ResultTTL    int    `json:"result_ttl" mapstructure:"result_ttl"`       // seconds
	PollInterval int    `json:"poll_interval" mapstructure:"poll_interval"` // milliseconds
}

// RetryConfig is the default retry policy for jobs that name none
type RetryConfig struct {
	MaxRetries   int     `json:"max_retries" mapstructure:"max_retries"`
	Strategy     string  `json:"strategy" mapstructure:"strategy"` // exponential, linear, fixed, immediate
	BaseDelay    int     `json:"base_delay" mapstructure:"base_delay"` // seconds
	MaxDelay     int     `json:"max_delay" mapstructure:"max_delay"`   // seconds
	Multiplier   float64 `json:"multiplier" mapstructure:"multiplier"`
	TickInterval int     `json:"tick_interval" mapstructure:"tick_interval"` // milliseconds
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr" mapstructure:"addr"`
	Password string `json:"password" mapstructure:"password"`
	DB       int    `json:"db" mapstructure:"db"`
	Prefix   string `json:"prefix" mapstructure:"prefix"`
	PoolSize int    `json:"pool_size" mapstructure:"pool_size"`
}

// ExecutorConfig holds the job executor endpoint
type ExecutorConfig struct {
	URL     string `json:"url" mapstructure:"url"`
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds, per job
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Port            int    `json:"port" mapstructure:"port"`
	Host            string `json:"host" mapstructure:"host"`
	AuthToken       string `json:"auth_token" mapstructure:"auth_token"`
	ShutdownTimeout int    `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
}

// HousekeepingConfig holds cron specs for periodic chores
type HousekeepingConfig struct {
	PruneSchedule     string `json:"prune_schedule" mapstructure:"prune_schedule"`
	RebalanceSchedule string `json:"rebalance_schedule" mapstructure:"rebalance_schedule"`
	StatsInterval     int    `json:"stats_interval" mapstructure:"stats_interval"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Accounts: []AccountConfig{},
		Identity: IdentityConfig{
			IdentityURL: "https://identitytoolkit.googleapis.com",
			TokenURL:    "https://securetoken.googleapis.com",
			Timeout:     30,
			AuthRate:    2,
			AuthBurst:   2,
		},
		Pool: PoolConfig{
			MaxSessions:         5,
			Strategy:            "round_robin",
			ErrorCeiling:        5,
			SessionTTL:          86400,
			RefreshThreshold:    300,
			MaintenanceInterval: 60,
			AccountCooldown:     300,
		},
		Queue: QueueConfig{
			Backend:      "memory",
			MaxSize:      1000,
			RateLimit:    10,
			RateWindow:   60,
			ResultTTL:    86400,
			PollInterval: 100,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			Strategy:     "exponential",
			BaseDelay:    5,
			MaxDelay:     300,
			Multiplier:   2.0,
			TickInterval: 1000,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Prefix:   "slotpool",
			PoolSize: 10,
		},
		Executor: ExecutorConfig{
			Timeout: 300,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			Host:            "0.0.0.0",
			ShutdownTimeout: 30,
		},
		Housekeeping: HousekeepingConfig{
			PruneSchedule:     "@every 10m",
			RebalanceSchedule: "@every 15m",
			StatsInterval:     30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Accounts = make([]AccountConfig, len(c.Accounts))
	for i, a := range c.Accounts {
		a.Secret = mask(a.Secret)
		masked.Accounts[i] = a
	}
	masked.Identity.APIKey = mask(c.Identity.APIKey)
	masked.Redis.Password = mask(c.Redis.Password)
	masked.Server.AuthToken = mask(c.Server.AuthToken)

	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured: at least one account is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, account := range c.Accounts {
		if account.ID == "" {
			return fmt.Errorf("account %d: id is required", i)
		}
		if account.Secret == "" {
			return fmt.Errorf("account %s: secret is required", account.ID)
		}
		if seen[account.ID] {
			return fmt.Errorf("account %s: duplicate id", account.ID)
		}
		seen[account.ID] = true
	}

	if c.Identity.APIKey == "" {
		return fmt.Errorf("identity api_key is required")
	}

	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool max_sessions must be positive, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.Strategy != "round_robin" && c.Pool.Strategy != "least_used" {
		return fmt.Errorf("invalid pool strategy %s (must be: round_robin, least_used)", c.Pool.Strategy)
	}

	if c.Queue.Backend != "memory" && c.Queue.Backend != "redis" {
		return fmt.Errorf("invalid queue backend %s (must be: memory, redis)", c.Queue.Backend)
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue max_size must be positive, got %d", c.Queue.MaxSize)
	}
	if c.Queue.RateLimit <= 0 || c.Queue.RateWindow <= 0 {
		return fmt.Errorf("queue rate_limit and rate_window must be positive")
	}
	if c.Queue.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when queue backend is redis")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries cannot be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Retry.TickInterval > 1000 {
		return fmt.Errorf("retry tick_interval must be at most 1000ms, got %d", c.Retry.TickInterval)
	}

	if c.Executor.URL == "" {
		return fmt.Errorf("executor url is required")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	return nil
}

// Seconds converts a seconds field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Millis converts a milliseconds field to a duration.
func Millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
