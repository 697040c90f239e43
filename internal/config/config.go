// Package config provides configuration management using viper.
// It supports loading from YAML files and environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Bot       BotConfig       `mapstructure:"bot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Referral  ReferralConfig  `mapstructure:"referral"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Plans     []PlanConfig    `mapstructure:"plans"`
}

// BotConfig holds Telegram bot configuration.
type BotConfig struct {
	Token string `mapstructure:"token"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// AdminConfig holds admin user configuration.
type AdminConfig struct {
	IDs []int64 `mapstructure:"ids"`
}

// SchedulerConfig holds profit accrual scheduler configuration.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	Workers      int           `mapstructure:"workers"`
	TickDeadline time.Duration `mapstructure:"tick_deadline"`
	MaxRetries   uint64        `mapstructure:"max_retries"`
}

// ReferralConfig holds referral commission configuration.
// RateBps must be strictly decreasing by level; its length is the maximum
// depth of the referrer chain walk.
type ReferralConfig struct {
	RateBps []int64 `mapstructure:"rate_bps"`
}

// Depth returns the maximum commission depth.
func (r *ReferralConfig) Depth() int {
	return len(r.RateBps)
}

// Validate checks that the rate table is strictly decreasing and positive.
func (r *ReferralConfig) Validate() error {
	prev := int64(10000)
	for i, bps := range r.RateBps {
		if bps <= 0 || bps >= prev {
			return fmt.Errorf("referral rate_bps must be positive and strictly decreasing, level %d is %d", i+1, bps)
		}
		prev = bps
	}
	return nil
}

// RateLimitConfig holds per-action token bucket settings.
type RateLimitConfig struct {
	Deposit    BucketConfig `mapstructure:"deposit"`
	Activation BucketConfig `mapstructure:"activation"`
}

// BucketConfig describes one token bucket: PerMinute refill rate with a
// burst capacity.
type BucketConfig struct {
	PerMinute float64 `mapstructure:"per_minute"`
	Burst     int     `mapstructure:"burst"`
}

// PlanConfig describes a mining plan seeded into the database at startup.
// Stakes are in micro-USDT, the rate in basis points per accrual period.
type PlanConfig struct {
	Name            string        `mapstructure:"name"`
	RateBps         int64         `mapstructure:"rate_bps"`
	Period          time.Duration `mapstructure:"period"`
	TotalPeriods    int32         `mapstructure:"total_periods"`
	MinStake        int64         `mapstructure:"min_stake"`
	MaxStake        int64         `mapstructure:"max_stake"`
	ReturnPrincipal bool          `mapstructure:"return_principal"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables use underscore separator and uppercase,
	// e.g. BOT_TOKEN, DATABASE_HOST, SCHEDULER_INTERVAL.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK - env vars can provide all config.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Referral.Validate(); err != nil {
		return nil, err
	}

	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "miningbot")
	v.SetDefault("database.name", "miningbot")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	// Scheduler defaults
	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.tick_deadline", "4m")
	v.SetDefault("scheduler.max_retries", 2)

	// Referral commission defaults: 5% / 2% / 1% over three levels.
	v.SetDefault("referral.rate_bps", []int64{500, 200, 100})

	// Rate limiter defaults
	v.SetDefault("rate_limit.deposit.per_minute", 3.0)
	v.SetDefault("rate_limit.deposit.burst", 3)
	v.SetDefault("rate_limit.activation.per_minute", 6.0)
	v.SetDefault("rate_limit.activation.burst", 6)
}

// DefaultPlans returns the built-in mining plans used when the config file
// defines none. Stakes are in micro-USDT (1 USDT = 1_000_000).
func DefaultPlans() []PlanConfig {
	return []PlanConfig{
		{Name: "Starter", RateBps: 100, Period: 24 * time.Hour, TotalPeriods: 30, MinStake: 10_000_000, MaxStake: 500_000_000, ReturnPrincipal: true},
		{Name: "Pro", RateBps: 150, Period: 24 * time.Hour, TotalPeriods: 60, MinStake: 100_000_000, MaxStake: 2_000_000_000, ReturnPrincipal: true},
		{Name: "Max", RateBps: 200, Period: 24 * time.Hour, TotalPeriods: 90, MinStake: 500_000_000, MaxStake: 10_000_000_000, ReturnPrincipal: false},
	}
}

// IsAdmin checks if a user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Admin.IDs {
		if id == userID {
			return true
		}
	}
	return false
}
