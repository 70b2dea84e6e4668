// Package config loads the lendingd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the full daemon configuration.
type Config struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Kafka    KafkaConfig    `toml:"kafka"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Engine   EngineConfig   `toml:"engine"`
}

type PostgresConfig struct {
	DSN      string `toml:"dsn"`
	MaxConns int32  `toml:"max_conns"`
}

// RedisConfig enables the shared price cache and scheduler lock when Addr is
// set.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	TLSEnabled bool   `toml:"tls_enabled"`
	PriceKey   string `toml:"price_key"`
}

// KafkaConfig enables the outbox Kafka publisher when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type EngineConfig struct {
	Workers            int      `toml:"workers"`
	RelayInterval      duration `toml:"relay_interval"`
	MaxPriceAge        duration `toml:"max_price_age"`
	MaxRetries         uint64   `toml:"max_retries"`
	DisbursalApproval  bool     `toml:"disbursal_approval"`
	ObligationSchedule string   `toml:"obligation_schedule"`
	CollateralSchedule string   `toml:"collateral_schedule"`
	InterestSchedule   string   `toml:"interest_schedule"`
	AuditLog           bool     `toml:"audit_log"`
}

// duration wraps time.Duration so TOML can carry strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used for every field the file and
// environment leave unset.
func Defaults() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "json",
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Redis: RedisConfig{
			PoolSize: 10,
			PriceKey: "price:btcusd",
		},
		Kafka: KafkaConfig{
			Topic: "lending.events",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Engine: EngineConfig{
			Workers:            4,
			RelayInterval:      duration{time.Second},
			MaxPriceAge:        duration{5 * time.Minute},
			MaxRetries:         5,
			ObligationSchedule: "@daily",
			CollateralSchedule: "@every 1m",
			InterestSchedule:   "@daily",
			AuditLog:           true,
		},
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
)

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if !validLogFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	if c.Postgres.DSN == "" {
		errs = append(errs, "postgres: dsn must not be empty")
	}
	if c.Postgres.MaxConns < 0 {
		errs = append(errs, "postgres: max_conns must not be negative")
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, "kafka: topic is required when brokers are set")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics: addr is required when enabled")
	}

	if c.Engine.Workers <= 0 {
		errs = append(errs, "engine: workers must be positive")
	}
	if c.Engine.RelayInterval.Duration <= 0 {
		errs = append(errs, "engine: relay_interval must be positive")
	}
	if c.Engine.MaxPriceAge.Duration < 0 {
		errs = append(errs, "engine: max_price_age must not be negative")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"obligation_schedule": c.Engine.ObligationSchedule,
		"collateral_schedule": c.Engine.CollateralSchedule,
		"interest_schedule":   c.Engine.InterestSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Sprintf("engine: %s %q: %v", name, spec, err))
		}
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
