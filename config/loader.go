package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads a .env file when
// present and applies LENDING_* environment overrides. An empty path skips
// the file. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints without
// editing the file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LENDING_LOG_LEVEL")
	setStr(&cfg.LogFormat, "LENDING_LOG_FORMAT")

	setStr(&cfg.Postgres.DSN, "LENDING_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "LENDING_POSTGRES_MAX_CONNS")

	setStr(&cfg.Redis.Addr, "LENDING_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LENDING_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LENDING_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LENDING_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "LENDING_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.PriceKey, "LENDING_REDIS_PRICE_KEY")

	setStringSlice(&cfg.Kafka.Brokers, "LENDING_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "LENDING_KAFKA_TOPIC")

	setBool(&cfg.Metrics.Enabled, "LENDING_METRICS_ENABLED")
	setStr(&cfg.Metrics.Addr, "LENDING_METRICS_ADDR")

	setInt(&cfg.Engine.Workers, "LENDING_ENGINE_WORKERS")
	setDuration(&cfg.Engine.RelayInterval, "LENDING_ENGINE_RELAY_INTERVAL")
	setDuration(&cfg.Engine.MaxPriceAge, "LENDING_ENGINE_MAX_PRICE_AGE")
	setBool(&cfg.Engine.DisbursalApproval, "LENDING_ENGINE_DISBURSAL_APPROVAL")
	setStr(&cfg.Engine.ObligationSchedule, "LENDING_ENGINE_OBLIGATION_SCHEDULE")
	setStr(&cfg.Engine.CollateralSchedule, "LENDING_ENGINE_COLLATERAL_SCHEDULE")
	setStr(&cfg.Engine.InterestSchedule, "LENDING_ENGINE_INTEREST_SCHEDULE")
}

// Each helper only writes when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
