package extension

import "time"

// Config holds the lending extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.lending" or "lending" keys).
type Config struct {
	// DisableMigrate skips schema migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DatabaseURL opens a PostgreSQL store when no store was given
	// programmatically. Empty falls back to the in-memory store.
	DatabaseURL string `json:"database_url" mapstructure:"database_url" yaml:"database_url"`

	// MaxConns caps the PostgreSQL pool (default: pgx default).
	MaxConns int32 `json:"max_conns" mapstructure:"max_conns" yaml:"max_conns"`

	// Workers is the number of job workers (default: 4).
	Workers int `json:"workers" mapstructure:"workers" yaml:"workers"`

	// RelayInterval is how often the outbox is polled (default: 1s).
	RelayInterval time.Duration `json:"relay_interval" mapstructure:"relay_interval" yaml:"relay_interval"`

	// MaxPriceAge is how old a price may be before decisions wait for a
	// fresh one (default: 5m).
	MaxPriceAge time.Duration `json:"max_price_age" mapstructure:"max_price_age" yaml:"max_price_age"`

	// DisbursalApproval routes every disbursal through governance.
	DisbursalApproval bool `json:"disbursal_approval" mapstructure:"disbursal_approval" yaml:"disbursal_approval"`

	// Cron specs of the periodic triggers. "-" disables a trigger.
	ObligationSchedule string `json:"obligation_schedule" mapstructure:"obligation_schedule" yaml:"obligation_schedule"`
	CollateralSchedule string `json:"collateral_schedule" mapstructure:"collateral_schedule" yaml:"collateral_schedule"`
	InterestSchedule   string `json:"interest_schedule" mapstructure:"interest_schedule" yaml:"interest_schedule"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		RelayInterval:      time.Second,
		MaxPriceAge:        5 * time.Minute,
		ObligationSchedule: "@daily",
		CollateralSchedule: "@every 1m",
		InterestSchedule:   "@daily",
	}
}

// schedule converts the cron fields, mapping "-" to a disabled trigger.
func (c Config) schedule() (obligations, collateral, interest string) {
	off := func(spec string) string {
		if spec == "-" {
			return ""
		}
		return spec
	}
	return off(c.ObligationSchedule), off(c.CollateralSchedule), off(c.InterestSchedule)
}
