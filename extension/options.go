package extension

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/lending"
	jobsqlite "github.com/xraph/lending/jobs/sqlite"
	"github.com/xraph/lending/outbox/mongo"
	"github.com/xraph/lending/plugin"
	"github.com/xraph/lending/store"
)

// Option configures the lending Forge extension.
type Option func(*Extension)

// WithStore sets the store for the lending engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a lending.Option through to the underlying engine.
func WithEngineOption(opt lending.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a lending plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, lending.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDatabaseURL opens a PostgreSQL store at url during Register.
func WithDatabaseURL(url string) Option {
	return func(e *Extension) { e.config.DatabaseURL = url }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithWorkers sets the number of job workers.
func WithWorkers(n int) Option {
	return func(e *Extension) { e.config.Workers = n }
}

// WithRelayInterval sets the outbox polling interval.
func WithRelayInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.RelayInterval = d }
}

// WithDisbursalApproval routes disbursals through governance.
func WithDisbursalApproval() Option {
	return func(e *Extension) { e.config.DisbursalApproval = true }
}

// WithGroveDB migrates the PostgreSQL store through the grove orchestrator
// on db.
func WithGroveDB(db *grove.DB) Option {
	return func(e *Extension) { e.groveDB = db }
}

// WithJobQueue keeps the job queue in SQLite on db, which must use the
// sqlite driver.
func WithJobQueue(db *grove.DB) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, lending.WithJobStore(jobsqlite.New(db)))
	}
}

// WithEventArchive copies every published event into MongoDB on db, which
// must use the mongo driver.
func WithEventArchive(db *grove.DB) Option {
	return func(e *Extension) { e.archive = mongo.New(db) }
}
