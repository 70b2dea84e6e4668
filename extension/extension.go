// Package extension provides the Forge extension adapter for the lending
// engine.
//
// It implements the forge.Extension interface to integrate lending into a
// Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.lending" or "lending" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/lending"
	"github.com/xraph/lending/outbox/mongo"
	"github.com/xraph/lending/store"
	"github.com/xraph/lending/store/memory"
	"github.com/xraph/lending/store/postgres"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "lending"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Collateralized credit facility engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the lending engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *lending.Engine
	store      store.Store
	groveDB    *grove.DB
	archive    *mongo.Archive
	engineOpts []lending.Option
}

// New creates a new lending Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *lending.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if err := e.openStore(context.Background()); err != nil {
		return err
	}

	s := e.store
	if e.config.DisableMigrate {
		s = noMigrate{s}
	}
	e.engine = lending.New(s, e.buildEngineOpts()...)

	return vessel.Provide(fapp.Container(), func() (*lending.Engine, error) {
		return e.engine, nil
	})
}

// openStore picks the store: a programmatic one, PostgreSQL when a database
// URL is configured, memory otherwise.
func (e *Extension) openStore(ctx context.Context) error {
	if e.store != nil {
		return nil
	}
	if e.config.DatabaseURL == "" {
		e.store = memory.New()
		return nil
	}
	var opts []postgres.Option
	if e.groveDB != nil {
		opts = append(opts, postgres.WithGrove(e.groveDB))
	}
	pg, err := postgres.Open(ctx, e.config.DatabaseURL, e.config.MaxConns, opts...)
	if err != nil {
		return fmt.Errorf("lending: open store: %w", err)
	}
	e.store = pg
	return nil
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("lending: extension not initialized")
	}
	if e.archive != nil && !e.config.DisableMigrate {
		if err := e.archive.Migrate(ctx); err != nil {
			return fmt.Errorf("lending: migrate event archive: %w", err)
		}
	}
	if err := e.engine.Start(ctx); err != nil {
		return err
	}
	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil && !errors.Is(err, lending.ErrEngineNotStarted) {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("lending: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildEngineOpts constructs lending.Option values from the resolved config.
// Pass-through options come last and win.
func (e *Extension) buildEngineOpts() []lending.Option {
	obligations, collateral, interest := e.config.schedule()
	opts := []lending.Option{
		lending.WithWorkers(e.config.Workers),
		lending.WithRelayInterval(e.config.RelayInterval),
		lending.WithMaxPriceAge(e.config.MaxPriceAge),
		lending.WithDisbursalApproval(e.config.DisbursalApproval),
		lending.WithSchedule(lending.Schedule{
			Obligations: obligations,
			Collateral:  collateral,
			Interest:    interest,
		}),
	}
	if e.archive != nil {
		opts = append(opts, lending.WithPublisher(e.archive))
	}
	return append(opts, e.engineOpts...)
}

// noMigrate leaves schema management to the operator.
type noMigrate struct{ store.Store }

func (noMigrate) Migrate(context.Context) error { return nil }

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("lending: configuration is required but not found in config files; " +
				"ensure 'extensions.lending' or 'lending' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("lending: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("postgres", e.config.DatabaseURL != ""),
		forge.F("workers", e.config.Workers),
		forge.F("relay_interval", e.config.RelayInterval),
		forge.F("max_price_age", e.config.MaxPriceAge),
		forge.F("disbursal_approval", e.config.DisbursalApproval),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.lending", "lending"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("lending: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("lending: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.Workers == 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.RelayInterval == 0 {
		cfg.RelayInterval = defaults.RelayInterval
	}
	if cfg.MaxPriceAge == 0 {
		cfg.MaxPriceAge = defaults.MaxPriceAge
	}
	if cfg.ObligationSchedule == "" {
		cfg.ObligationSchedule = defaults.ObligationSchedule
	}
	if cfg.CollateralSchedule == "" {
		cfg.CollateralSchedule = defaults.CollateralSchedule
	}
	if cfg.InterestSchedule == "" {
		cfg.InterestSchedule = defaults.InterestSchedule
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps and true
// programmatic flags always apply.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisbursalApproval {
		yamlConfig.DisbursalApproval = true
	}

	if yamlConfig.DatabaseURL == "" {
		yamlConfig.DatabaseURL = programmaticConfig.DatabaseURL
	}
	if yamlConfig.MaxConns == 0 {
		yamlConfig.MaxConns = programmaticConfig.MaxConns
	}
	if yamlConfig.Workers == 0 {
		yamlConfig.Workers = programmaticConfig.Workers
	}
	if yamlConfig.RelayInterval == 0 {
		yamlConfig.RelayInterval = programmaticConfig.RelayInterval
	}
	if yamlConfig.MaxPriceAge == 0 {
		yamlConfig.MaxPriceAge = programmaticConfig.MaxPriceAge
	}
	if yamlConfig.ObligationSchedule == "" {
		yamlConfig.ObligationSchedule = programmaticConfig.ObligationSchedule
	}
	if yamlConfig.CollateralSchedule == "" {
		yamlConfig.CollateralSchedule = programmaticConfig.CollateralSchedule
	}
	if yamlConfig.InterestSchedule == "" {
		yamlConfig.InterestSchedule = programmaticConfig.InterestSchedule
	}

	return mergeWithDefaults(yamlConfig)
}
