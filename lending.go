package lending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/governance"
	"github.com/xraph/lending/jobs"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/outbox"
	"github.com/xraph/lending/payment"
	"github.com/xraph/lending/plugin"
	"github.com/xraph/lending/price"
	"github.com/xraph/lending/store"
	"github.com/xraph/lending/types"
)

// Engine is the lending core. It owns the journal, the entity stores, the
// outbox relay, the job pool and the cron scheduler.
type Engine struct {
	store   store.Store
	journal *ledger.Journal
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   types.Clock

	prices     price.Source
	governance governance.Engine
	publishers []outbox.Publisher
	queue      jobs.Store

	proposals    facility.ProposalStore
	facilities   facility.Store
	disbursals   facility.DisbursalStore
	cycles       facility.AccrualCycleStore
	collaterals  collateral.Store
	liquidations collateral.LiquidationStore
	obligations  obligation.Store
	payments     payment.Store
	allocations  payment.AllocationStore

	// Background workers
	pool      *jobs.Pool
	scheduler *jobs.Scheduler
	relay     *outbox.Relay
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// Configuration
	defaultTerms      facility.Terms
	maxPriceAge       time.Duration
	disbursalApproval bool
	maxRetries        uint64
	workers           int
	relayInterval     time.Duration
	schedule          Schedule
	locker            jobs.Locker
	limits            []ledger.LimitEvaluator

	omnibusMu sync.Mutex
	omnibus   *omnibusAccounts
}

// Schedule holds the cron specs of the periodic triggers. An empty spec
// disables the trigger.
type Schedule struct {
	Obligations string
	Collateral  string
	Interest    string
}

// DefaultSchedule syncs obligations and accrues interest daily and
// re-evaluates collateral every minute.
func DefaultSchedule() Schedule {
	return Schedule{
		Obligations: "@daily",
		Collateral:  "@every 1m",
		Interest:    "@daily",
	}
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		plugins:       plugin.NewRegistry(),
		logger:        slog.Default(),
		clock:         types.SystemClock{},
		defaultTerms:  facility.DefaultTerms(),
		maxPriceAge:   5 * time.Minute,
		maxRetries:    5,
		workers:       4,
		relayInterval: time.Second,
		schedule:      DefaultSchedule(),
	}

	for _, opt := range opts {
		opt(e)
	}

	journalOpts := []ledger.JournalOption{
		ledger.WithClock(e.clock),
		ledger.WithJournalLogger(e.logger),
	}
	e.journal = ledger.NewJournal(s, journalOpts...)
	if len(e.limits) > 0 {
		e.journal = ledger.NewJournal(s, append(journalOpts,
			ledger.WithLimitEvaluator(chainLimits(append([]ledger.LimitEvaluator{e.journal}, e.limits...))))...)
	}

	e.proposals = facility.NewProposalStore(s)
	e.facilities = facility.NewStore(s)
	e.disbursals = facility.NewDisbursalStore(s)
	e.cycles = facility.NewAccrualCycleStore(s)
	e.collaterals = collateral.NewStore(s)
	e.liquidations = collateral.NewLiquidationStore(s)
	e.obligations = obligation.NewStore(s)
	e.payments = payment.NewStore(s)
	e.allocations = payment.NewAllocationStore(s)

	if e.prices == nil {
		if feeds := e.plugins.PriceFeeds(); len(feeds) > 0 {
			e.prices = feeds[0]
		} else {
			e.prices = price.NewStatic(price.Unavailable())
		}
	}
	if e.governance == nil {
		e.governance = governance.NewMemory()
	}
	if n, ok := e.governance.(governance.Notifier); ok {
		n.Subscribe(e.onGovernanceOutcome)
	}

	var pub outbox.Publisher = e.plugins
	if len(e.publishers) > 0 {
		pub = append(outbox.Multi{e.plugins}, e.publishers...)
	}
	e.relay = outbox.NewRelay(s, pub,
		outbox.WithLogger(e.logger),
		outbox.WithClock(e.clock),
		outbox.WithInterval(e.relayInterval),
	)
	if e.queue == nil {
		e.queue = s
	}
	e.pool = jobs.NewPool(e.queue,
		jobs.WithLogger(e.logger),
		jobs.WithClock(e.clock),
		jobs.WithWorkers(e.workers),
	)
	if e.locker == nil {
		e.locker = jobs.NewLocalLocker()
	}
	e.scheduler = jobs.NewScheduler(
		jobs.WithLocker(e.locker),
		jobs.WithSchedulerLogger(e.logger),
	)
	e.registerJobs()

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock sets the clock stamping every posting, event and job.
func WithClock(c types.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithPriceSource sets the BTC/USD source. Without one the first registered
// price feed plugin is used.
func WithPriceSource(src price.Source) Option {
	return func(e *Engine) { e.prices = src }
}

// WithMaxPriceAge sets how old a price may be before it is treated as
// unavailable. Zero disables the check.
func WithMaxPriceAge(d time.Duration) Option {
	return func(e *Engine) { e.maxPriceAge = d }
}

// WithGovernance sets the approval engine. Engines implementing
// governance.Notifier deliver outcomes to the engine automatically.
func WithGovernance(g governance.Engine) Option {
	return func(e *Engine) { e.governance = g }
}

// WithDisbursalApproval routes every disbursal through governance before it
// settles.
func WithDisbursalApproval(enabled bool) Option {
	return func(e *Engine) { e.disbursalApproval = enabled }
}

// WithDefaultTerms sets the terms used by proposals that carry none.
func WithDefaultTerms(t facility.Terms) Option {
	return func(e *Engine) { e.defaultTerms = t }
}

// WithPublisher adds a downstream publisher, such as Kafka, next to the
// plugin registry. May be given more than once.
func WithPublisher(p outbox.Publisher) Option {
	return func(e *Engine) { e.publishers = append(e.publishers, p) }
}

// WithJobStore moves the job queue out of the main store. Jobs are enqueued
// by triggers outside entity transactions, so the queue may live elsewhere.
func WithJobStore(q jobs.Store) Option {
	return func(e *Engine) { e.queue = q }
}

// WithMaxRetries bounds the retries of an operation that lost an
// optimistic-concurrency race.
func WithMaxRetries(n uint64) Option {
	return func(e *Engine) { e.maxRetries = n }
}

// WithWorkers sets the job pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithRelayInterval sets how often the outbox is polled.
func WithRelayInterval(d time.Duration) Option {
	return func(e *Engine) { e.relayInterval = d }
}

// WithSchedule replaces the periodic trigger specs.
func WithSchedule(s Schedule) Option {
	return func(e *Engine) { e.schedule = s }
}

// WithLocker sets the lock that keeps one instance firing each cron trigger.
func WithLocker(l jobs.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithLimitEvaluator adds a velocity check run after the journal's own.
func WithLimitEvaluator(le ledger.LimitEvaluator) Option {
	return func(e *Engine) { e.limits = append(e.limits, le) }
}

// Start migrates the store, bootstraps the omnibus accounts and begins the
// background workers.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return ErrAlreadyStarted
	}

	// Migrate database
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}
	if m, ok := e.queue.(interface{ Migrate(context.Context) error }); ok && e.queue != jobs.Store(e.store) {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	if err := e.ensureOmnibus(ctx); err != nil {
		return err
	}

	// Initialize plugins
	e.plugins.EmitInit(ctx, e)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		_ = e.relay.Run(runCtx) //nolint:errcheck // Run only returns on cancellation
	}()
	go func() {
		defer e.wg.Done()
		if err := e.pool.Run(runCtx); err != nil {
			e.logger.Error("job pool stopped", "error", err)
		}
	}()
	e.scheduler.Start(runCtx)
	e.running = true

	e.logger.Info("lending started",
		"workers", e.workers,
		"relay_interval", e.relayInterval,
		"plugins", e.plugins.Count(),
		"disbursal_approval", e.disbursalApproval,
	)

	return nil
}

// Stop shuts down the Engine.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.running {
		return ErrEngineNotStarted
	}
	e.running = false

	e.scheduler.Stop()
	e.cancel()
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	e.logger.Info("lending stopped")
	return e.store.Close()
}

// Journal exposes the posting layer for balance and entry queries.
func (e *Engine) Journal() *ledger.Journal { return e.journal }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// RelayOnce publishes one batch of pending outbox messages.
func (e *Engine) RelayOnce(ctx context.Context) (int, error) {
	return e.relay.RelayOnce(ctx)
}

// DrainJobs runs queued jobs until none is due.
func (e *Engine) DrainJobs(ctx context.Context) (int, error) {
	return e.pool.Drain(ctx)
}

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }
