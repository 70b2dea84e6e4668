package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Handler runs one job. Wrap an error with Permanent to stop retrying.
type Handler func(ctx context.Context, j *Job) error

// Permanent marks err as not worth retrying.
func Permanent(err error) error { return backoff.Permanent(err) }

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Pool claims jobs from a Store and runs their handlers on a fixed number of
// workers.
type Pool struct {
	store    Store
	logger   *slog.Logger
	clock    types.Clock
	mu       sync.RWMutex
	handlers map[string]Handler

	workers      int
	batchSize    int
	pollInterval time.Duration
	lease        time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithLogger(l *slog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

func WithClock(c types.Clock) PoolOption { return func(p *Pool) { p.clock = c } }

// WithWorkers sets the number of concurrent handlers (default 4).
func WithWorkers(n int) PoolOption { return func(p *Pool) { p.workers = n } }

// WithPollInterval sets how often an idle pool checks for due jobs.
func WithPollInterval(d time.Duration) PoolOption { return func(p *Pool) { p.pollInterval = d } }

// WithLease sets how long a claimed job is hidden from other workers.
func WithLease(d time.Duration) PoolOption { return func(p *Pool) { p.lease = d } }

// WithRetry sets the bounds of the exponential retry delay.
func WithRetry(initial, maxDelay time.Duration) PoolOption {
	return func(p *Pool) {
		p.retryInitial = initial
		p.retryMax = maxDelay
	}
}

// NewPool creates a pool.
func NewPool(s Store, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        s,
		logger:       slog.Default(),
		clock:        types.SystemClock{},
		handlers:     make(map[string]Handler),
		workers:      4,
		pollInterval: time.Second,
		lease:        5 * time.Minute,
		retryInitial: 5 * time.Second,
		retryMax:     time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	p.batchSize = p.workers * 2
	return p
}

// Handle registers the handler for kind, replacing any previous one.
func (p *Pool) Handle(kind string, h Handler) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

// Enqueue stores a job. See Store.EnqueueJob.
func (p *Pool) Enqueue(ctx context.Context, j *Job) (bool, error) {
	return p.store.EnqueueJob(ctx, j)
}

// Complete removes a job without running it.
func (p *Pool) Complete(ctx context.Context, jobID id.JobID) error {
	return p.store.CompleteJob(ctx, jobID)
}

// Run feeds claimed jobs to the workers until ctx is done.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan *Job)

	g.Go(func() error {
		defer close(queue)
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			claimed, err := p.store.ClaimJobs(ctx, p.clock.Now().UTC(), p.batchSize, p.lease)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("jobs: claim failed", "error", err)
			}
			for _, j := range claimed {
				select {
				case queue <- j:
				case <-ctx.Done():
					return nil
				}
			}
			if len(claimed) == p.batchSize {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for j := range queue {
				p.execute(ctx, j)
			}
			return nil
		})
	}

	p.logger.Info("jobs: pool started", "workers", p.workers, "poll_interval", p.pollInterval)
	err := g.Wait()
	p.logger.Info("jobs: pool stopped")
	return err
}

// RunOnce claims one batch and runs it on the calling goroutine. It returns
// the number of jobs executed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	claimed, err := p.store.ClaimJobs(ctx, p.clock.Now().UTC(), p.batchSize, p.lease)
	if err != nil {
		return 0, err
	}
	for _, j := range claimed {
		p.execute(ctx, j)
	}
	return len(claimed), nil
}

// Drain runs batches until no job is due.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := p.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (p *Pool) execute(ctx context.Context, j *Job) {
	p.mu.RLock()
	h, ok := p.handlers[j.Kind]
	p.mu.RUnlock()

	start := p.clock.Now()
	var err error
	if !ok {
		err = Permanent(fmt.Errorf("%w: %s", ErrNoHandler, j.Kind))
	} else {
		err = p.safeCall(ctx, h, j)
	}

	// Bookkeeping outlives a cancelled run so a finished job is not retried.
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := p.store.CompleteJob(bg, j.ID); cerr != nil {
			p.logger.Error("jobs: complete failed", "job_id", j.ID.String(), "kind", j.Kind, "error", cerr)
		}
		p.logger.Debug("jobs: completed", "job_id", j.ID.String(), "kind", j.Kind, "elapsed", p.clock.Now().Sub(start))
		return
	}

	var retryAt *time.Time
	if !isPermanent(err) && j.Attempts < j.MaxAttempts {
		at := p.clock.Now().UTC().Add(RetryDelay(j.Attempts, p.retryInitial, p.retryMax))
		retryAt = &at
	}
	p.logger.Warn("jobs: failed",
		"job_id", j.ID.String(),
		"kind", j.Kind,
		"attempts", j.Attempts,
		"retry", retryAt != nil,
		"error", err,
	)
	if ferr := p.store.FailJob(bg, j.ID, err.Error(), retryAt); ferr != nil {
		p.logger.Error("jobs: fail bookkeeping failed", "job_id", j.ID.String(), "error", ferr)
	}
}

func (p *Pool) safeCall(ctx context.Context, h Handler, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("jobs: %s handler panicked: %v", j.Kind, r))
		}
	}()
	return h(ctx, j)
}

// RetryDelay is the exponential delay after the given number of attempts.
func RetryDelay(attempts int, initial, maxDelay time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.Reset()

	d := initial
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
