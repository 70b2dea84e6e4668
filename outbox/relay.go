package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xraph/lending/types"
)

// Relay moves pending messages from a Store to a Publisher.
type Relay struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	clock     types.Clock

	interval     time.Duration
	batchSize    int
	retryInitial time.Duration
	retryMax     time.Duration
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) { r.logger = l }
}

// WithClock sets the clock used to select due messages.
func WithClock(c types.Clock) RelayOption {
	return func(r *Relay) { r.clock = c }
}

// WithInterval sets the polling interval (default 1s).
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) { r.interval = d }
}

// WithBatchSize sets how many messages are read per poll (default 100).
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) { r.batchSize = n }
}

// WithRetry sets the bounds of the exponential redelivery delay.
func WithRetry(initial, maxDelay time.Duration) RelayOption {
	return func(r *Relay) {
		r.retryInitial = initial
		r.retryMax = maxDelay
	}
}

// NewRelay creates a relay.
func NewRelay(s Store, p Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		store:        s,
		publisher:    p,
		logger:       slog.Default(),
		clock:        types.SystemClock{},
		interval:     time.Second,
		batchSize:    100,
		retryInitial: time.Second,
		retryMax:     5 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many messages were
// delivered. A publisher failure reschedules that message and moves on.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	pending, err := r.store.PendingOutbox(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return published, err
		}

		if pubErr := r.publisher.Publish(ctx, m.Envelope); pubErr != nil {
			retryAt := now.Add(r.retryDelay(m.Attempts + 1))
			r.logger.Warn("outbox publish failed",
				"event_id", m.ID.String(),
				"type", string(m.Type),
				"attempts", m.Attempts+1,
				"retry_at", retryAt,
				"error", pubErr,
			)
			if err := r.store.MarkFailed(ctx, m.ID, pubErr.Error(), retryAt); err != nil {
				return published, err
			}
			continue
		}

		if err := r.store.MarkPublished(ctx, m.ID, r.clock.Now().UTC()); err != nil {
			return published, err
		}
		published++
	}

	if published > 0 {
		r.logger.Debug("outbox batch relayed", "published", published, "pending", len(pending))
	}
	return published, nil
}

// retryDelay is the exponential delay before attempt number attempt.
func (r *Relay) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	b.MaxInterval = r.retryMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
