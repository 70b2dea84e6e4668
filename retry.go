package lending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/types"
)

// scope is one attempt of a logical operation. Everything it writes commits
// in a single store transaction together with the buffered events.
type scope struct {
	ctx  context.Context
	e    *Engine
	now  time.Time
	envs []event.Envelope
}

// publish buffers a domain event for the outbox.
func (sc *scope) publish(facilityID id.FacilityID, ev event.Event) error {
	env, err := event.Wrap(ev, facilityID, sc.now)
	if err != nil {
		return err
	}
	sc.envs = append(sc.envs, env)
	return nil
}

// post runs a ledger template inside the attempt's transaction.
func (sc *scope) post(code string, accounts map[string]id.AccountID, amounts map[string]types.Money, key string, meta map[string]string) (*ledger.Transaction, error) {
	return sc.postAt(code, accounts, amounts, key, meta, sc.now)
}

// postAt is post with an explicit effective date.
func (sc *scope) postAt(code string, accounts map[string]id.AccountID, amounts map[string]types.Money, key string, meta map[string]string, effective time.Time) (*ledger.Transaction, error) {
	return sc.e.journal.Post(sc.ctx, code, ledger.Params{
		Accounts:      accounts,
		Amounts:       amounts,
		EffectiveDate: effective,
		Metadata:      meta,
	}, key)
}

// run executes fn in a store transaction, retrying the whole operation when
// it loses an optimistic-concurrency race. Any other failure is returned on
// the first attempt.
func (e *Engine) run(ctx context.Context, op, entity string, entityID id.ID, fn func(sc *scope) error) error {
	ref := ""
	if !entityID.IsNil() {
		ref = entityID.String()
	}
	if err := e.ensureOmnibus(ctx); err != nil {
		return e.fail(op, entity, ref, err)
	}

	attempts := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		attempts++
		err := e.store.RunInTx(ctx, func(ctx context.Context) error {
			sc := &scope{ctx: ctx, e: e, now: e.now()}
			if err := fn(sc); err != nil {
				return err
			}
			if len(sc.envs) == 0 {
				return nil
			}
			return e.store.AppendOutbox(ctx, sc.envs)
		})
		if err == nil || errors.Is(err, event.ErrConcurrentModification) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, e.maxRetries), ctx))

	if err == nil {
		return nil
	}
	if errors.Is(err, event.ErrConcurrentModification) {
		e.logger.Warn("lending: retries exhausted", "op", op, entity+"_id", ref, "attempts", attempts)
		err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return e.fail(op, entity, ref, err)
}

// fail wraps err as an *Error. Ledger and invariant failures are logged.
func (e *Engine) fail(op, entity, entityID string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		if le.EntityID == "" && entityID != "" {
			le.Entity, le.EntityID = entity, entityID
		}
		return le
	}
	le = &Error{Op: op, Kind: classify(err), Entity: entity, EntityID: entityID, Err: err}
	switch le.Kind {
	case KindLedger, KindInvariant, KindInternal:
		e.logger.Error("lending: operation failed",
			"op", op,
			"kind", string(le.Kind),
			"entity", entity,
			"entity_id", entityID,
			"error", err,
		)
	}
	return le
}

// limitChain runs every evaluator, stopping at the first violation.
type limitChain []ledger.LimitEvaluator

func chainLimits(evaluators []ledger.LimitEvaluator) ledger.LimitEvaluator {
	return limitChain(evaluators)
}

func (c limitChain) EvaluateLimits(ctx context.Context, projected []ledger.Projection) error {
	for _, le := range c {
		if err := le.EvaluateLimits(ctx, projected); err != nil {
			return err
		}
	}
	return nil
}
