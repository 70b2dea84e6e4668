// Package memory is an in-process implementation of store.Store for tests
// and single-node development.
//
// Transactions are serialized: RunInTx holds a writer lock for the duration
// of fn and restores a snapshot of the state if fn fails. Reads outside a
// transaction do not wait for it and may observe its uncommitted writes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/outbox"
	"github.com/xraph/lending/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type txKey struct{}

type state struct {
	// Entity event streams
	streams     map[string][]event.Record
	streamOrder []string
	lookups     map[string]string

	// Ledger
	accounts     map[string]*ledger.Account
	accountCodes map[string]string
	limits       []*ledger.VelocityLimit
	transactions map[string]*ledger.Transaction
	txKeys       map[string]string
	entries      map[string][]ledger.Entry
	balances     map[ledger.BalanceKey]ledger.Balance

	// Outbox
	messages     map[string]outbox.Message
	messageOrder []string

	// Jobs
	jobs map[string]*jobs.Job
}

func newState() *state {
	return &state{
		streams:      make(map[string][]event.Record),
		lookups:      make(map[string]string),
		accounts:     make(map[string]*ledger.Account),
		accountCodes: make(map[string]string),
		transactions: make(map[string]*ledger.Transaction),
		txKeys:       make(map[string]string),
		entries:      make(map[string][]ledger.Entry),
		balances:     make(map[ledger.BalanceKey]ledger.Balance),
		messages:     make(map[string]outbox.Message),
		jobs:         make(map[string]*jobs.Job),
	}
}

// clone copies the containers. Stored values are never mutated in place, so
// sharing them between snapshots is safe.
func (st *state) clone() *state {
	c := newState()
	for k, v := range st.streams {
		c.streams[k] = append([]event.Record(nil), v...)
	}
	c.streamOrder = append([]string(nil), st.streamOrder...)
	for k, v := range st.lookups {
		c.lookups[k] = v
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.accountCodes {
		c.accountCodes[k] = v
	}
	c.limits = append([]*ledger.VelocityLimit(nil), st.limits...)
	for k, v := range st.transactions {
		c.transactions[k] = v
	}
	for k, v := range st.txKeys {
		c.txKeys[k] = v
	}
	for k, v := range st.entries {
		c.entries[k] = append([]ledger.Entry(nil), v...)
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	for k, v := range st.messages {
		c.messages[k] = v
	}
	c.messageOrder = append([]string(nil), st.messageOrder...)
	for k, v := range st.jobs {
		c.jobs[k] = v
	}
	return c
}

// Store is the in-memory backend.
type Store struct {
	writer sync.Mutex
	mu     sync.RWMutex
	st     *state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(txKey{}).(bool)
	return v
}

// RunInTx runs fn with the writer lock held, joining a transaction already
// carried by ctx.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}

	s.writer.Lock()
	defer s.writer.Unlock()

	s.mu.RLock()
	snapshot := s.st.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// write applies fn under the data lock. Outside a transaction it also takes
// the writer lock so the write cannot interleave with an open transaction.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if !inTx(ctx) {
		s.writer.Lock()
		defer s.writer.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

func (s *Store) read(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.st)
}

func (s *Store) Migrate(_ context.Context) error { return nil }
func (s *Store) Ping(_ context.Context) error    { return nil }
func (s *Store) Close() error                    { return nil }

// ──────────────────────────────────────────────────
// Event streams
// ──────────────────────────────────────────────────

func lookupIndex(entityType, key string) string { return entityType + "\x00" + key }

func (s *Store) AppendEvents(ctx context.Context, expectedVersion int64, records []event.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.write(ctx, func(st *state) error {
		entityID := records[0].EntityID.String()
		stream := st.streams[entityID]
		if int64(len(stream)) != expectedVersion {
			return fmt.Errorf("%s %s at version %d, expected %d: %w",
				records[0].EntityType, entityID, len(stream), expectedVersion, event.ErrConcurrentModification)
		}
		for _, r := range records {
			if r.LookupKey == "" {
				continue
			}
			if owner, ok := st.lookups[lookupIndex(r.EntityType, r.LookupKey)]; ok && owner != entityID {
				return fmt.Errorf("%s %q: %w", r.EntityType, r.LookupKey, event.ErrDuplicateLookup)
			}
		}

		if len(stream) == 0 {
			st.streamOrder = append(st.streamOrder, entityID)
		}
		next := append(append([]event.Record(nil), stream...), records...)
		st.streams[entityID] = next
		for _, r := range records {
			if r.LookupKey != "" {
				st.lookups[lookupIndex(r.EntityType, r.LookupKey)] = entityID
			}
		}
		return nil
	})
}

func (s *Store) LoadEvents(_ context.Context, entityID id.ID) ([]event.Record, error) {
	var out []event.Record
	s.read(func(st *state) {
		out = append(out, st.streams[entityID.String()]...)
	})
	if len(out) == 0 {
		return nil, event.ErrNotFound
	}
	return out, nil
}

func (s *Store) FindEntity(_ context.Context, entityType, lookupKey string) (id.ID, error) {
	var (
		owner string
		ok    bool
	)
	s.read(func(st *state) {
		owner, ok = st.lookups[lookupIndex(entityType, lookupKey)]
	})
	if !ok {
		return id.Nil, event.ErrNotFound
	}
	return id.Parse(owner)
}

func (s *Store) ListEntities(_ context.Context, entityType string, facilityID id.ID) ([]id.ID, error) {
	var out []id.ID
	s.read(func(st *state) {
		for _, key := range st.streamOrder {
			first := st.streams[key][0]
			if first.EntityType != entityType {
				continue
			}
			if !facilityID.IsNil() && first.FacilityID != facilityID {
				continue
			}
			out = append(out, first.EntityID)
		}
	})
	return out, nil
}

// ──────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────

func (s *Store) CreateAccount(ctx context.Context, a *ledger.Account) error {
	return s.write(ctx, func(st *state) error {
		if _, exists := st.accountCodes[a.Code]; exists {
			return fmt.Errorf("%w: %s", ledger.ErrDuplicateAccount, a.Code)
		}
		cp := *a
		st.accounts[a.ID.String()] = &cp
		st.accountCodes[a.Code] = a.ID.String()
		return nil
	})
}

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*ledger.Account, error) {
	var a *ledger.Account
	s.read(func(st *state) { a = st.accounts[accountID.String()] })
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountID)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) GetAccountByCode(_ context.Context, code string) (*ledger.Account, error) {
	var a *ledger.Account
	s.read(func(st *state) {
		if key, ok := st.accountCodes[code]; ok {
			a = st.accounts[key]
		}
	})
	if a == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, code)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) CreateVelocityLimit(ctx context.Context, l *ledger.VelocityLimit) error {
	return s.write(ctx, func(st *state) error {
		cp := *l
		st.limits = append(st.limits, &cp)
		return nil
	})
}

func (s *Store) ListVelocityLimits(_ context.Context, accountIDs []id.AccountID) ([]*ledger.VelocityLimit, error) {
	want := make(map[string]bool, len(accountIDs))
	for _, a := range accountIDs {
		want[a.String()] = true
	}
	var out []*ledger.VelocityLimit
	s.read(func(st *state) {
		for _, l := range st.limits {
			if want[l.AccountID.String()] {
				cp := *l
				out = append(out, &cp)
			}
		}
	})
	return out, nil
}

func (s *Store) GetTransaction(_ context.Context, txID id.TransactionID) (*ledger.Transaction, error) {
	var tx *ledger.Transaction
	s.read(func(st *state) { tx = st.transactions[txID.String()] })
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, txID)
	}
	return copyTransaction(tx), nil
}

func (s *Store) GetTransactionByKey(_ context.Context, key string) (*ledger.Transaction, error) {
	var tx *ledger.Transaction
	s.read(func(st *state) {
		if txID, ok := st.txKeys[key]; ok {
			tx = st.transactions[txID]
		}
	})
	if tx == nil {
		return nil, fmt.Errorf("%w: key %q", ledger.ErrTransactionNotFound, key)
	}
	return copyTransaction(tx), nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx *ledger.Transaction) error {
	return s.write(ctx, func(st *state) error {
		if tx.IdempotencyKey != "" {
			if _, exists := st.txKeys[tx.IdempotencyKey]; exists {
				return fmt.Errorf("%w: %q", ledger.ErrDuplicateTransaction, tx.IdempotencyKey)
			}
			st.txKeys[tx.IdempotencyKey] = tx.ID.String()
		}
		st.transactions[tx.ID.String()] = copyTransaction(tx)
		for _, e := range tx.Entries {
			key := e.AccountID.String()
			st.entries[key] = append(st.entries[key], e)
		}
		return nil
	})
}

func copyTransaction(tx *ledger.Transaction) *ledger.Transaction {
	cp := *tx
	cp.Entries = append([]ledger.Entry(nil), tx.Entries...)
	return &cp
}

func (s *Store) ListEntries(_ context.Context, accountID id.AccountID, q ledger.EntryQuery) ([]ledger.Entry, error) {
	result := make([]ledger.Entry, 0)
	s.read(func(st *state) {
		for _, e := range st.entries[accountID.String()] {
			if q.Layer == "" || e.Layer == q.Layer {
				result = append(result, e)
			}
		}
	})

	// Apply limit/offset
	start := q.Offset
	if start > len(result) {
		start = len(result)
	}
	end := start + q.Limit
	if q.Limit == 0 || end > len(result) {
		end = len(result)
	}
	return result[start:end], nil
}

// LockBalances reads the balances. The writer lock held by the enclosing
// transaction already excludes other writers.
func (s *Store) LockBalances(_ context.Context, keys []ledger.BalanceKey) (map[ledger.BalanceKey]ledger.Balance, error) {
	out := make(map[ledger.BalanceKey]ledger.Balance, len(keys))
	s.read(func(st *state) {
		for _, k := range keys {
			b, ok := st.balances[k]
			if !ok {
				b = ledger.Balance{Key: k}
			}
			out[k] = b
		}
	})
	return out, nil
}

func (s *Store) SaveBalances(ctx context.Context, balances []ledger.Balance) error {
	return s.write(ctx, func(st *state) error {
		for _, b := range balances {
			if cur, ok := st.balances[b.Key]; ok && cur.Version != b.Version-1 {
				return fmt.Errorf("balance %s/%s/%s at version %d, saving %d: %w",
					b.Key.AccountID, b.Key.Currency, b.Key.Layer, cur.Version, b.Version, event.ErrConcurrentModification)
			}
		}
		for _, b := range balances {
			st.balances[b.Key] = b
		}
		return nil
	})
}

func (s *Store) GetBalance(_ context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	var (
		b  ledger.Balance
		ok bool
	)
	s.read(func(st *state) { b, ok = st.balances[key] })
	if !ok {
		return ledger.Balance{Key: key}, nil
	}
	return b, nil
}

// ──────────────────────────────────────────────────
// Outbox
// ──────────────────────────────────────────────────

func (s *Store) AppendOutbox(ctx context.Context, envs []event.Envelope) error {
	return s.write(ctx, func(st *state) error {
		for _, env := range envs {
			key := env.ID.String()
			if _, exists := st.messages[key]; exists {
				continue
			}
			st.messages[key] = outbox.Message{Envelope: env, NextAttemptAt: env.OccurredAt}
			st.messageOrder = append(st.messageOrder, key)
		}
		return nil
	})
}

func (s *Store) PendingOutbox(_ context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	var out []outbox.Message
	s.read(func(st *state) {
		for _, key := range st.messageOrder {
			m := st.messages[key]
			if m.PublishedAt != nil || m.NextAttemptAt.After(now) {
				continue
			}
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, eventID id.EventID, at time.Time) error {
	return s.write(ctx, func(st *state) error {
		m, ok := st.messages[eventID.String()]
		if !ok {
			return outbox.ErrMessageNotFound
		}
		published := at
		m.PublishedAt = &published
		st.messages[eventID.String()] = m
		return nil
	})
}

func (s *Store) MarkFailed(ctx context.Context, eventID id.EventID, reason string, retryAt time.Time) error {
	return s.write(ctx, func(st *state) error {
		m, ok := st.messages[eventID.String()]
		if !ok {
			return outbox.ErrMessageNotFound
		}
		m.Attempts++
		m.LastError = reason
		m.NextAttemptAt = retryAt
		st.messages[eventID.String()] = m
		return nil
	})
}

// Published returns every published envelope in append order.
func (s *Store) Published() []event.Envelope {
	var out []event.Envelope
	s.read(func(st *state) {
		for _, key := range st.messageOrder {
			if m := st.messages[key]; m.PublishedAt != nil {
				out = append(out, m.Envelope)
			}
		}
	})
	return out
}

func (s *Store) FacilityOutbox(_ context.Context, facilityID id.FacilityID) ([]event.Envelope, error) {
	var out []event.Envelope
	s.read(func(st *state) {
		for _, key := range st.messageOrder {
			if env := st.messages[key].Envelope; env.FacilityID == facilityID {
				out = append(out, env)
			}
		}
	})
	return out, nil
}

// Outbox returns every stored envelope in append order.
func (s *Store) Outbox() []event.Envelope {
	var out []event.Envelope
	s.read(func(st *state) {
		for _, key := range st.messageOrder {
			out = append(out, st.messages[key].Envelope)
		}
	})
	return out
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (s *Store) EnqueueJob(ctx context.Context, j *jobs.Job) (bool, error) {
	stored := false
	err := s.write(ctx, func(st *state) error {
		if j.DedupKey != "" {
			for _, other := range st.jobs {
				if other.DedupKey == j.DedupKey && other.Status != jobs.StatusDead {
					return nil
				}
			}
		}
		cp := *j
		st.jobs[j.ID.String()] = &cp
		stored = true
		return nil
	})
	return stored, err
}

func (s *Store) ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*jobs.Job, error) {
	var out []*jobs.Job
	err := s.write(ctx, func(st *state) error {
		var due []*jobs.Job
		for _, j := range st.jobs {
			if j.Claimable(now) {
				due = append(due, j)
			}
		}
		sort.Slice(due, func(a, b int) bool {
			if !due[a].RunAt.Equal(due[b].RunAt) {
				return due[a].RunAt.Before(due[b].RunAt)
			}
			return due[a].ID.String() < due[b].ID.String()
		})
		if limit > 0 && len(due) > limit {
			due = due[:limit]
		}
		until := now.Add(lease)
		for _, j := range due {
			cp := *j
			cp.Status = jobs.StatusRunning
			cp.LockedUntil = &until
			cp.Attempts++
			st.jobs[j.ID.String()] = &cp
			ret := cp
			out = append(out, &ret)
		}
		return nil
	})
	return out, err
}

func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID) error {
	return s.write(ctx, func(st *state) error {
		if _, ok := st.jobs[jobID.String()]; !ok {
			return jobs.ErrJobNotFound
		}
		delete(st.jobs, jobID.String())
		return nil
	})
}

func (s *Store) FailJob(ctx context.Context, jobID id.JobID, reason string, retryAt *time.Time) error {
	return s.write(ctx, func(st *state) error {
		j, ok := st.jobs[jobID.String()]
		if !ok {
			return jobs.ErrJobNotFound
		}
		cp := *j
		cp.LastError = reason
		cp.LockedUntil = nil
		if retryAt == nil {
			cp.Status = jobs.StatusDead
		} else {
			cp.Status = jobs.StatusPending
			cp.RunAt = *retryAt
		}
		st.jobs[jobID.String()] = &cp
		return nil
	})
}

// Jobs returns a copy of every queued job.
func (s *Store) Jobs() []*jobs.Job {
	var out []*jobs.Job
	s.read(func(st *state) {
		for _, j := range st.jobs {
			cp := *j
			out = append(out, &cp)
		}
	})
	sort.Slice(out, func(a, b int) bool { return out[a].ID.String() < out[b].ID.String() })
	return out
}
