package postgres

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/types"
)

// The tests below need a database at LENDING_TEST_POSTGRES_DSN.
func liveStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LENDING_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LENDING_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func liveRecord(entityID, facilityID id.ID, seq int64) event.Record {
	return event.Record{
		EntityType: "payment",
		EntityID:   entityID,
		Sequence:   seq,
		FacilityID: facilityID,
		Type:       "received",
		Payload:    json.RawMessage(`{}`),
		RecordedAt: time.Now().UTC(),
	}
}

func TestLiveAppendEventsConflicts(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	payID := id.NewPaymentID()
	cf := id.NewFacilityID()

	require.NoError(t, s.AppendEvents(ctx, 0, []event.Record{liveRecord(payID, cf, 1)}))

	err := s.AppendEvents(ctx, 0, []event.Record{liveRecord(payID, cf, 1)})
	assert.ErrorIs(t, err, event.ErrConcurrentModification, "second create of one stream")

	require.NoError(t, s.AppendEvents(ctx, 1, []event.Record{liveRecord(payID, cf, 2)}))
	err = s.AppendEvents(ctx, 1, []event.Record{liveRecord(payID, cf, 2)})
	assert.ErrorIs(t, err, event.ErrConcurrentModification, "stale expected version")

	err = s.AppendEvents(ctx, 3, []event.Record{liveRecord(id.NewPaymentID(), cf, 4)})
	assert.ErrorIs(t, err, event.ErrNotFound)

	recs, err := s.LoadEvents(ctx, payID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestLiveAppendEventsRacingWriters(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	payID := id.NewPaymentID()
	cf := id.NewFacilityID()
	require.NoError(t, s.AppendEvents(ctx, 0, []event.Record{liveRecord(payID, cf, 1)}))

	const writers = 6
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func() {
			errs <- s.AppendEvents(ctx, 1, []event.Record{liveRecord(payID, cf, 2)})
		}()
	}
	won := 0
	for i := 0; i < writers; i++ {
		if err := <-errs; err == nil {
			won++
		} else {
			assert.ErrorIs(t, err, event.ErrConcurrentModification)
		}
	}
	assert.Equal(t, 1, won)
}

func liveAccount(t *testing.T, s *Store) *ledger.Account {
	t.Helper()
	a := &ledger.Account{
		Entity:     types.NewEntity(),
		ID:         id.NewAccountID(),
		Code:       "live:" + id.NewAccountID().String(),
		Name:       "live balance",
		NormalSide: ledger.Debit,
		Currency:   "USD",
	}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func TestLiveSaveBalancesChecksVersion(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	a := liveAccount(t, s)
	key := ledger.BalanceKey{AccountID: a.ID, Currency: "USD", Layer: ledger.LayerSettled}
	now := time.Now().UTC()

	require.NoError(t, s.SaveBalances(ctx, []ledger.Balance{{Key: key, DebitTotal: 100, Version: 1, UpdatedAt: now}}))
	err := s.SaveBalances(ctx, []ledger.Balance{{Key: key, DebitTotal: 200, Version: 1, UpdatedAt: now}})
	assert.ErrorIs(t, err, event.ErrConcurrentModification, "concurrent first insert")

	require.NoError(t, s.SaveBalances(ctx, []ledger.Balance{{Key: key, DebitTotal: 300, Version: 2, UpdatedAt: now}}))
	err = s.SaveBalances(ctx, []ledger.Balance{{Key: key, DebitTotal: 400, Version: 2, UpdatedAt: now}})
	assert.ErrorIs(t, err, event.ErrConcurrentModification, "stale version")

	b, err := s.GetBalance(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(300), b.DebitTotal)
	assert.Equal(t, int64(2), b.Version)
}

func TestLiveLockBalancesBlocksSecondWriter(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	a := liveAccount(t, s)
	key := ledger.BalanceKey{AccountID: a.ID, Currency: "USD", Layer: ledger.LayerSettled}
	require.NoError(t, s.SaveBalances(ctx, []ledger.Balance{{Key: key, DebitTotal: 100, Version: 1, UpdatedAt: time.Now().UTC()}}))

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTx(ctx, func(ctx context.Context) error {
			if _, err := s.LockBalances(ctx, []ledger.BalanceKey{key}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.RunInTx(ctx, func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
		defer cancel()
		_, err := s.LockBalances(waitCtx, []ledger.BalanceKey{key})
		return err
	})
	assert.Error(t, err, "row lock is held by the first transaction")

	close(release)
	require.NoError(t, <-done)

	err = s.RunInTx(ctx, func(ctx context.Context) error {
		got, err := s.LockBalances(ctx, []ledger.BalanceKey{key})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(100), got[key].DebitTotal)
		return nil
	})
	require.NoError(t, err)
}

func TestLiveClaimJobsSkipsLockedRows(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	runAt := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

	first, err := jobs.New("obligations.sync", "", nil, runAt)
	require.NoError(t, err)
	second, err := jobs.New("obligations.sync", "", nil, runAt.Add(time.Second))
	require.NoError(t, err)
	for _, j := range []*jobs.Job{first, second} {
		_, err := s.EnqueueJob(ctx, j)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		_ = s.CompleteJob(ctx, first.ID)
		_ = s.CompleteJob(ctx, second.ID)
	})

	held := make(chan []*jobs.Job)
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.RunInTx(ctx, func(ctx context.Context) error {
			claimed, err := s.ClaimJobs(ctx, runAt.Add(time.Second), 1, time.Minute)
			if err != nil {
				close(held)
				return err
			}
			held <- claimed
			<-release
			return nil
		})
	}()
	inTx := <-held
	require.Len(t, inTx, 1)

	outside, err := s.ClaimJobs(ctx, runAt.Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	ids := make([]string, len(outside))
	for i, j := range outside {
		ids[i] = j.ID.String()
	}
	assert.NotContains(t, ids, inTx[0].ID.String(), "row claimed in the open transaction is skipped")
	other := second
	if inTx[0].ID.String() == second.ID.String() {
		other = first
	}
	assert.Contains(t, ids, other.ID.String())

	close(release)
	require.NoError(t, <-done)
}

func TestLiveFacilityOutbox(t *testing.T) {
	s := liveStore(t)
	ctx := context.Background()
	cf := id.NewFacilityID()
	now := time.Now().UTC().Truncate(time.Microsecond)
	a := event.Envelope{ID: id.NewEventID(), Type: event.TypeFacilityActivated, FacilityID: cf, OccurredAt: now, Payload: json.RawMessage(`{}`)}
	b := event.Envelope{ID: id.NewEventID(), Type: event.TypeDisbursalSettled, FacilityID: id.NewFacilityID(), OccurredAt: now, Payload: json.RawMessage(`{}`)}
	c := event.Envelope{ID: id.NewEventID(), Type: event.TypeDisbursalSettled, FacilityID: cf, OccurredAt: now, Payload: json.RawMessage(`{}`)}
	require.NoError(t, s.AppendOutbox(ctx, []event.Envelope{a, b, c}))
	require.NoError(t, s.MarkPublished(ctx, a.ID, now))

	envs, err := s.FacilityOutbox(ctx, cf)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, a.ID.String(), envs[0].ID.String())
	assert.NotNil(t, envs[0].PublishedAt)
	assert.Equal(t, c.ID.String(), envs[1].ID.String())
	assert.Nil(t, envs[1].PublishedAt)
}
