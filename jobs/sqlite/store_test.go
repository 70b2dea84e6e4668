package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
	"github.com/xraph/lending/types"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	drv := sqlitedriver.New()
	dsn := filepath.Join(t.TempDir(), "jobs.db")
	require.NoError(t, drv.Open(ctx, dsn, driver.WithPoolSize(1)))
	db, err := grove.Open(drv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func job(t *testing.T, kind, dedup string, runAt time.Time) *jobs.Job {
	t.Helper()
	j, err := jobs.New(kind, dedup, map[string]string{"facility": "cf_1"}, runAt)
	require.NoError(t, err)
	return j
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	added, err := s.EnqueueJob(ctx, job(t, "obligations.sync", "sync:cf_1", now))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = s.EnqueueJob(ctx, job(t, "obligations.sync", "sync:cf_1", now))
	require.NoError(t, err)
	assert.False(t, added)

	added, err = s.EnqueueJob(ctx, job(t, "obligations.sync", "", now))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.EnqueueJob(ctx, job(t, "obligations.sync", "", now))
	require.NoError(t, err)
	assert.True(t, added, "jobs without a dedup key never collide")
}

func TestClaimRespectsRunAtAndLease(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	due := job(t, "interest.accrue", "accrue:cf_1", now)
	later := job(t, "interest.accrue", "accrue:cf_2", now.Add(time.Hour))
	for _, j := range []*jobs.Job{due, later} {
		_, err := s.EnqueueJob(ctx, j)
		require.NoError(t, err)
	}

	claimed, err := s.ClaimJobs(ctx, now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID.String(), claimed[0].ID.String())
	assert.Equal(t, jobs.StatusRunning, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "interest.accrue", claimed[0].Kind)
	assert.JSONEq(t, `{"facility":"cf_1"}`, string(claimed[0].Payload))

	again, err := s.ClaimJobs(ctx, now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased job is not handed out twice")

	expired, err := s.ClaimJobs(ctx, now.Add(2*time.Minute), 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, due.ID.String(), expired[0].ID.String())
	assert.Equal(t, 2, expired[0].Attempts)
}

func TestCompleteRemovesJob(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	j := job(t, "obligations.sync", "sync:cf_1", now)
	_, err := s.EnqueueJob(ctx, j)
	require.NoError(t, err)

	require.NoError(t, s.CompleteJob(ctx, j.ID))
	assert.ErrorIs(t, s.CompleteJob(ctx, j.ID), jobs.ErrJobNotFound)
	assert.ErrorIs(t, s.CompleteJob(ctx, id.NewJobID()), jobs.ErrJobNotFound)

	added, err := s.EnqueueJob(ctx, job(t, "obligations.sync", "sync:cf_1", now))
	require.NoError(t, err)
	assert.True(t, added, "dedup key is free once the job completed")
}

func TestFailRetriesThenBuries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	j := job(t, "collateral.check", "cvl:cf_1", now)
	_, err := s.EnqueueJob(ctx, j)
	require.NoError(t, err)
	_, err = s.ClaimJobs(ctx, now, 1, time.Minute)
	require.NoError(t, err)

	retryAt := now.Add(10 * time.Minute)
	require.NoError(t, s.FailJob(ctx, j.ID, "price unavailable", &retryAt))

	none, err := s.ClaimJobs(ctx, now.Add(5*time.Minute), 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	retried, err := s.ClaimJobs(ctx, retryAt, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, "price unavailable", retried[0].LastError)
	assert.Equal(t, 2, retried[0].Attempts)

	require.NoError(t, s.FailJob(ctx, j.ID, "gave up", nil))
	dead, err := s.Dead(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, jobs.StatusDead, dead[0].Status)
	assert.Equal(t, "gave up", dead[0].LastError)

	later, err := s.ClaimJobs(ctx, retryAt.Add(time.Hour), 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, later, "dead jobs are never claimed")

	added, err := s.EnqueueJob(ctx, job(t, "collateral.check", "cvl:cf_1", now))
	require.NoError(t, err)
	assert.True(t, added, "a dead job does not hold its dedup key")

	assert.ErrorIs(t, s.FailJob(ctx, id.NewJobID(), "x", nil), jobs.ErrJobNotFound)
}

func TestPoolDrainsSqliteQueue(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	var ran []string
	pool := jobs.NewPool(s, jobs.WithClock(types.NewManualClock(now)))
	pool.Handle("obligations.sync", func(_ context.Context, j *jobs.Job) error {
		ran = append(ran, j.DedupKey)
		return nil
	})

	_, err := pool.Enqueue(ctx, job(t, "obligations.sync", "sync:cf_1", now))
	require.NoError(t, err)
	n, err := pool.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"sync:cf_1"}, ran)
}
