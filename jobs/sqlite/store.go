// Package sqlite is a durable jobs.Store on SQLite via Grove, for
// single-node deployments that keep the queue next to the process.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/migrate"

	// Registers the "sqlite" migration executor used by Migrate.
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
)

// compile-time interface check
var _ jobs.Store = (*Store)(nil)

// Store implements jobs.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite job store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the queue table using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("lending/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("lending/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnqueueJob(ctx context.Context, j *jobs.Job) (bool, error) {
	m := toJobModel(j)
	res, err := s.sdb.NewInsert(m).
		OnConflict("(dedup_key) WHERE dedup_key != '' AND status != 'dead' DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("lending/sqlite: enqueue %s: %w", j.Kind, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ClaimJobs selects candidates and claims each with a conditional update,
// so two processes sharing the file never run the same attempt.
func (s *Store) ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*jobs.Job, error) {
	var candidates []jobModel
	err := s.sdb.NewSelect(&candidates).
		Where("(status = ? AND run_at <= ?) OR (status = ? AND locked_until <= ?)",
			string(jobs.StatusPending), now, string(jobs.StatusRunning), now).
		OrderExpr("run_at ASC, id ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("lending/sqlite: select due jobs: %w", err)
	}

	until := now.Add(lease)
	claimed := make([]*jobs.Job, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		res, err := s.sdb.NewUpdate((*jobModel)(nil)).
			Set("status = ?", string(jobs.StatusRunning)).
			Set("locked_until = ?", until).
			Set("attempts = ?", c.Attempts+1).
			Where("id = ?", c.ID).
			Where("attempts = ?", c.Attempts).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("lending/sqlite: claim %s: %w", c.ID, err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			continue
		}
		c.Status = string(jobs.StatusRunning)
		c.LockedUntil = &until
		c.Attempts++
		j, err := fromJobModel(c)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.sdb.NewDelete((*jobModel)(nil)).
		Where("id = ?", jobID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID id.JobID, reason string, retryAt *time.Time) error {
	q := s.sdb.NewUpdate((*jobModel)(nil)).
		Set("last_error = ?", reason).
		Set("locked_until = NULL")
	if retryAt == nil {
		q = q.Set("status = ?", string(jobs.StatusDead))
	} else {
		q = q.Set("status = ?", string(jobs.StatusPending)).
			Set("run_at = ?", retryAt.UTC())
	}
	res, err := q.Where("id = ?", jobID.String()).Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// Dead lists jobs that ran out of attempts.
func (s *Store) Dead(ctx context.Context, limit int) ([]*jobs.Job, error) {
	var models []jobModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(jobs.StatusDead)).
		OrderExpr("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]*jobs.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
