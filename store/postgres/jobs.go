package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
)

const jobColumns = `id, kind, dedup_key, payload, status, attempts, max_attempts, run_at, locked_until, last_error, created_at`

// EnqueueJob inserts j. A live job holding the same dedup key wins and j is
// dropped.
func (s *Store) EnqueueJob(ctx context.Context, j *jobs.Job) (bool, error) {
	var payload []byte
	if len(j.Payload) > 0 {
		payload = j.Payload
	}
	tag, err := s.q(ctx).Exec(ctx, `
INSERT INTO lending_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (dedup_key) WHERE dedup_key <> '' AND status <> 'dead' DO NOTHING`,
		j.ID.String(), j.Kind, j.DedupKey, payload, string(j.Status), j.Attempts, j.MaxAttempts,
		j.RunAt, j.LockedUntil, j.LastError, j.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("lending/postgres: enqueue %s: %w", j.Kind, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimJobs leases due jobs. SKIP LOCKED lets concurrent workers claim
// disjoint batches.
func (s *Store) ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*jobs.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.q(ctx).Query(ctx, `
UPDATE lending_jobs
SET status = 'running', locked_until = $2, attempts = attempts + 1
WHERE id IN (
    SELECT id FROM lending_jobs
    WHERE (status = 'pending' AND run_at <= $1)
       OR (status = 'running' AND locked_until <= $1)
    ORDER BY run_at, id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("lending/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM lending_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, jobID id.JobID, reason string, retryAt *time.Time) error {
	query := `
UPDATE lending_jobs
SET status = 'dead', last_error = $2, locked_until = NULL
WHERE id = $1`
	args := []any{jobID.String(), reason}
	if retryAt != nil {
		query = `
UPDATE lending_jobs
SET status = 'pending', last_error = $2, locked_until = NULL, run_at = $3
WHERE id = $1`
		args = append(args, *retryAt)
	}
	tag, err := s.q(ctx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	return nil
}

func scanJob(rows pgx.Rows) (*jobs.Job, error) {
	var (
		j       jobs.Job
		rawID   string
		status  string
		payload []byte
	)
	if err := rows.Scan(&rawID, &j.Kind, &j.DedupKey, &payload, &status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &j.LockedUntil, &j.LastError, &j.CreatedAt); err != nil {
		return nil, err
	}
	jobID, err := id.Parse(rawID)
	if err != nil {
		return nil, err
	}
	j.ID = jobID
	j.Status = jobs.Status(status)
	if len(payload) > 0 {
		j.Payload = payload
	}
	return &j, nil
}
