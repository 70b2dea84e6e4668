// Package jobs is the durable background queue behind the lending engine's
// time-driven work: obligation aging, collateralization checks and interest
// accrual.
//
// Jobs are enqueued with a dedup key so that a trigger firing twice (two
// schedulers, a retried cron tick) produces one job. A worker claims a job
// under a lease, runs its handler, and removes the job only once the handler
// has returned, which for engine handlers means their store transaction has
// committed. Failed jobs are retried with exponential backoff until they run
// out of attempts.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/lending/id"
)

var (
	ErrJobNotFound     = errors.New("jobs: job not found")
	ErrNoHandler       = errors.New("jobs: no handler registered")
	ErrMissingKind     = errors.New("jobs: missing kind")
	ErrSchedulerLocked = errors.New("jobs: schedule lock held elsewhere")
)

// Status is a job's queue state. Completed jobs are deleted, not kept.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDead    Status = "dead"
)

type Job struct {
	ID          id.JobID        `json:"id"`
	Kind        string          `json:"kind"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       time.Time       `json:"run_at"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// New builds a pending job carrying payload encoded as JSON.
func New(kind, dedupKey string, payload any, runAt time.Time) (*Job, error) {
	if kind == "" {
		return nil, ErrMissingKind
	}
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("jobs: encode %s payload: %w", kind, err)
		}
		raw = b
	}
	return &Job{
		ID:          id.NewJobID(),
		Kind:        kind,
		DedupKey:    dedupKey,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: 10,
		RunAt:       runAt.UTC(),
		CreatedAt:   runAt.UTC(),
	}, nil
}

// Decode unmarshals the payload.
func (j *Job) Decode(into any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("jobs: %s %s has no payload", j.Kind, j.ID)
	}
	if err := json.Unmarshal(j.Payload, into); err != nil {
		return fmt.Errorf("jobs: decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Claimable reports whether a worker may take the job at now: it is pending
// and due, or running under an expired lease.
func (j *Job) Claimable(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return !j.RunAt.After(now)
	case StatusRunning:
		return j.LockedUntil != nil && !j.LockedUntil.After(now)
	default:
		return false
	}
}

// Store is the durable queue.
type Store interface {
	// EnqueueJob stores j unless a pending or running job with the same
	// non-empty dedup key exists. It reports whether j was stored.
	EnqueueJob(ctx context.Context, j *Job) (bool, error)

	// ClaimJobs leases up to limit claimable jobs until now+lease, marking
	// them running and counting the attempt.
	ClaimJobs(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error)

	// CompleteJob deletes a job.
	CompleteJob(ctx context.Context, jobID id.JobID) error

	// FailJob records a failure. A nil retryAt marks the job dead.
	FailJob(ctx context.Context, jobID id.JobID, reason string, retryAt *time.Time) error
}
