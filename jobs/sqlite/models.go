package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/jobs"
)

type jobModel struct {
	grove.BaseModel `grove:"table:lending_jobs"`

	ID          string     `grove:"id,pk"`
	Kind        string     `grove:"kind"`
	DedupKey    string     `grove:"dedup_key"`
	Payload     string     `grove:"payload"`
	Status      string     `grove:"status"`
	Attempts    int        `grove:"attempts"`
	MaxAttempts int        `grove:"max_attempts"`
	RunAt       time.Time  `grove:"run_at"`
	LockedUntil *time.Time `grove:"locked_until"`
	LastError   string     `grove:"last_error"`
	CreatedAt   time.Time  `grove:"created_at"`
}

func toJobModel(j *jobs.Job) *jobModel {
	return &jobModel{
		ID:          j.ID.String(),
		Kind:        j.Kind,
		DedupKey:    j.DedupKey,
		Payload:     string(j.Payload),
		Status:      string(j.Status),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAt:       j.RunAt.UTC(),
		LockedUntil: j.LockedUntil,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt.UTC(),
	}
}

func fromJobModel(m *jobModel) (*jobs.Job, error) {
	jobID, err := id.Parse(m.ID)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if m.Payload != "" {
		payload = json.RawMessage(m.Payload)
	}
	return &jobs.Job{
		ID:          jobID,
		Kind:        m.Kind,
		DedupKey:    m.DedupKey,
		Payload:     payload,
		Status:      jobs.Status(m.Status),
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		RunAt:       m.RunAt,
		LockedUntil: m.LockedUntil,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
	}, nil
}

// Migrations is the grove migration group for the job queue.
var Migrations = migrate.NewGroup("lending_jobs")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_lending_jobs",
			Version: "20240601000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS lending_jobs (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    dedup_key    TEXT NOT NULL DEFAULT '',
    payload      TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 10,
    run_at       DATETIME NOT NULL,
    locked_until DATETIME,
    last_error   TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_lending_jobs_dedup ON lending_jobs (dedup_key) WHERE dedup_key != '' AND status != 'dead';
CREATE INDEX IF NOT EXISTS idx_lending_jobs_due ON lending_jobs (status, run_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS lending_jobs`)
				return err
			},
		},
	)
}
