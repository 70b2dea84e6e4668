package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/outbox"
)

func (s *Store) AppendOutbox(ctx context.Context, envs []event.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, env := range envs {
		batch.Queue(`
INSERT INTO lending_outbox (id, type, facility_id, occurred_at, payload, next_attempt_at)
VALUES ($1, $2, $3, $4, $5, $4)
ON CONFLICT (id) DO NOTHING`,
			env.ID.String(), string(env.Type), env.FacilityID.String(), env.OccurredAt, []byte(env.Payload))
	}
	if err := sendBatch(ctx, s.q(ctx), batch); err != nil {
		return fmt.Errorf("lending/postgres: append outbox: %w", err)
	}
	return nil
}

func (s *Store) PendingOutbox(ctx context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT id, type, facility_id, occurred_at, payload, attempts, last_error, next_attempt_at
FROM lending_outbox
WHERE published_at IS NULL AND next_attempt_at <= $1
ORDER BY position
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []outbox.Message
	for rows.Next() {
		var (
			m        outbox.Message
			rawID    string
			typ      string
			facility string
			payload  []byte
		)
		if err := rows.Scan(&rawID, &typ, &facility, &m.OccurredAt, &payload,
			&m.Attempts, &m.LastError, &m.NextAttemptAt); err != nil {
			return nil, err
		}
		if m.ID, err = id.Parse(rawID); err != nil {
			return nil, err
		}
		if m.FacilityID, err = parseOptional(facility); err != nil {
			return nil, err
		}
		m.Type = event.Type(typ)
		m.Payload = payload
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) FacilityOutbox(ctx context.Context, facilityID id.FacilityID) ([]event.Envelope, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT id, type, facility_id, occurred_at, payload, published_at
FROM lending_outbox
WHERE facility_id = $1
ORDER BY position`, facilityID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Envelope
	for rows.Next() {
		var (
			env      event.Envelope
			rawID    string
			typ      string
			facility string
			payload  []byte
		)
		if err := rows.Scan(&rawID, &typ, &facility, &env.OccurredAt, &payload, &env.PublishedAt); err != nil {
			return nil, err
		}
		if env.ID, err = id.Parse(rawID); err != nil {
			return nil, err
		}
		if env.FacilityID, err = parseOptional(facility); err != nil {
			return nil, err
		}
		env.Type = event.Type(typ)
		env.Payload = payload
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *Store) MarkPublished(ctx context.Context, eventID id.EventID, at time.Time) error {
	tag, err := s.q(ctx).Exec(ctx, `
UPDATE lending_outbox
SET published_at = $2
WHERE id = $1`, eventID.String(), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrMessageNotFound, eventID)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, eventID id.EventID, reason string, retryAt time.Time) error {
	tag, err := s.q(ctx).Exec(ctx, `
UPDATE lending_outbox
SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
WHERE id = $1`, eventID.String(), reason, retryAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", outbox.ErrMessageNotFound, eventID)
	}
	return nil
}
