package postgres

import (
	"context"
	"fmt"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
)

// AppendEvents locks the stream row, checks the version and inserts the
// records. A stream created concurrently by another writer, or one that
// moved past expectedVersion, yields event.ErrConcurrentModification.
func (s *Store) AppendEvents(ctx context.Context, expectedVersion int64, records []event.Record) error {
	if len(records) == 0 {
		return nil
	}
	return s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		first := records[0]
		entityID := first.EntityID.String()

		if expectedVersion == 0 {
			tag, err := q.Exec(ctx, `
INSERT INTO lending_streams (entity_id, entity_type, facility_id, version, created_at)
VALUES ($1, $2, $3, 0, $4)
ON CONFLICT (entity_id) DO NOTHING`,
				entityID, first.EntityType, first.FacilityID.String(), first.RecordedAt)
			if err != nil {
				return fmt.Errorf("lending/postgres: create stream %s: %w", entityID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%s %s already exists: %w", first.EntityType, entityID, event.ErrConcurrentModification)
			}
		} else {
			var version int64
			err := q.QueryRow(ctx,
				`SELECT version FROM lending_streams WHERE entity_id = $1 FOR UPDATE`, entityID,
			).Scan(&version)
			if err != nil {
				if isNoRows(err) {
					return fmt.Errorf("%s %s: %w", first.EntityType, entityID, event.ErrNotFound)
				}
				return err
			}
			if version != expectedVersion {
				return fmt.Errorf("%s %s at version %d, expected %d: %w",
					first.EntityType, entityID, version, expectedVersion, event.ErrConcurrentModification)
			}
		}

		for _, r := range records {
			if r.LookupKey == "" {
				continue
			}
			if err := s.claimLookup(ctx, r.EntityType, r.LookupKey, entityID); err != nil {
				return err
			}
		}

		for _, r := range records {
			_, err := q.Exec(ctx, `
INSERT INTO lending_events (entity_id, sequence, entity_type, facility_id, lookup_key, type, payload, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				entityID, r.Sequence, r.EntityType, r.FacilityID.String(), r.LookupKey, r.Type, []byte(r.Payload), r.RecordedAt)
			if err != nil {
				return fmt.Errorf("lending/postgres: append %s seq %d: %w", entityID, r.Sequence, err)
			}
		}

		last := records[len(records)-1].Sequence
		_, err := q.Exec(ctx, `UPDATE lending_streams SET version = $2 WHERE entity_id = $1`, entityID, last)
		return err
	})
}

// claimLookup registers key for entityID. A key owned by another stream
// returns event.ErrDuplicateLookup.
func (s *Store) claimLookup(ctx context.Context, entityType, key, entityID string) error {
	q := s.q(ctx)
	tag, err := q.Exec(ctx, `
INSERT INTO lending_lookups (entity_type, lookup_key, entity_id)
VALUES ($1, $2, $3)
ON CONFLICT (entity_type, lookup_key) DO NOTHING`, entityType, key, entityID)
	if err != nil {
		return fmt.Errorf("lending/postgres: register %s %q: %w", entityType, key, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var owner string
	if err := q.QueryRow(ctx,
		`SELECT entity_id FROM lending_lookups WHERE entity_type = $1 AND lookup_key = $2`, entityType, key,
	).Scan(&owner); err != nil {
		return err
	}
	if owner != entityID {
		return fmt.Errorf("%s %q: %w", entityType, key, event.ErrDuplicateLookup)
	}
	return nil
}

func (s *Store) LoadEvents(ctx context.Context, entityID id.ID) ([]event.Record, error) {
	rows, err := s.q(ctx).Query(ctx, `
SELECT entity_type, sequence, facility_id, lookup_key, type, payload, recorded_at
FROM lending_events
WHERE entity_id = $1
ORDER BY sequence`, entityID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var (
			r        event.Record
			facility string
			payload  []byte
		)
		if err := rows.Scan(&r.EntityType, &r.Sequence, &facility, &r.LookupKey, &r.Type, &payload, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.EntityID = entityID
		r.FacilityID, err = parseOptional(facility)
		if err != nil {
			return nil, err
		}
		r.Payload = payload
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, event.ErrNotFound
	}
	return out, nil
}

func (s *Store) FindEntity(ctx context.Context, entityType, lookupKey string) (id.ID, error) {
	var owner string
	err := s.q(ctx).QueryRow(ctx,
		`SELECT entity_id FROM lending_lookups WHERE entity_type = $1 AND lookup_key = $2`, entityType, lookupKey,
	).Scan(&owner)
	if err != nil {
		if isNoRows(err) {
			return id.Nil, event.ErrNotFound
		}
		return id.Nil, err
	}
	return id.Parse(owner)
}

func (s *Store) ListEntities(ctx context.Context, entityType string, facilityID id.ID) ([]id.ID, error) {
	query := `SELECT entity_id FROM lending_streams WHERE entity_type = $1`
	args := []any{entityType}
	if !facilityID.IsNil() {
		query += ` AND facility_id = $2`
		args = append(args, facilityID.String())
	}
	query += ` ORDER BY position`

	rows, err := s.q(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []id.ID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		entityID, err := id.Parse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, entityID)
	}
	return out, rows.Err()
}

func parseOptional(s string) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.Parse(s)
}
