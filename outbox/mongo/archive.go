// Package mongo archives relayed domain events into MongoDB via Grove, giving
// read models a per-facility event history outside the transactional store.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/outbox"
)

const colEvents = "lending_events"

var _ outbox.Publisher = (*Archive)(nil)

type eventModel struct {
	grove.BaseModel `grove:"table:lending_events"`

	ID          string    `grove:"id,pk"        bson:"_id"`
	Type        string    `grove:"type"         bson:"type"`
	FacilityID  string    `grove:"facility_id"  bson:"facility_id"`
	OccurredAt  time.Time `grove:"occurred_at"  bson:"occurred_at"`
	Payload     bson.M    `grove:"payload"      bson:"payload"`
	ArchivedAt  time.Time `grove:"archived_at"  bson:"archived_at"`
	PayloadJSON string    `grove:"payload_json" bson:"payload_json"`
}

// Archive is an outbox.Publisher writing one document per envelope.
type Archive struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates an archive backed by Grove.
func New(db *grove.DB) *Archive {
	return &Archive{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Migrate creates the archive indexes.
func (a *Archive) Migrate(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "facility_id", Value: 1}, {Key: "occurred_at", Value: 1}}},
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "occurred_at", Value: -1}}},
		{
			Keys:    bson.D{{Key: "archived_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32((365 * 24 * time.Hour).Seconds())),
		},
	}
	if _, err := a.mdb.Collection(colEvents).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("lending/mongo: migrate %s indexes: %w", colEvents, err)
	}
	return nil
}

// Ping checks database connectivity.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.Ping(ctx)
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Publish implements outbox.Publisher. Redelivered envelopes are ignored.
func (a *Archive) Publish(ctx context.Context, env event.Envelope) error {
	m, err := toEventModel(env)
	if err != nil {
		return err
	}
	if _, err := a.mdb.NewInsert(m).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("lending/mongo: archive %s: %w", env.ID, err)
	}
	return nil
}

// ListByFacility returns a facility's archived envelopes in occurrence order.
func (a *Archive) ListByFacility(ctx context.Context, facilityID id.FacilityID, limit int) ([]event.Envelope, error) {
	var models []eventModel
	q := a.mdb.NewFind(&models).
		Filter(bson.M{"facility_id": facilityID.String()}).
		Sort(bson.D{{Key: "occurred_at", Value: 1}})
	if limit > 0 {
		q = q.Limit(int64(limit))
	}
	if err := q.Scan(ctx); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("lending/mongo: list events: %w", err)
	}

	out := make([]event.Envelope, 0, len(models))
	for i := range models {
		env, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func toEventModel(env event.Envelope) (*eventModel, error) {
	var payload bson.M
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, fmt.Errorf("lending/mongo: decode payload %s: %w", env.ID, err)
	}
	return &eventModel{
		ID:          env.ID.String(),
		Type:        string(env.Type),
		FacilityID:  env.FacilityID.String(),
		OccurredAt:  env.OccurredAt,
		Payload:     payload,
		ArchivedAt:  time.Now().UTC(),
		PayloadJSON: string(env.Payload),
	}, nil
}

func fromEventModel(m *eventModel) (event.Envelope, error) {
	eventID, err := id.Parse(m.ID)
	if err != nil {
		return event.Envelope{}, err
	}
	var facilityID id.ID
	if m.FacilityID != "" {
		if facilityID, err = id.ParseFacilityID(m.FacilityID); err != nil {
			return event.Envelope{}, err
		}
	}
	return event.Envelope{
		ID:         eventID,
		Type:       event.Type(m.Type),
		FacilityID: facilityID,
		OccurredAt: m.OccurredAt,
		Payload:    json.RawMessage(m.PayloadJSON),
	}, nil
}
