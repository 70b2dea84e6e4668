// Package kafka publishes outbox envelopes to a Kafka topic with franz-go.
//
// Records are keyed by facility id so that every event of one facility lands
// on the same partition and keeps its append order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/outbox"
)

var _ outbox.Publisher = (*Publisher)(nil)

// Config holds the producer settings.
type Config struct {
	Brokers  []string `toml:"brokers" json:"brokers"`
	Topic    string   `toml:"topic" json:"topic"`
	ClientID string   `toml:"client_id" json:"client_id"`
}

// Publisher produces envelopes synchronously so the relay only marks them
// published once the broker has acknowledged them.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// New connects a producer.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: no topic configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &Publisher{client: client, topic: cfg.Topic}, nil
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	rec, err := Record(p.topic, env)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce %s: %w", env.ID, err)
	}
	return nil
}

// Ping checks that at least one broker is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close() {
	p.client.Close()
}

// Record encodes an envelope as a Kafka record.
func Record(topic string, env event.Envelope) (*kgo.Record, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("kafka: encode %s: %w", env.ID, err)
	}

	key := env.FacilityID.String()
	if env.FacilityID.IsNil() {
		key = env.ID.String()
	}

	return &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(env.ID.String())},
			{Key: "event_type", Value: []byte(env.Type)},
		},
		Timestamp: env.OccurredAt,
	}, nil
}
