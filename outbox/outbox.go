// Package outbox carries domain events from the store transaction that
// produced them to external subscribers.
//
// Engine operations append envelopes with AppendOutbox inside the same
// transaction as their ledger postings and entity events. A Relay polls the
// pending envelopes after commit and hands them to a Publisher. Delivery is
// at-least-once: an envelope is marked published only after the publisher
// returns, so subscribers must tolerate redelivery keyed by envelope id.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/id"
)

var ErrMessageNotFound = errors.New("outbox: message not found")

// Message is a stored envelope and its delivery state.
type Message struct {
	event.Envelope
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
}

// Store persists outbox messages.
type Store interface {
	// AppendOutbox stores envelopes in the caller's transaction.
	AppendOutbox(ctx context.Context, envs []event.Envelope) error

	// PendingOutbox returns up to limit unpublished messages whose next
	// attempt is due at now, oldest first.
	PendingOutbox(ctx context.Context, now time.Time, limit int) ([]Message, error)

	MarkPublished(ctx context.Context, eventID id.EventID, at time.Time) error

	// MarkFailed records a failed delivery and schedules the next attempt.
	MarkFailed(ctx context.Context, eventID id.EventID, reason string, retryAt time.Time) error
}

// Reader lists the stored envelopes of one facility in append order,
// published or not.
type Reader interface {
	FacilityOutbox(ctx context.Context, facilityID id.FacilityID) ([]event.Envelope, error)
}

// Publisher delivers one envelope. Returning an error leaves the envelope
// pending for a later attempt.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, env event.Envelope) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, env event.Envelope) error { return f(ctx, env) }

// Multi fans an envelope out to several publishers. Every publisher is
// called; the joined error is returned.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, env event.Envelope) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
