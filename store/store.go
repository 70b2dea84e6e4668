// Package store defines the unified persistence interface of the lending
// engine. A backend implements entity event streams, the double-entry
// ledger, the outbox and the job queue over one transactional store, so a
// single RunInTx commits all four together.
package store

import (
	"context"

	"github.com/xraph/lending/event"
	"github.com/xraph/lending/jobs"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/outbox"
)

// Store is the unified storage interface for all lending state.
//
// ledger.Store contributes RunInTx. Every method called with a context
// returned inside RunInTx joins that transaction.
type Store interface {
	event.Store
	ledger.Store
	outbox.Store
	outbox.Reader
	jobs.Store

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
