package ledger

import (
	"context"

	"github.com/xraph/lending/id"
)

// Store persists accounts, limits, transactions and balances.
type Store interface {
	// RunInTx runs fn in a store transaction, joining one already carried by ctx.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
	GetAccountByCode(ctx context.Context, code string) (*Account, error)

	CreateVelocityLimit(ctx context.Context, l *VelocityLimit) error
	ListVelocityLimits(ctx context.Context, accountIDs []id.AccountID) ([]*VelocityLimit, error)

	GetTransaction(ctx context.Context, txID id.TransactionID) (*Transaction, error)
	GetTransactionByKey(ctx context.Context, key string) (*Transaction, error)
	// InsertTransaction writes the transaction and its entries. A reused
	// idempotency key returns ErrDuplicateTransaction.
	InsertTransaction(ctx context.Context, tx *Transaction) error
	ListEntries(ctx context.Context, accountID id.AccountID, q EntryQuery) ([]Entry, error)

	// LockBalances returns the current balances for keys, locking them for
	// the rest of the transaction. Missing keys come back zeroed.
	LockBalances(ctx context.Context, keys []BalanceKey) (map[BalanceKey]Balance, error)
	SaveBalances(ctx context.Context, balances []Balance) error
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)
}

// Poster posts template transactions.
type Poster interface {
	Post(ctx context.Context, templateCode string, p Params, idempotencyKey string) (*Transaction, error)
}

// LimitEvaluator checks projected balances against velocity limits.
type LimitEvaluator interface {
	EvaluateLimits(ctx context.Context, projected []Projection) error
}

// Projection is the balance an account would hold after a transaction.
type Projection struct {
	Account *Account
	Balance Balance
}
