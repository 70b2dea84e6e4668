// Package ledger is the double-entry posting layer. Every monetary movement
// in the lending core becomes durable through Journal.Post, which builds the
// entries from a named template, checks that they balance, evaluates the
// velocity limits attached to the touched accounts against the projected
// balances, and writes transaction, entries and balances in the caller's
// store transaction.
package ledger

import (
	"time"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Side is the debit or credit side of an entry.
type Side string

const (
	Debit  Side = "debit"
	Credit Side = "credit"
)

// Layer separates settled balances from pending ones.
type Layer string

const (
	LayerSettled Layer = "settled"
	LayerPending Layer = "pending"
)

type Account struct {
	types.Entity
	ID         id.AccountID      `json:"id"`
	Code       string            `json:"code"`
	Name       string            `json:"name"`
	NormalSide Side              `json:"normal_side"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type Entry struct {
	ID            id.EntryID       `json:"id"`
	TransactionID id.TransactionID `json:"transaction_id"`
	AccountID     id.AccountID     `json:"account_id"`
	Side          Side             `json:"side"`
	Layer         Layer            `json:"layer"`
	Amount        types.Money      `json:"amount"`
	Sequence      int              `json:"sequence"`
}

type Transaction struct {
	ID             id.TransactionID  `json:"id"`
	TemplateCode   string            `json:"template_code"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Description    string            `json:"description,omitempty"`
	EffectiveDate  time.Time         `json:"effective_date"`
	PostedAt       time.Time         `json:"posted_at"`
	Entries        []Entry           `json:"entries"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// BalanceKey identifies one running balance.
type BalanceKey struct {
	AccountID id.AccountID
	Currency  string
	Layer     Layer
}

// Balance is the running debit and credit total for a key. Version
// increments on every update.
type Balance struct {
	Key         BalanceKey `json:"key"`
	DebitTotal  int64      `json:"debit_total"`
	CreditTotal int64      `json:"credit_total"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Normal returns the balance on the account's normal side.
func (b Balance) Normal(side Side) types.Money {
	amount := b.DebitTotal - b.CreditTotal
	if side == Credit {
		amount = -amount
	}
	return types.Money{Amount: amount, Currency: b.Key.Currency}
}

func (b *Balance) apply(e Entry) {
	if e.Side == Debit {
		b.DebitTotal += e.Amount.Amount
	} else {
		b.CreditTotal += e.Amount.Amount
	}
}

// VelocityLimit bounds the normal balance of an account for one layer and
// currency. A nil bound is open.
type VelocityLimit struct {
	ID        id.LimitID   `json:"id"`
	Name      string       `json:"name"`
	AccountID id.AccountID `json:"account_id"`
	Currency  string       `json:"currency"`
	Layer     Layer        `json:"layer"`
	Min       *int64       `json:"min,omitempty"`
	Max       *int64       `json:"max,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// NonNegative returns a limit keeping the account's normal settled balance at
// or above zero.
func NonNegative(accountID id.AccountID, currency string) *VelocityLimit {
	zero := int64(0)
	return &VelocityLimit{
		ID:        id.NewLimitID(),
		Name:      "non_negative",
		AccountID: accountID,
		Currency:  currency,
		Layer:     LayerSettled,
		Min:       &zero,
	}
}

func (l *VelocityLimit) allows(amount int64) bool {
	if l.Min != nil && amount < *l.Min {
		return false
	}
	if l.Max != nil && amount > *l.Max {
		return false
	}
	return true
}

type EntryQuery struct {
	Layer  Layer
	Limit  int
	Offset int
}
