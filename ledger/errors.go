package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/lending/id"
)

var (
	ErrTemplateNotFound     = errors.New("ledger: template not found")
	ErrAccountNotFound      = errors.New("ledger: account not found")
	ErrTransactionNotFound  = errors.New("ledger: transaction not found")
	ErrDuplicateAccount     = errors.New("ledger: duplicate account code")
	ErrDuplicateTransaction = errors.New("ledger: duplicate idempotency key")
	ErrIdempotencyConflict  = errors.New("ledger: idempotency key reused for a different template")
	ErrUnbalanced           = errors.New("ledger: unbalanced transaction")
	ErrCurrencyMismatch     = errors.New("ledger: entry currency does not match account")
	ErrMissingParam         = errors.New("ledger: missing template parameter")
	ErrNegativeAmount       = errors.New("ledger: negative entry amount")
	ErrEmptyTransaction     = errors.New("ledger: transaction has no entries")
	ErrVelocityLimit        = errors.New("ledger: velocity limit violated")
)

// Violation describes one limit that a projected balance would cross.
type Violation struct {
	LimitID   id.LimitID   `json:"limit_id"`
	LimitName string       `json:"limit_name"`
	AccountID id.AccountID `json:"account_id"`
	Currency  string       `json:"currency"`
	Layer     Layer        `json:"layer"`
	Balance   int64        `json:"balance"`
	Min       *int64       `json:"min,omitempty"`
	Max       *int64       `json:"max,omitempty"`
}

func (v Violation) String() string {
	bound := func(p *int64) string {
		if p == nil {
			return "open"
		}
		return fmt.Sprintf("%d", *p)
	}
	return fmt.Sprintf("%s on %s (%s/%s): balance %d outside [%s, %s]",
		v.LimitName, v.AccountID, v.Currency, v.Layer, v.Balance, bound(v.Min), bound(v.Max))
}

// VelocityError rejects a transaction whose projected balances cross one or
// more velocity limits. It matches ErrVelocityLimit with errors.Is.
type VelocityError struct {
	TemplateCode string
	Violations   []Violation
}

func (e *VelocityError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("ledger: %s: velocity limit violated: %s", e.TemplateCode, strings.Join(parts, "; "))
}

func (e *VelocityError) Is(target error) bool { return target == ErrVelocityLimit }
