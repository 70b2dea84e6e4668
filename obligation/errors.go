package obligation

import (
	"errors"
	"fmt"

	"github.com/xraph/lending/event"
)

var (
	ErrNotFound                     = fmt.Errorf("obligation: not found: %w", event.ErrNotFound)
	ErrInvalidAmount                = errors.New("obligation: amount must be positive")
	ErrInvalidType                  = errors.New("obligation: invalid type")
	ErrInvalidSchedule              = errors.New("obligation: invalid schedule")
	ErrInvalidTransition            = errors.New("obligation: invalid status transition")
	ErrAlreadyPaid                  = errors.New("obligation: already paid")
	ErrAllocationExceedsOutstanding = errors.New("obligation: allocation exceeds outstanding")
	ErrNegativeOutstanding          = errors.New("obligation: negative outstanding")
	ErrPaymentExceedsOutstanding    = errors.New("obligation: payment exceeds outstanding")
	ErrUnknownPriority              = errors.New("obligation: unknown allocation priority")
)
