package facility

import (
	"errors"
	"fmt"

	"github.com/xraph/lending/event"
)

var (
	ErrProposalNotFound  = fmt.Errorf("facility: proposal not found: %w", event.ErrNotFound)
	ErrNotFound          = fmt.Errorf("facility: not found: %w", event.ErrNotFound)
	ErrDisbursalNotFound = fmt.Errorf("facility: disbursal not found: %w", event.ErrNotFound)
	ErrCycleNotFound     = fmt.Errorf("facility: accrual cycle not found: %w", event.ErrNotFound)

	ErrInvalidTerms           = errors.New("facility: invalid terms")
	ErrMissingCustomer        = errors.New("facility: missing customer")
	ErrInvalidAmount          = errors.New("facility: invalid amount")
	ErrInvalidStatus          = errors.New("facility: invalid status for operation")
	ErrAlreadyConcluded       = errors.New("facility: already concluded")
	ErrNotActive              = errors.New("facility: not active")
	ErrAlreadyActive          = errors.New("facility: already active")
	ErrAlreadyCompleted       = errors.New("facility: already completed")
	ErrMatured                = errors.New("facility: matured")
	ErrExceedsCommitment      = errors.New("facility: disbursal exceeds remaining commitment")
	ErrInsufficientCollateral = errors.New("facility: insufficient collateral")
	ErrOutstandingObligations = errors.New("facility: obligations outstanding")
	ErrLiquidationOpen        = errors.New("facility: liquidation in progress")
	ErrCycleComplete          = errors.New("facility: accrual cycle complete")
	ErrCyclePosted            = errors.New("facility: accrual cycle already posted")
)
