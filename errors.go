package lending

import (
	"errors"
	"fmt"

	"github.com/xraph/lending/collateral"
	"github.com/xraph/lending/event"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/governance"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/payment"
	"github.com/xraph/lending/price"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound     = errors.New("lending: not found")
	ErrInvalidInput = errors.New("lending: invalid input")

	// Concurrency errors
	ErrRetriesExhausted = errors.New("lending: retries exhausted on concurrent modification")

	// Readiness errors
	ErrNotReady          = errors.New("lending: not ready")
	ErrNoGovernance      = errors.New("lending: no governance engine configured")
	ErrUnknownProcess    = errors.New("lending: unknown governance process type")
	ErrEngineNotStarted  = errors.New("lending: engine not started")
	ErrAlreadyStarted    = errors.New("lending: engine already started")
	ErrBootstrapAccounts = errors.New("lending: omnibus accounts not available")
)

// Kind classifies an engine failure by how a caller should react to it.
type Kind string

const (
	// KindValidation is a rejected request. It is surfaced unchanged.
	KindValidation Kind = "validation"
	// KindConsistency is a lost optimistic-concurrency race. The engine
	// retries it; callers only see it once retries are exhausted.
	KindConsistency Kind = "consistency"
	// KindLedger is a posting the ledger refused, such as a velocity limit.
	KindLedger Kind = "ledger"
	// KindNotReady means an input the decision needs, usually the price, is
	// missing or stale. The operation may succeed later.
	KindNotReady Kind = "not_ready"
	// KindInvariant is a broken internal invariant. It is never retried.
	KindInvariant Kind = "invariant"
	// KindNotFound is a missing entity, account or process.
	KindNotFound Kind = "not_found"
	// KindInternal is anything else, typically a store failure.
	KindInternal Kind = "internal"
)

// Error is the error returned by every Engine operation.
type Error struct {
	Op       string
	Kind     Kind
	Entity   string
	EntityID string
	Err      error
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("lending: %s %s %s: %v", e.Op, e.Entity, e.EntityID, e.Err)
	}
	return fmt.Sprintf("lending: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err. Errors not produced by the engine are
// classified from the sentinel they wrap.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, event.ErrConcurrentModification), errors.Is(err, ErrRetriesExhausted):
		return KindConsistency
	case isAny(err, invariantErrors):
		return KindInvariant
	case isAny(err, notFoundErrors):
		return KindNotFound
	case isAny(err, notReadyErrors):
		return KindNotReady
	case isAny(err, ledgerErrors):
		return KindLedger
	case isAny(err, validationErrors):
		return KindValidation
	default:
		var ve ValidationError
		if errors.As(err, &ve) {
			return KindValidation
		}
		return KindInternal
	}
}

var invariantErrors = []error{
	ledger.ErrUnbalanced,
	obligation.ErrNegativeOutstanding,
	obligation.ErrAllocationExceedsOutstanding,
	obligation.ErrInvalidTransition,
}

var notFoundErrors = []error{
	ErrNotFound,
	event.ErrNotFound,
	ledger.ErrAccountNotFound,
	ledger.ErrTransactionNotFound,
	ledger.ErrTemplateNotFound,
	governance.ErrProcessNotFound,
}

var notReadyErrors = []error{
	ErrNotReady,
	ErrNoGovernance,
	ErrBootstrapAccounts,
	price.ErrUnavailable,
	price.ErrStale,
}

var ledgerErrors = []error{
	ledger.ErrVelocityLimit,
	ledger.ErrCurrencyMismatch,
	ledger.ErrMissingParam,
	ledger.ErrNegativeAmount,
	ledger.ErrEmptyTransaction,
	ledger.ErrIdempotencyConflict,
	ledger.ErrDuplicateTransaction,
}

var validationErrors = []error{
	ErrInvalidInput,
	ErrUnknownProcess,
	facility.ErrInvalidTerms,
	facility.ErrMissingCustomer,
	facility.ErrInvalidAmount,
	facility.ErrInvalidStatus,
	facility.ErrAlreadyConcluded,
	facility.ErrNotActive,
	facility.ErrAlreadyActive,
	facility.ErrAlreadyCompleted,
	facility.ErrMatured,
	facility.ErrExceedsCommitment,
	facility.ErrInsufficientCollateral,
	facility.ErrOutstandingObligations,
	facility.ErrLiquidationOpen,
	facility.ErrCycleComplete,
	facility.ErrCyclePosted,
	collateral.ErrInvalidAmount,
	collateral.ErrNoChange,
	collateral.ErrInsufficientCollateral,
	collateral.ErrInvalidThresholds,
	collateral.ErrExceedsSent,
	collateral.ErrLiquidationCompleted,
	collateral.ErrDuplicateProceeds,
	obligation.ErrInvalidAmount,
	obligation.ErrPaymentExceedsOutstanding,
	obligation.ErrAlreadyPaid,
	obligation.ErrUnknownPriority,
	payment.ErrDuplicatePayment,
	payment.ErrInvalidAmount,
	payment.ErrMissingReference,
	governance.ErrAlreadyConcluded,
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("lending: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "lending: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("lending: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsRetryable returns true if the operation may succeed when repeated
// later: a missing price or an exhausted concurrency retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNotReady, KindConsistency:
		return true
	}
	return false
}
