// Package id defines TypeID-based identity types for all lending entities.
//
// Every entity uses a single ID struct with a prefix that identifies
// the entity type. IDs are K-sortable (UUIDv7-based), globally unique,
// and URL-safe in the format "prefix_suffix".
package id

import (
	"database/sql/driver"
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Prefix constants for all lending entity types.
const (
	PrefixProposal    Prefix = "cfp"   // Credit facility proposal
	PrefixFacility    Prefix = "cf"    // Credit facility
	PrefixDisbursal   Prefix = "disb"  // Facility disbursal
	PrefixCollateral  Prefix = "col"   // Posted collateral
	PrefixLiquidation Prefix = "liq"   // Partial liquidation
	PrefixObligation  Prefix = "obl"   // Amount owed
	PrefixPayment     Prefix = "pay"   // Incoming payment
	PrefixAllocation  Prefix = "alloc" // Payment allocation
	PrefixAccount     Prefix = "acct"  // Ledger account
	PrefixTransaction Prefix = "ltx"   // Ledger transaction
	PrefixEntry       Prefix = "lent"  // Ledger entry
	PrefixLimit       Prefix = "vlim"  // Velocity limit
	PrefixEvent       Prefix = "evt"   // Outbox domain event
	PrefixJob         Prefix = "job"   // Background job
	PrefixCycle       Prefix = "iac"   // Interest accrual cycle
)

// ID is the primary identifier type for all lending entities.
// It wraps a TypeID providing a prefix-qualified, globally unique,
// sortable, URL-safe identifier in the format "prefix_suffix".
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}

	return ID{inner: tid, valid: true}
}

// Parse parses a TypeID string (e.g., "cf_01h2xcejqtf2nbrexx3vqjhp41")
// into an ID. Returns an error if the string is not valid.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses a TypeID string and validates that its prefix
// matches the expected value.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}

	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}

	return parsed, nil
}

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

// MustParseWithPrefix is like ParseWithPrefix but panics on error.
func MustParseWithPrefix(s string, expected Prefix) ID {
	parsed, err := ParseWithPrefix(s, expected)
	if err != nil {
		panic(fmt.Sprintf("id: must parse with prefix %q: %v", expected, err))
	}

	return parsed
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

// ProposalID identifies a credit facility proposal (prefix: "cfp").
type ProposalID = ID

// FacilityID identifies a credit facility (prefix: "cf").
type FacilityID = ID

// DisbursalID identifies a disbursal (prefix: "disb").
type DisbursalID = ID

// CollateralID identifies a collateral record (prefix: "col").
type CollateralID = ID

// LiquidationID identifies a liquidation (prefix: "liq").
type LiquidationID = ID

// ObligationID identifies an obligation (prefix: "obl").
type ObligationID = ID

// PaymentID identifies a payment (prefix: "pay").
type PaymentID = ID

// AllocationID identifies a payment allocation (prefix: "alloc").
type AllocationID = ID

// AccountID identifies a ledger account (prefix: "acct").
type AccountID = ID

// TransactionID identifies a ledger transaction (prefix: "ltx").
type TransactionID = ID

// EntryID identifies a ledger entry (prefix: "lent").
type EntryID = ID

// LimitID identifies a velocity limit (prefix: "vlim").
type LimitID = ID

// EventID identifies an outbox event (prefix: "evt").
type EventID = ID

// JobID identifies a background job (prefix: "job").
type JobID = ID

// CycleID identifies an interest accrual cycle (prefix: "iac").
type CycleID = ID

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

func NewProposalID() ID    { return New(PrefixProposal) }
func NewFacilityID() ID    { return New(PrefixFacility) }
func NewDisbursalID() ID   { return New(PrefixDisbursal) }
func NewCollateralID() ID  { return New(PrefixCollateral) }
func NewLiquidationID() ID { return New(PrefixLiquidation) }
func NewObligationID() ID  { return New(PrefixObligation) }
func NewPaymentID() ID     { return New(PrefixPayment) }
func NewAllocationID() ID  { return New(PrefixAllocation) }
func NewAccountID() ID     { return New(PrefixAccount) }
func NewTransactionID() ID { return New(PrefixTransaction) }
func NewEntryID() ID       { return New(PrefixEntry) }
func NewLimitID() ID       { return New(PrefixLimit) }
func NewEventID() ID       { return New(PrefixEvent) }
func NewJobID() ID         { return New(PrefixJob) }
func NewCycleID() ID       { return New(PrefixCycle) }

// ──────────────────────────────────────────────────
// Convenience parsers
// ──────────────────────────────────────────────────

// ParseFacilityID parses a string and validates the "cf" prefix.
func ParseFacilityID(s string) (ID, error) { return ParseWithPrefix(s, PrefixFacility) }

// ParseProposalID parses a string and validates the "cfp" prefix.
func ParseProposalID(s string) (ID, error) { return ParseWithPrefix(s, PrefixProposal) }

// ParseAccountID parses a string and validates the "acct" prefix.
func ParseAccountID(s string) (ID, error) { return ParseWithPrefix(s, PrefixAccount) }

// ParseObligationID parses a string and validates the "obl" prefix.
func ParseObligationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixObligation) }

// ParseCollateralID parses a string and validates the "col" prefix.
func ParseCollateralID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCollateral) }

// ParseLiquidationID parses a string and validates the "liq" prefix.
func ParseLiquidationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixLiquidation) }

// ParsePaymentID parses a string and validates the "pay" prefix.
func ParsePaymentID(s string) (ID, error) { return ParseWithPrefix(s, PrefixPayment) }

// ParseDisbursalID parses a string and validates the "disb" prefix.
func ParseDisbursalID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDisbursal) }

// ParseTransactionID parses a string and validates the "ltx" prefix.
func ParseTransactionID(s string) (ID, error) { return ParseWithPrefix(s, PrefixTransaction) }

// ParseAny parses a string into an ID without type checking the prefix.
func ParseAny(s string) (ID, error) { return Parse(s) }

// MustParseOrNil parses s, returning Nil for the empty string and panicking
// on malformed input. Used when reading ids back from trusted storage.
func MustParseOrNil(s string) ID {
	if s == "" {
		return Nil
	}
	return MustParse(s)
}

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full TypeID string representation (prefix_suffix).
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return i.inner.String()
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return Prefix(i.inner.Prefix())
}

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	if !i.valid {
		return []byte{}, nil
	}

	return []byte(i.inner.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil

		return nil
	}

	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}

	*i = parsed

	return nil
}

// Value implements driver.Valuer for database storage.
// Returns nil for the Nil ID so that optional foreign key columns store NULL.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.inner.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		if v == "" {
			*i = Nil

			return nil
		}

		return i.UnmarshalText([]byte(v))
	case []byte:
		if len(v) == 0 {
			*i = Nil

			return nil
		}

		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
