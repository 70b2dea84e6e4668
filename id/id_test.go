package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/lending/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"ProposalID", id.NewProposalID, "cfp_"},
		{"FacilityID", id.NewFacilityID, "cf_"},
		{"DisbursalID", id.NewDisbursalID, "disb_"},
		{"CollateralID", id.NewCollateralID, "col_"},
		{"LiquidationID", id.NewLiquidationID, "liq_"},
		{"ObligationID", id.NewObligationID, "obl_"},
		{"PaymentID", id.NewPaymentID, "pay_"},
		{"AllocationID", id.NewAllocationID, "alloc_"},
		{"AccountID", id.NewAccountID, "acct_"},
		{"TransactionID", id.NewTransactionID, "ltx_"},
		{"EntryID", id.NewEntryID, "lent_"},
		{"LimitID", id.NewLimitID, "vlim_"},
		{"EventID", id.NewEventID, "evt_"},
		{"JobID", id.NewJobID, "job_"},
		{"CycleID", id.NewCycleID, "iac_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixFacility)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixFacility {
		t.Errorf("expected prefix %q, got %q", id.PrefixFacility, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"FacilityID", id.NewFacilityID, id.ParseFacilityID},
		{"ProposalID", id.NewProposalID, id.ParseProposalID},
		{"AccountID", id.NewAccountID, id.ParseAccountID},
		{"ObligationID", id.NewObligationID, id.ParseObligationID},
		{"CollateralID", id.NewCollateralID, id.ParseCollateralID},
		{"LiquidationID", id.NewLiquidationID, id.ParseLiquidationID},
		{"PaymentID", id.NewPaymentID, id.ParsePaymentID},
		{"DisbursalID", id.NewDisbursalID, id.ParseDisbursalID},
		{"TransactionID", id.NewTransactionID, id.ParseTransactionID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseFacilityID rejects cfp_", id.NewProposalID().String(), id.ParseFacilityID},
		{"ParseProposalID rejects cf_", id.NewFacilityID().String(), id.ParseProposalID},
		{"ParseObligationID rejects pay_", id.NewPaymentID().String(), id.ParseObligationID},
		{"ParsePaymentID rejects obl_", id.NewObligationID().String(), id.ParsePaymentID},
		{"ParseCollateralID rejects liq_", id.NewLiquidationID().String(), id.ParseCollateralID},
		{"ParseAccountID rejects ltx_", id.NewTransactionID().String(), id.ParseAccountID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.parseFn(tt.input)
			if err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseAny(t *testing.T) {
	ids := []id.ID{
		id.NewFacilityID(),
		id.NewCollateralID(),
		id.NewAllocationID(),
		id.NewLimitID(),
		id.NewEventID(),
		id.NewJobID(),
	}

	for _, i := range ids {
		t.Run(i.String(), func(t *testing.T) {
			parsed, err := id.ParseAny(i.String())
			if err != nil {
				t.Fatalf("ParseAny(%q) failed: %v", i.String(), err)
			}
			if parsed.String() != i.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), i.String())
			}
		})
	}
}

func TestMustParseOrNil(t *testing.T) {
	if !id.MustParseOrNil("").IsNil() {
		t.Error("expected nil for empty string")
	}
	i := id.NewObligationID()
	if got := id.MustParseOrNil(i.String()); got.String() != i.String() {
		t.Errorf("mismatch: %q != %q", got.String(), i.String())
	}
}

func TestParseWithPrefix(t *testing.T) {
	i := id.NewFacilityID()
	parsed, err := id.ParseWithPrefix(i.String(), id.PrefixFacility)
	if err != nil {
		t.Fatalf("ParseWithPrefix failed: %v", err)
	}
	if parsed.String() != i.String() {
		t.Errorf("mismatch: %q != %q", parsed.String(), i.String())
	}

	_, err = id.ParseWithPrefix(i.String(), id.PrefixProposal)
	if err == nil {
		t.Error("expected error for wrong prefix")
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := id.Parse("")
	if err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	original := id.NewFacilityID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var restored id.ID
	if unmarshalErr := restored.UnmarshalText(data); unmarshalErr != nil {
		t.Fatalf("UnmarshalText failed: %v", unmarshalErr)
	}
	if restored.String() != original.String() {
		t.Errorf("mismatch: %q != %q", restored.String(), original.String())
	}

	// Nil round-trip.
	var nilID id.ID
	data, err = nilID.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText(nil) failed: %v", err)
	}
	var restored2 id.ID
	if err := restored2.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !restored2.IsNil() {
		t.Error("expected nil after round-trip of nil ID")
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewLiquidationID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	// Nil round-trip.
	var nilID id.ID
	val, err = nilID.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}

	var scanned2 id.ID
	if err := scanned2.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) failed: %v", err)
	}
	if !scanned2.IsNil() {
		t.Error("expected nil after scan of nil")
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewFacilityID()
	b := id.NewFacilityID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewFacilityID() calls returned the same ID: %q", a.String())
	}
}
