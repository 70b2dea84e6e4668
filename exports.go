package lending

import (
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Re-export common types so callers don't have to import the types package.

// Money is re-exported from types package.
type Money = types.Money

// Terms is re-exported from facility package.
type Terms = facility.Terms

// Identifiers taken by engine operations.
type (
	FacilityID    = id.FacilityID
	ProposalID    = id.ProposalID
	DisbursalID   = id.DisbursalID
	ObligationID  = id.ObligationID
	PaymentID     = id.PaymentID
	LiquidationID = id.LiquidationID
)

// Re-export Money constructors
var (
	USD  = types.USD
	BTC  = types.BTC
	Zero = types.Zero
)

// Re-export the default facility terms.
var DefaultTerms = facility.DefaultTerms

// ParseFacilityID parses a "cf_" identifier.
var ParseFacilityID = id.ParseFacilityID
