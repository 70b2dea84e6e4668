package ledger

import (
	"fmt"
	"time"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

// Template codes.
const (
	TemplateActivateFacility      = "ACTIVATE_FACILITY"
	TemplateDisbursal             = "DISBURSAL"
	TemplateAccrueInterest        = "ACCRUE_INTEREST"
	TemplateRevertAccrual         = "REVERT_INTEREST_ACCRUAL"
	TemplatePostAccruedInterest   = "POST_ACCRUED_INTEREST"
	TemplateReallocateReceivable  = "REALLOCATE_RECEIVABLE"
	TemplateRecordPayment         = "RECORD_PAYMENT"
	TemplateAllocatePayment       = "ALLOCATE_PAYMENT"
	TemplateAddCollateral         = "ADD_COLLATERAL"
	TemplateRemoveCollateral      = "REMOVE_COLLATERAL"
	TemplateSendToLiquidation     = "SEND_COLLATERAL_TO_LIQUIDATION"
	TemplateReturnFromLiquidation = "RETURN_COLLATERAL_FROM_LIQUIDATION"
	TemplateLiquidationProceeds   = "LIQUIDATION_PROCEEDS"
	TemplateReturnPaymentSurplus  = "RETURN_PAYMENT_SURPLUS"
	TemplateCompleteFacility      = "COMPLETE_FACILITY"
	TemplateManualEntry           = "MANUAL_ENTRY"
)

// Account roles referenced by templates.
const (
	RoleFacility          = "facility"
	RoleFacilityOmnibus   = "facility_omnibus"
	RoleReceivable        = "receivable"
	RoleDeposit           = "deposit"
	RoleInterestIncome    = "interest_income"
	RoleFrom              = "from"
	RoleTo                = "to"
	RoleSource            = "source"
	RoleHolding           = "holding"
	RoleCollateral        = "collateral"
	RoleCollateralOmnibus = "collateral_omnibus"
	RoleInLiquidation     = "in_liquidation"
	RoleLiquidated        = "liquidated"
	RoleProceedsOmnibus   = "proceeds_omnibus"
)

// Amount parameter names.
const (
	AmountMain       = "amount"
	AmountCollateral = "collateral"
	AmountProceeds   = "proceeds"
)

// Line is one entry pattern of a template.
type Line struct {
	Account string
	Amount  string
	Side    Side
	Layer   Layer
}

// Template is a named, parameterized set of entries.
type Template struct {
	Code        string
	Description string
	Lines       []Line
}

// EntryInput is a caller-supplied entry for MANUAL_ENTRY.
type EntryInput struct {
	AccountID id.AccountID
	Side      Side
	Layer     Layer
	Amount    types.Money
}

// Params binds a template's roles and amounts.
type Params struct {
	Accounts      map[string]id.AccountID
	Amounts       map[string]types.Money
	EffectiveDate time.Time
	Description   string
	Entries       []EntryInput
	Metadata      map[string]string
}

func pair(dr, cr, amount string) []Line {
	return []Line{
		{Account: dr, Amount: amount, Side: Debit, Layer: LayerSettled},
		{Account: cr, Amount: amount, Side: Credit, Layer: LayerSettled},
	}
}

func pendingPair(dr, cr, amount string) []Line {
	return []Line{
		{Account: dr, Amount: amount, Side: Debit, Layer: LayerPending},
		{Account: cr, Amount: amount, Side: Credit, Layer: LayerPending},
	}
}

// DefaultTemplates returns the lending core's templates.
func DefaultTemplates() []Template {
	return []Template{
		{
			Code:        TemplateActivateFacility,
			Description: "Commit the facility amount",
			Lines:       pair(RoleFacilityOmnibus, RoleFacility, AmountMain),
		},
		{
			Code:        TemplateDisbursal,
			Description: "Draw on the facility and credit the customer deposit",
			Lines: append(
				pair(RoleFacility, RoleFacilityOmnibus, AmountMain),
				pair(RoleReceivable, RoleDeposit, AmountMain)...,
			),
		},
		{
			Code:        TemplateAccrueInterest,
			Description: "Accrue a day of interest on the pending layer",
			Lines:       pendingPair(RoleReceivable, RoleInterestIncome, AmountMain),
		},
		{
			Code:        TemplateRevertAccrual,
			Description: "Reverse a pending interest accrual",
			Lines:       pendingPair(RoleInterestIncome, RoleReceivable, AmountMain),
		},
		{
			Code:        TemplatePostAccruedInterest,
			Description: "Settle a cycle of accrued interest as receivable",
			Lines: append(
				pendingPair(RoleInterestIncome, RoleReceivable, AmountMain),
				pair(RoleReceivable, RoleInterestIncome, AmountMain)...,
			),
		},
		{
			Code:        TemplateReallocateReceivable,
			Description: "Reclassify a receivable between aging layers",
			Lines:       pair(RoleTo, RoleFrom, AmountMain),
		},
		{
			Code:        TemplateRecordPayment,
			Description: "Receive a payment into holding",
			Lines:       pair(RoleSource, RoleHolding, AmountMain),
		},
		{
			Code:        TemplateAllocatePayment,
			Description: "Apply held payment to a receivable",
			Lines:       pair(RoleHolding, RoleReceivable, AmountMain),
		},
		{
			Code:        TemplateAddCollateral,
			Description: "Post collateral",
			Lines:       pair(RoleCollateralOmnibus, RoleCollateral, AmountMain),
		},
		{
			Code:        TemplateRemoveCollateral,
			Description: "Release collateral",
			Lines:       pair(RoleCollateral, RoleCollateralOmnibus, AmountMain),
		},
		{
			Code:        TemplateSendToLiquidation,
			Description: "Move collateral into liquidation",
			Lines:       pair(RoleCollateral, RoleInLiquidation, AmountMain),
		},
		{
			Code:        TemplateReturnFromLiquidation,
			Description: "Return unsold collateral from liquidation",
			Lines:       pair(RoleInLiquidation, RoleCollateral, AmountMain),
		},
		{
			Code:        TemplateLiquidationProceeds,
			Description: "Record liquidated collateral and the proceeds received",
			Lines: append(
				pair(RoleInLiquidation, RoleLiquidated, AmountCollateral),
				pair(RoleProceedsOmnibus, RoleHolding, AmountProceeds)...,
			),
		},
		{
			Code:        TemplateReturnPaymentSurplus,
			Description: "Return unallocated funds to the customer deposit",
			Lines:       pair(RoleHolding, RoleDeposit, AmountMain),
		},
		{
			Code:        TemplateCompleteFacility,
			Description: "Release the undrawn commitment",
			Lines:       pair(RoleFacility, RoleFacilityOmnibus, AmountMain),
		},
		{
			Code:        TemplateManualEntry,
			Description: "Caller-supplied entries",
		},
	}
}

// build resolves the template's lines against p. Zero-amount lines are
// skipped.
func (t Template) build(p Params) ([]EntryInput, error) {
	if t.Code == TemplateManualEntry {
		for _, e := range p.Entries {
			if e.Amount.IsNegative() {
				return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, e.AccountID)
			}
		}
		return p.Entries, nil
	}

	out := make([]EntryInput, 0, len(t.Lines))
	for _, l := range t.Lines {
		amount, ok := p.Amounts[l.Amount]
		if !ok {
			return nil, fmt.Errorf("%w: %s amount %q", ErrMissingParam, t.Code, l.Amount)
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("%w: %s amount %q", ErrNegativeAmount, t.Code, l.Amount)
		}
		if amount.IsZero() {
			continue
		}
		accountID, ok := p.Accounts[l.Account]
		if !ok || accountID.IsNil() {
			return nil, fmt.Errorf("%w: %s account %q", ErrMissingParam, t.Code, l.Account)
		}
		layer := l.Layer
		if layer == "" {
			layer = LayerSettled
		}
		out = append(out, EntryInput{AccountID: accountID, Side: l.Side, Layer: layer, Amount: amount})
	}
	return out, nil
}

// checkBalanced verifies that debits equal credits per currency and layer.
func checkBalanced(entries []EntryInput) error {
	type key struct {
		currency string
		layer    Layer
	}
	sums := make(map[key]int64)
	for _, e := range entries {
		k := key{currency: e.Amount.Currency, layer: e.Layer}
		if e.Side == Debit {
			sums[k] += e.Amount.Amount
		} else {
			sums[k] -= e.Amount.Amount
		}
	}
	for k, sum := range sums {
		if sum != 0 {
			return fmt.Errorf("%w: %s/%s off by %d", ErrUnbalanced, k.currency, k.layer, sum)
		}
	}
	return nil
}
