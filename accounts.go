package lending

import (
	"context"
	"fmt"

	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/id"
	"github.com/xraph/lending/ledger"
	"github.com/xraph/lending/obligation"
	"github.com/xraph/lending/types"
)

// Omnibus account codes. They are shared by every facility.
const (
	AccountFacilityOmnibus    = "omnibus.facility"
	AccountBankOmnibus        = "omnibus.bank"
	AccountProceedsOmnibus    = "omnibus.liquidation_proceeds"
	AccountCollateralOmnibus  = "omnibus.collateral"
	AccountInterestIncome     = "revenue.interest"
	facilityAccountCodePrefix = "facility."
)

type omnibusAccounts struct {
	Facility   id.AccountID
	Bank       id.AccountID
	Proceeds   id.AccountID
	Collateral id.AccountID
	Interest   id.AccountID
}

var omnibusSpecs = []ledger.AccountSpec{
	{Code: AccountFacilityOmnibus, Name: "Facility omnibus", NormalSide: ledger.Debit, Currency: types.CurrencyUSD},
	{Code: AccountBankOmnibus, Name: "Bank omnibus", NormalSide: ledger.Debit, Currency: types.CurrencyUSD},
	{Code: AccountProceedsOmnibus, Name: "Liquidation proceeds omnibus", NormalSide: ledger.Debit, Currency: types.CurrencyUSD},
	{Code: AccountCollateralOmnibus, Name: "Collateral omnibus", NormalSide: ledger.Debit, Currency: types.CurrencyBTC},
	{Code: AccountInterestIncome, Name: "Interest income", NormalSide: ledger.Credit, Currency: types.CurrencyUSD},
}

// ensureOmnibus opens the shared accounts once per engine.
func (e *Engine) ensureOmnibus(ctx context.Context) error {
	e.omnibusMu.Lock()
	defer e.omnibusMu.Unlock()
	if e.omnibus != nil {
		return nil
	}

	ids := make(map[string]id.AccountID, len(omnibusSpecs))
	for _, spec := range omnibusSpecs {
		a, err := e.journal.EnsureAccount(ctx, spec)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrBootstrapAccounts, spec.Code, err)
		}
		ids[spec.Code] = a.ID
	}
	e.omnibus = &omnibusAccounts{
		Facility:   ids[AccountFacilityOmnibus],
		Bank:       ids[AccountBankOmnibus],
		Proceeds:   ids[AccountProceedsOmnibus],
		Collateral: ids[AccountCollateralOmnibus],
		Interest:   ids[AccountInterestIncome],
	}
	return nil
}

func (e *Engine) omnibusIDs() omnibusAccounts {
	e.omnibusMu.Lock()
	defer e.omnibusMu.Unlock()
	return *e.omnibus
}

// FacilityAccountCode returns the ledger code of one of a facility's
// accounts, such as "deposit" or "disbursed.due".
func FacilityAccountCode(facilityID id.FacilityID, suffix string) string {
	return facilityAccountCodePrefix + facilityID.String() + "." + suffix
}

// openFacilityAccounts creates a facility's accounts inside the caller's
// transaction. Receivable, holding and collateral accounts may not go
// negative.
func (e *Engine) openFacilityAccounts(ctx context.Context, facilityID id.FacilityID) (facility.Accounts, error) {
	var err error
	open := func(suffix, name string, side ledger.Side, currency string, nonNegative bool) id.AccountID {
		if err != nil {
			return id.Nil
		}
		var a *ledger.Account
		a, err = e.journal.EnsureAccount(ctx, ledger.AccountSpec{
			Code:        FacilityAccountCode(facilityID, suffix),
			Name:        name,
			NormalSide:  side,
			Currency:    currency,
			NonNegative: nonNegative,
			Metadata:    map[string]string{"facility_id": facilityID.String()},
		})
		if err != nil {
			return id.Nil
		}
		return a.ID
	}
	receivables := func(kind string) obligation.ReceivableAccounts {
		return obligation.ReceivableAccounts{
			NotYetDue: open(kind+".not_yet_due", kind+" receivable not yet due", ledger.Debit, types.CurrencyUSD, true),
			Due:       open(kind+".due", kind+" receivable due", ledger.Debit, types.CurrencyUSD, true),
			Overdue:   open(kind+".overdue", kind+" receivable overdue", ledger.Debit, types.CurrencyUSD, true),
			Defaulted: open(kind+".defaulted", kind+" receivable defaulted", ledger.Debit, types.CurrencyUSD, true),
		}
	}

	accounts := facility.Accounts{
		Facility:                open("facility", "Undrawn commitment", ledger.Credit, types.CurrencyUSD, true),
		Disbursed:               receivables("disbursed"),
		Interest:                receivables("interest"),
		PaymentHolding:          open("payment_holding", "Payment holding", ledger.Credit, types.CurrencyUSD, true),
		Collateral:              open("collateral", "Posted collateral", ledger.Credit, types.CurrencyBTC, true),
		CollateralInLiquidation: open("collateral.in_liquidation", "Collateral in liquidation", ledger.Credit, types.CurrencyBTC, true),
		CollateralLiquidated:    open("collateral.liquidated", "Liquidated collateral", ledger.Credit, types.CurrencyBTC, false),
		Deposit:                 open("deposit", "Customer deposit", ledger.Credit, types.CurrencyUSD, false),
	}
	if err != nil {
		return facility.Accounts{}, err
	}
	return accounts, nil
}
