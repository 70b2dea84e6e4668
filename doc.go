// Package lending is the core of a lending system for credit facilities
// collateralized by bitcoin.
//
// Lending is designed as a library, not a service. Import it into your Go
// application and give it a store; it provides:
//
//   - A double-entry journal with templates, idempotency keys and velocity limits
//   - Obligations that age through due, overdue and defaulted stages
//   - Payment allocation across obligations in a configurable priority order
//   - Collateral-to-loan value (CVL) tracking with margin call and liquidation
//   - The facility lifecycle from proposal through governance to completion
//   - A transactional outbox relaying every domain event to plugins and Kafka
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/lending"
//	    "github.com/xraph/lending/store/postgres"
//	)
//
//	store, err := postgres.Open(ctx, databaseURL, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := store.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := lending.New(store,
//	    lending.WithPriceSource(feed),
//	    lending.WithGovernance(approvals),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Facility Lifecycle
//
// A customer proposes a facility, accepts it and waits for governance:
//
//	p, err := engine.CreateProposal(ctx, facility.ProposalInput{
//	    CustomerID: "cus_123",
//	    Amount:     lending.USD(1_000_000),
//	})
//	p, err = engine.AcceptProposal(ctx, p.ID)
//
// Approval opens the facility pending collateralization. Once the posted
// collateral reaches the initial CVL at the current price the facility
// activates and disbursals may be drawn:
//
//	engine.UpdateCollateral(ctx, p.FacilityID, lending.BTC(50_000_000), time.Time{})
//	d, err := engine.InitiateDisbursal(ctx, p.FacilityID, lending.USD(500_000))
//
// Every disbursal and interest accrual creates an obligation. Payments are
// allocated across them:
//
//	pay, err := engine.RecordPayment(ctx, p.FacilityID, "wire-2024-001", lending.USD(100_000), time.Time{})
//
// When the CVL falls below the liquidation threshold the engine sends enough
// collateral to liquidation to restore the margin call level; proceeds are
// reported with RecordLiquidationProceeds and applied like a payment.
//
// # Consistency
//
// Each operation runs in one store transaction covering its ledger postings,
// entity changes and outbox events. An operation that loses an optimistic
// concurrency race is retried; every posting carries an idempotency key so a
// retried or replayed operation never posts twice.
//
// All monetary amounts are integers in the smallest unit: cents for USD and
// satoshis for BTC.
//
// # TypeID
//
// All entities use TypeID identifiers:
//
//	cf_01h2xcejqtf2nbrexx3vqjhp41    // Credit facility
//	obl_01h2xcejqtf2nbrexx3vqjhp41   // Obligation
//	liq_01h455vb4pex5vsknk084sn02q   // Liquidation
package lending
