package lending_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"time"

	"github.com/xraph/lending"
	"github.com/xraph/lending/facility"
	"github.com/xraph/lending/governance"
	"github.com/xraph/lending/price"
	"github.com/xraph/lending/store/memory"
	"github.com/xraph/lending/types"
)

// Example walks a facility from proposal to its first payment.
func Example() {
	ctx := context.Background()
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	// Memory store for the demo; use store/postgres in production.
	approvals := governance.NewMemory()
	engine := lending.New(memory.New(),
		lending.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		lending.WithClock(types.NewManualClock(now)),
		lending.WithPriceSource(price.NewStatic(price.Available(lending.USD(5_000_000), now))),
		lending.WithGovernance(approvals),
		lending.WithSchedule(lending.Schedule{}),
	)

	p, err := engine.CreateProposal(ctx, facility.ProposalInput{
		CustomerID: "cus_123",
		Amount:     lending.USD(100_000),
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("proposal:", p.Status)

	if p, err = engine.AcceptProposal(ctx, p.ID); err != nil {
		log.Fatal(err)
	}
	if _, err := approvals.Conclude(ctx, p.ProcessID, true); err != nil {
		log.Fatal(err)
	}
	if p, err = engine.GetProposal(ctx, p.ID); err != nil {
		log.Fatal(err)
	}
	fmt.Println("proposal:", p.Status)

	// 0.03 BTC at $50,000 is 150% of the $1,000 commitment.
	if _, err := engine.UpdateCollateral(ctx, p.FacilityID, lending.BTC(3_000_000), time.Time{}); err != nil {
		log.Fatal(err)
	}
	f, err := engine.GetFacility(ctx, p.FacilityID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("facility:", f.Status)

	d, err := engine.InitiateDisbursal(ctx, p.FacilityID, lending.USD(50_000))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("disbursal:", d.Status, d.Amount)

	if _, err := engine.RecordPayment(ctx, p.FacilityID, "wire-2024-001", lending.USD(20_000), time.Time{}); err != nil {
		log.Fatal(err)
	}
	summary, err := engine.BalanceSummary(ctx, p.FacilityID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("outstanding:", summary.TotalOutstanding())

	// Output:
	// proposal: pending_customer_approval
	// proposal: approved
	// facility: active
	// disbursal: settled $500.00
	// outstanding: $300.00
}

// ExampleMoney shows amounts in the smallest currency unit.
func ExampleMoney() {
	fmt.Println(lending.USD(123_456))
	fmt.Println(lending.BTC(150_000_000))
	// Output:
	// $1234.56
	// ₿1.50000000
}
