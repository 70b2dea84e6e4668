package obligation

import (
	"errors"
	"testing"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

func TestPlanAllocationOldestDueFirst(t *testing.T) {
	older := mustNew(t, TypeDisbursal, 8_000, NewSchedule(jan1, 0, 0))
	newer := mustNew(t, TypeDisbursal, 10_000, NewSchedule(feb1, 0, 0))

	plan, err := PlanAllocation(types.USD(15_000), []*Obligation{newer, older}, PriorityOldestDueFirst)
	if err != nil {
		t.Fatal(err)
	}

	if len(plan.Shares) != 2 {
		t.Fatalf("shares: got %d, want 2", len(plan.Shares))
	}
	if plan.Shares[0].Obligation != older || !plan.Shares[0].Amount.Equal(types.USD(8_000)) {
		t.Errorf("first share: got %s to %s", plan.Shares[0].Amount, plan.Shares[0].Obligation.ID)
	}
	if plan.Shares[1].Obligation != newer || !plan.Shares[1].Amount.Equal(types.USD(7_000)) {
		t.Errorf("second share: got %s to %s", plan.Shares[1].Amount, plan.Shares[1].Obligation.ID)
	}
	if !plan.Remainder.IsZero() {
		t.Errorf("remainder: got %s", plan.Remainder)
	}

	for _, s := range plan.Shares {
		if err := s.Obligation.Allocate(Allocation{PaymentID: id.NewPaymentID(), Amount: s.Amount, RecordedAt: feb1}); err != nil {
			t.Fatal(err)
		}
	}
	if !older.IsPaid() {
		t.Error("older obligation should be paid")
	}
	if got := newer.Outstanding(); !got.Equal(types.USD(3_000)) {
		t.Errorf("newer outstanding: got %s, want $30.00", got)
	}
}

func TestSortPriorities(t *testing.T) {
	disbursal := mustNew(t, TypeDisbursal, 100, NewSchedule(feb1, 0, 0))
	interestSameDay := mustNew(t, TypeInterest, 100, NewSchedule(feb1, 0, 0))
	interestEarly := mustNew(t, TypeInterest, 100, NewSchedule(jan1, 0, 0))

	overdue := mustNew(t, TypeDisbursal, 100, NewSchedule(feb1, 1, 0))
	_, _ = overdue.Transition(feb1)
	_, _ = overdue.Transition(feb1.AddDate(0, 0, 1))

	all := []*Obligation{disbursal, interestSameDay, interestEarly, overdue}

	tests := []struct {
		name     string
		priority Priority
		want     []*Obligation
	}{
		{"oldest due first", PriorityOldestDueFirst, []*Obligation{interestEarly, disbursal, overdue, interestSameDay}},
		{"interest first", PriorityInterestFirst, []*Obligation{interestEarly, interestSameDay, disbursal, overdue}},
		{"most delinquent first", PriorityMostDelinquentFirst, []*Obligation{overdue, interestEarly, disbursal, interestSameDay}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Sort(all, tt.priority)
			if err != nil {
				t.Fatal(err)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("position %d: got %s (%s due %s), want %s", i, got[i].ID, got[i].Type, got[i].DueAt.Format("2006-01-02"), tt.want[i].ID)
				}
			}
		})
	}
}

func TestPlanAllocationMostDelinquentFirst(t *testing.T) {
	due := mustNew(t, TypeDisbursal, 10_000, NewSchedule(jan1, 30, 0))
	_, _ = due.Transition(jan1)

	overdue := mustNew(t, TypeDisbursal, 8_000, NewSchedule(jan1, 1, 0))
	_, _ = overdue.Transition(jan1)
	_, _ = overdue.Transition(jan1.AddDate(0, 0, 1))

	plan, err := PlanAllocation(types.USD(15_000), []*Obligation{due, overdue}, PriorityMostDelinquentFirst)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Shares[0].Obligation != overdue || !plan.Shares[0].Amount.Equal(types.USD(8_000)) {
		t.Errorf("overdue share: got %s", plan.Shares[0].Amount)
	}
	if plan.Shares[1].Obligation != due || !plan.Shares[1].Amount.Equal(types.USD(7_000)) {
		t.Errorf("due share: got %s", plan.Shares[1].Amount)
	}
}

func TestPlanAllocationRemainder(t *testing.T) {
	o := mustNew(t, TypeDisbursal, 5_000, NewSchedule(jan1, 0, 0))

	plan, err := PlanAllocation(types.USD(7_500), []*Obligation{o}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Remainder.Equal(types.USD(2_500)) {
		t.Errorf("remainder: got %s, want $25.00", plan.Remainder)
	}
	if got := TotalOutstanding(types.CurrencyUSD, []*Obligation{o}); !got.Equal(types.USD(5_000)) {
		t.Errorf("total outstanding: got %s", got)
	}
}

func TestPlanAllocationErrors(t *testing.T) {
	if _, err := PlanAllocation(types.USD(0), nil, PriorityOldestDueFirst); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
	if _, err := PlanAllocation(types.USD(1), nil, "random"); !errors.Is(err, ErrUnknownPriority) {
		t.Errorf("got %v, want ErrUnknownPriority", err)
	}
}
