package obligation

import (
	"errors"
	"testing"
	"time"

	"github.com/xraph/lending/id"
	"github.com/xraph/lending/types"
)

var (
	jan1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb1 = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func testAccounts() ReceivableAccounts {
	return ReceivableAccounts{
		NotYetDue: id.NewAccountID(),
		Due:       id.NewAccountID(),
		Overdue:   id.NewAccountID(),
		Defaulted: id.NewAccountID(),
	}
}

var created int

func mustNew(t *testing.T, typ Type, cents int64, s Schedule) *Obligation {
	t.Helper()
	created++
	o, err := New(NewInput{
		FacilityID: id.NewFacilityID(),
		Type:       typ,
		Amount:     types.USD(cents),
		Schedule:   s,
		Accounts:   testAccounts(),
		CreatedAt:  jan1.AddDate(0, -1, 0).Add(time.Duration(created) * time.Second),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		in      NewInput
		wantErr error
	}{
		{"zero amount", NewInput{Type: TypeDisbursal, Amount: types.USD(0), Schedule: Schedule{DueAt: jan1}}, ErrInvalidAmount},
		{"bad type", NewInput{Type: "fee", Amount: types.USD(1), Schedule: Schedule{DueAt: jan1}}, ErrInvalidType},
		{"no due date", NewInput{Type: TypeInterest, Amount: types.USD(1)}, ErrInvalidSchedule},
		{"overdue before due", NewInput{Type: TypeInterest, Amount: types.USD(1), Schedule: Schedule{DueAt: feb1, OverdueAt: &jan1}}, ErrInvalidSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	o := mustNew(t, TypeDisbursal, 10_000, NewSchedule(jan1, 30, 90))
	accounts := o.Accounts

	tests := []struct {
		day        time.Time
		wantStatus Status
		wantFrom   id.AccountID
		wantTo     id.AccountID
	}{
		{jan1.AddDate(0, 0, -1), StatusNotYetDue, id.Nil, id.Nil},
		{jan1, StatusDue, accounts.NotYetDue, accounts.Due},
		{jan1.AddDate(0, 0, 29), StatusDue, id.Nil, id.Nil},
		{jan1.AddDate(0, 0, 30), StatusOverdue, accounts.Due, accounts.Overdue},
		{jan1.AddDate(0, 0, 90), StatusDefaulted, accounts.Overdue, accounts.Defaulted},
	}

	for _, tt := range tests {
		r, err := o.Transition(tt.day)
		if err != nil {
			t.Fatalf("Transition(%s): %v", tt.day, err)
		}
		if o.Status != tt.wantStatus {
			t.Errorf("day %s: status %s, want %s", tt.day.Format(time.DateOnly), o.Status, tt.wantStatus)
		}
		if tt.wantTo.IsNil() {
			if r != nil {
				t.Errorf("day %s: unexpected reallocation %+v", tt.day.Format(time.DateOnly), r)
			}
			continue
		}
		if r == nil || r.From != tt.wantFrom || r.To != tt.wantTo || !r.Amount.Equal(types.USD(10_000)) {
			t.Errorf("day %s: got %+v", tt.day.Format(time.DateOnly), r)
		}
	}

	if len(o.Uncommitted()) != 4 {
		t.Errorf("uncommitted events: got %d, want 4", len(o.Uncommitted()))
	}
}

func TestTransitionCatchesUpOneStepAtATime(t *testing.T) {
	o := mustNew(t, TypeInterest, 500, NewSchedule(jan1, 10, 20))
	late := jan1.AddDate(1, 0, 0)

	var statuses []Status
	for {
		r, err := o.Transition(late)
		if err != nil {
			t.Fatal(err)
		}
		if r == nil {
			break
		}
		statuses = append(statuses, r.Status)
	}

	want := []Status{StatusDue, StatusOverdue, StatusDefaulted}
	if len(statuses) != len(want) {
		t.Fatalf("got %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("step %d: got %s, want %s", i, statuses[i], want[i])
		}
	}
}

func TestTransitionDueStraightToDefaulted(t *testing.T) {
	o := mustNew(t, TypeInterest, 500, NewSchedule(jan1, 0, 15))
	_, _ = o.Transition(jan1)
	r, err := o.Transition(jan1.AddDate(0, 0, 15))
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Status != StatusDefaulted || r.From != o.Accounts.Due {
		t.Errorf("got %+v", r)
	}
}

func TestAllocateMaintainsOutstanding(t *testing.T) {
	o := mustNew(t, TypeDisbursal, 10_000, NewSchedule(jan1, 0, 0))

	if err := o.Allocate(Allocation{PaymentID: id.NewPaymentID(), Amount: types.USD(4_000), RecordedAt: jan1}); err != nil {
		t.Fatal(err)
	}
	if got := o.Outstanding(); !got.Equal(types.USD(6_000)) {
		t.Errorf("outstanding: got %s, want $60.00", got)
	}

	err := o.Allocate(Allocation{PaymentID: id.NewPaymentID(), Amount: types.USD(6_001), RecordedAt: jan1})
	if !errors.Is(err, ErrAllocationExceedsOutstanding) {
		t.Errorf("got %v, want ErrAllocationExceedsOutstanding", err)
	}

	if err := o.Allocate(Allocation{PaymentID: id.NewPaymentID(), Amount: types.USD(6_000), RecordedAt: feb1}); err != nil {
		t.Fatal(err)
	}
	if !o.IsPaid() || o.PaidAt == nil || !o.PaidAt.Equal(feb1) {
		t.Errorf("expected paid at %s, got status %s paid_at %v", feb1, o.Status, o.PaidAt)
	}

	r, err := o.Transition(feb1.AddDate(1, 0, 0))
	if err != nil || r != nil {
		t.Errorf("paid obligation should not transition: %+v %v", r, err)
	}
	if err := o.Allocate(Allocation{Amount: types.USD(1)}); !errors.Is(err, ErrAlreadyPaid) {
		t.Errorf("got %v, want ErrAlreadyPaid", err)
	}
}

func TestRehydrate(t *testing.T) {
	o := mustNew(t, TypeDisbursal, 10_000, NewSchedule(jan1, 30, 0))
	_, _ = o.Transition(jan1)
	_ = o.Allocate(Allocation{PaymentID: id.NewPaymentID(), Amount: types.USD(2_500), RecordedAt: jan1})

	restored, err := Rehydrate(o.Uncommitted())
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID != o.ID || restored.Status != StatusDue || !restored.Outstanding().Equal(types.USD(7_500)) {
		t.Errorf("got %+v", restored)
	}

	if _, err := Rehydrate(nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
