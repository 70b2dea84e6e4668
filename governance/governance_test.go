package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryConclude(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var got []Outcome
	m.Subscribe(func(_ context.Context, o Outcome) { got = append(got, o) })

	pid := NewProcessID()
	require.NoError(t, m.SubmitProcess(ctx, Process{ID: pid, Type: ProcessCreditFacility, Reference: "cfp_123"}))
	assert.Equal(t, []string{pid}, m.Pending())

	_, err := m.Outcome(pid)
	assert.ErrorIs(t, err, ErrNotConcluded)

	o, err := m.Conclude(ctx, pid, true)
	require.NoError(t, err)
	assert.True(t, o.Approved)
	assert.Equal(t, "cfp_123", o.Reference)
	require.Len(t, got, 1)
	assert.Equal(t, pid, got[0].ProcessID)

	_, err = m.Conclude(ctx, pid, false)
	assert.ErrorIs(t, err, ErrAlreadyConcluded)
	assert.Empty(t, m.Pending())
}

func TestMemoryUnknownProcess(t *testing.T) {
	_, err := NewMemory().Conclude(context.Background(), "missing", true)
	if !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("got %v, want ErrProcessNotFound", err)
	}
}

func TestMemoryAutoApprove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(ProcessDisbursal)

	done := make(chan Outcome, 1)
	m.Subscribe(func(_ context.Context, o Outcome) { done <- o })

	pid := NewProcessID()
	require.NoError(t, m.SubmitProcess(ctx, Process{ID: pid, Type: ProcessDisbursal, Reference: "disb_1"}))

	select {
	case o := <-done:
		assert.Equal(t, pid, o.ProcessID)
		assert.True(t, o.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("auto approval not delivered")
	}
}

func TestMemoryResubmit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(ProcessCreditFacility)

	var (
		mu  sync.Mutex
		got int
	)
	m.Subscribe(func(context.Context, Outcome) {
		mu.Lock()
		got++
		mu.Unlock()
	})

	p := Process{ID: NewProcessID(), Type: ProcessCreditFacility, Reference: "cfp_9"}
	require.NoError(t, m.SubmitProcess(ctx, p))
	require.Eventually(t, func() bool {
		_, err := m.Outcome(p.ID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.SubmitProcess(ctx, p), "same process again is a no-op")
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, got)
	mu.Unlock()

	err := m.SubmitProcess(ctx, Process{ID: p.ID, Type: ProcessDisbursal, Reference: "disb_1"})
	assert.ErrorIs(t, err, ErrProcessConflict)
	assert.ErrorIs(t, m.SubmitProcess(ctx, Process{Type: ProcessDisbursal}), ErrMissingProcessID)
}
