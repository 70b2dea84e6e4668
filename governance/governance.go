// Package governance is the boundary to the approval engine. The lending
// core submits processes and later consumes their approved or denied
// outcome; it never votes itself.
package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProcessNotFound  = errors.New("governance: process not found")
	ErrAlreadyConcluded = errors.New("governance: process already concluded")
	ErrNotConcluded     = errors.New("governance: process not concluded")
	ErrProcessConflict  = errors.New("governance: process id reused")
	ErrMissingProcessID = errors.New("governance: missing process id")
)

// ProcessType names what a process approves.
type ProcessType string

const (
	ProcessCreditFacility ProcessType = "credit-facility-approval"
	ProcessDisbursal      ProcessType = "disbursal-approval"
)

// Outcome is the conclusion of a process.
type Outcome struct {
	ProcessID   string      `json:"process_id"`
	Type        ProcessType `json:"type"`
	Reference   string      `json:"reference"`
	Approved    bool        `json:"approved"`
	ConcludedAt time.Time   `json:"concluded_at"`
}

// Process is an approval request. The submitter picks the ID so that a
// submission can be recorded before it reaches the engine.
type Process struct {
	ID        string      `json:"id"`
	Type      ProcessType `json:"type"`
	Reference string      `json:"reference"`
}

// NewProcessID returns a fresh process identifier.
func NewProcessID() string { return uuid.NewString() }

// Engine submits approval processes. Submitting a process that already
// exists with the same type and reference succeeds without effect.
type Engine interface {
	SubmitProcess(ctx context.Context, p Process) error
}

// Notifier is implemented by engines that push outcomes to subscribers.
type Notifier interface {
	Subscribe(fn func(ctx context.Context, o Outcome))
}

type process struct {
	typ       ProcessType
	reference string
	outcome   *Outcome
}

// Memory is an in-process governance engine. Processes stay open until
// Conclude is called, unless auto-approval is enabled.
type Memory struct {
	mu          sync.Mutex
	processes   map[string]*process
	subscribers []func(ctx context.Context, o Outcome)
	autoApprove map[ProcessType]bool
}

// NewMemory creates a governance engine. Process types listed in
// autoApprove are concluded as approved as soon as they are submitted.
func NewMemory(autoApprove ...ProcessType) *Memory {
	m := &Memory{
		processes:   make(map[string]*process),
		autoApprove: make(map[ProcessType]bool),
	}
	for _, t := range autoApprove {
		m.autoApprove[t] = true
	}
	return m
}

// SubmitProcess implements Engine.
func (m *Memory) SubmitProcess(ctx context.Context, p Process) error {
	if p.ID == "" {
		return ErrMissingProcessID
	}
	m.mu.Lock()
	if existing, ok := m.processes[p.ID]; ok {
		m.mu.Unlock()
		if existing.typ != p.Type || existing.reference != p.Reference {
			return fmt.Errorf("%w: %s", ErrProcessConflict, p.ID)
		}
		return nil
	}
	m.processes[p.ID] = &process{typ: p.Type, reference: p.Reference}
	auto := m.autoApprove[p.Type]
	m.mu.Unlock()

	if auto {
		// Outcome delivery runs detached from the submitting call.
		go func() {
			_, _ = m.Conclude(context.WithoutCancel(ctx), p.ID, true) //nolint:errcheck // fresh process
		}()
	}
	return nil
}

// Subscribe implements Notifier.
func (m *Memory) Subscribe(fn func(ctx context.Context, o Outcome)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Conclude records the outcome of a process and notifies subscribers.
func (m *Memory) Conclude(ctx context.Context, processID string, approved bool) (Outcome, error) {
	m.mu.Lock()
	p, ok := m.processes[processID]
	if !ok {
		m.mu.Unlock()
		return Outcome{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	if p.outcome != nil {
		m.mu.Unlock()
		return *p.outcome, ErrAlreadyConcluded
	}
	o := Outcome{
		ProcessID:   processID,
		Type:        p.typ,
		Reference:   p.reference,
		Approved:    approved,
		ConcludedAt: time.Now().UTC(),
	}
	p.outcome = &o
	subs := append([]func(context.Context, Outcome){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ctx, o)
	}
	return o, nil
}

// Outcome returns the conclusion of a process, or ErrNotConcluded.
func (m *Memory) Outcome(processID string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[processID]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	if p.outcome == nil {
		return Outcome{}, ErrNotConcluded
	}
	return *p.outcome, nil
}

// Pending lists processes that have not concluded.
func (m *Memory) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for pid, p := range m.processes {
		if p.outcome == nil {
			out = append(out, pid)
		}
	}
	return out
}
