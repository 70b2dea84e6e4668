package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/lending/event"
)

// Registry manages all registered plugins and provides efficient dispatch.
// It caches each plugin under every hook it implements at registration, so
// dispatch never type-asserts.
//
// Registry implements outbox.Publisher: the engine's relay hands it every
// committed envelope and Publish fans it out to the matching hooks.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                     []OnInit
	onShutdown                 []OnShutdown
	onProposalCreated          []OnProposalCreated
	onProposalConcluded        []OnProposalConcluded
	onFacilityActivated        []OnFacilityActivated
	onFacilityCompleted        []OnFacilityCompleted
	onCollateralizationChanged []OnCollateralizationChanged
	onCollateralUpdated        []OnCollateralUpdated
	onDisbursalSettled         []OnDisbursalSettled
	onDisbursalRejected        []OnDisbursalRejected
	onObligationCreated        []OnObligationCreated
	onObligationStatusChanged  []OnObligationStatusChanged
	onObligationCompleted      []OnObligationCompleted
	onPaymentReceived          []OnPaymentReceived
	onPaymentAllocated         []OnPaymentAllocated
	onLiquidationInitiated     []OnLiquidationInitiated
	onLiquidationProceeds      []OnLiquidationProceeds
	onLiquidationCompleted     []OnLiquidationCompleted
	onInterestAccrued          []OnInterestAccrued
	priceFeeds                 []PriceFeed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: 5 * time.Second,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout bounds a single hook call.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnProposalCreated); ok {
		r.onProposalCreated = append(r.onProposalCreated, v)
	}
	if v, ok := p.(OnProposalConcluded); ok {
		r.onProposalConcluded = append(r.onProposalConcluded, v)
	}
	if v, ok := p.(OnFacilityActivated); ok {
		r.onFacilityActivated = append(r.onFacilityActivated, v)
	}
	if v, ok := p.(OnFacilityCompleted); ok {
		r.onFacilityCompleted = append(r.onFacilityCompleted, v)
	}
	if v, ok := p.(OnCollateralizationChanged); ok {
		r.onCollateralizationChanged = append(r.onCollateralizationChanged, v)
	}
	if v, ok := p.(OnCollateralUpdated); ok {
		r.onCollateralUpdated = append(r.onCollateralUpdated, v)
	}
	if v, ok := p.(OnDisbursalSettled); ok {
		r.onDisbursalSettled = append(r.onDisbursalSettled, v)
	}
	if v, ok := p.(OnDisbursalRejected); ok {
		r.onDisbursalRejected = append(r.onDisbursalRejected, v)
	}
	if v, ok := p.(OnObligationCreated); ok {
		r.onObligationCreated = append(r.onObligationCreated, v)
	}
	if v, ok := p.(OnObligationStatusChanged); ok {
		r.onObligationStatusChanged = append(r.onObligationStatusChanged, v)
	}
	if v, ok := p.(OnObligationCompleted); ok {
		r.onObligationCompleted = append(r.onObligationCompleted, v)
	}
	if v, ok := p.(OnPaymentReceived); ok {
		r.onPaymentReceived = append(r.onPaymentReceived, v)
	}
	if v, ok := p.(OnPaymentAllocated); ok {
		r.onPaymentAllocated = append(r.onPaymentAllocated, v)
	}
	if v, ok := p.(OnLiquidationInitiated); ok {
		r.onLiquidationInitiated = append(r.onLiquidationInitiated, v)
	}
	if v, ok := p.(OnLiquidationProceeds); ok {
		r.onLiquidationProceeds = append(r.onLiquidationProceeds, v)
	}
	if v, ok := p.(OnLiquidationCompleted); ok {
		r.onLiquidationCompleted = append(r.onLiquidationCompleted, v)
	}
	if v, ok := p.(OnInterestAccrued); ok {
		r.onInterestAccrued = append(r.onInterestAccrued, v)
	}
	if v, ok := p.(PriceFeed); ok {
		r.priceFeeds = append(r.priceFeeds, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", r.getImplementedInterfaces(p),
	)

	return nil
}

// getImplementedInterfaces returns a list of interfaces implemented by the plugin.
func (r *Registry) getImplementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnProposalCreated)(nil)).Elem(), "OnProposalCreated")
	checkInterface(reflect.TypeOf((*OnFacilityActivated)(nil)).Elem(), "OnFacilityActivated")
	checkInterface(reflect.TypeOf((*OnCollateralizationChanged)(nil)).Elem(), "OnCollateralizationChanged")
	checkInterface(reflect.TypeOf((*OnDisbursalSettled)(nil)).Elem(), "OnDisbursalSettled")
	checkInterface(reflect.TypeOf((*OnObligationStatusChanged)(nil)).Elem(), "OnObligationStatusChanged")
	checkInterface(reflect.TypeOf((*OnPaymentAllocated)(nil)).Elem(), "OnPaymentAllocated")
	checkInterface(reflect.TypeOf((*OnLiquidationInitiated)(nil)).Elem(), "OnLiquidationInitiated")
	checkInterface(reflect.TypeOf((*OnInterestAccrued)(nil)).Elem(), "OnInterestAccrued")
	checkInterface(reflect.TypeOf((*PriceFeed)(nil)).Elem(), "PriceFeed")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// PriceFeeds returns all registered price feeds in registration order.
func (r *Registry) PriceFeeds() []PriceFeed {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]PriceFeed, len(r.priceFeeds))
	copy(result, r.priceFeeds)
	return result
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnInit(ctx, engine)
		}); err != nil {
			r.logger.Warn("plugin OnInit failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return p.OnShutdown(ctx)
		}); err != nil {
			r.logger.Warn("plugin OnShutdown failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// Publish decodes a committed envelope and dispatches it to every plugin
// implementing the matching hook. Hook failures are logged and never fail
// delivery; an envelope that cannot be decoded is returned as an error so
// the relay keeps it pending.
func (r *Registry) Publish(ctx context.Context, env event.Envelope) error {
	e, err := env.Unwrap()
	if err != nil {
		return err
	}

	switch ev := e.(type) {
	case *event.ProposalCreated:
		emit(ctx, r, "OnProposalCreated", &r.onProposalCreated, func(p OnProposalCreated) error {
			return p.OnProposalCreated(ctx, ev)
		})
	case *event.ProposalConcluded:
		emit(ctx, r, "OnProposalConcluded", &r.onProposalConcluded, func(p OnProposalConcluded) error {
			return p.OnProposalConcluded(ctx, ev)
		})
	case *event.FacilityActivated:
		emit(ctx, r, "OnFacilityActivated", &r.onFacilityActivated, func(p OnFacilityActivated) error {
			return p.OnFacilityActivated(ctx, ev)
		})
	case *event.FacilityCompleted:
		emit(ctx, r, "OnFacilityCompleted", &r.onFacilityCompleted, func(p OnFacilityCompleted) error {
			return p.OnFacilityCompleted(ctx, ev)
		})
	case *event.CollateralizationChanged:
		emit(ctx, r, "OnCollateralizationChanged", &r.onCollateralizationChanged, func(p OnCollateralizationChanged) error {
			return p.OnCollateralizationChanged(ctx, ev)
		})
	case *event.CollateralUpdated:
		emit(ctx, r, "OnCollateralUpdated", &r.onCollateralUpdated, func(p OnCollateralUpdated) error {
			return p.OnCollateralUpdated(ctx, ev)
		})
	case *event.DisbursalSettled:
		emit(ctx, r, "OnDisbursalSettled", &r.onDisbursalSettled, func(p OnDisbursalSettled) error {
			return p.OnDisbursalSettled(ctx, ev)
		})
	case *event.DisbursalRejected:
		emit(ctx, r, "OnDisbursalRejected", &r.onDisbursalRejected, func(p OnDisbursalRejected) error {
			return p.OnDisbursalRejected(ctx, ev)
		})
	case *event.ObligationCreated:
		emit(ctx, r, "OnObligationCreated", &r.onObligationCreated, func(p OnObligationCreated) error {
			return p.OnObligationCreated(ctx, ev)
		})
	case *event.ObligationStatusChanged:
		emit(ctx, r, "OnObligationStatusChanged", &r.onObligationStatusChanged, func(p OnObligationStatusChanged) error {
			return p.OnObligationStatusChanged(ctx, ev)
		})
	case *event.ObligationCompleted:
		emit(ctx, r, "OnObligationCompleted", &r.onObligationCompleted, func(p OnObligationCompleted) error {
			return p.OnObligationCompleted(ctx, ev)
		})
	case *event.PaymentReceived:
		emit(ctx, r, "OnPaymentReceived", &r.onPaymentReceived, func(p OnPaymentReceived) error {
			return p.OnPaymentReceived(ctx, ev)
		})
	case *event.PaymentAllocated:
		emit(ctx, r, "OnPaymentAllocated", &r.onPaymentAllocated, func(p OnPaymentAllocated) error {
			return p.OnPaymentAllocated(ctx, ev)
		})
	case *event.LiquidationInitiated:
		emit(ctx, r, "OnLiquidationInitiated", &r.onLiquidationInitiated, func(p OnLiquidationInitiated) error {
			return p.OnLiquidationInitiated(ctx, ev)
		})
	case *event.LiquidationProceedsReceived:
		emit(ctx, r, "OnLiquidationProceeds", &r.onLiquidationProceeds, func(p OnLiquidationProceeds) error {
			return p.OnLiquidationProceeds(ctx, ev)
		})
	case *event.LiquidationCompleted:
		emit(ctx, r, "OnLiquidationCompleted", &r.onLiquidationCompleted, func(p OnLiquidationCompleted) error {
			return p.OnLiquidationCompleted(ctx, ev)
		})
	case *event.InterestAccrued:
		emit(ctx, r, "OnInterestAccrued", &r.onInterestAccrued, func(p OnInterestAccrued) error {
			return p.OnInterestAccrued(ctx, ev)
		})
	}
	return nil
}

// emit calls fn for each cached hook implementation. The slice is read under
// the registry lock; hooks run outside it.
func emit[H Plugin](ctx context.Context, r *Registry, hook string, cached *[]H, fn func(H) error) {
	r.mu.RLock()
	plugins := *cached
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the event pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(r.timeout):
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
