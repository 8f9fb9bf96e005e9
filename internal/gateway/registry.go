package gateway

import (
	"errors"
	"fmt"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
)

// Registry holds the configured adapters together with the operator's
// enablement flags and display order. Disabled methods stay registered so
// status lookups for historical sessions keep working, but they are never
// offered for new checkouts.
type Registry struct {
	adapters map[domain.PaymentMethod]Adapter
	enabled  map[domain.PaymentMethod]bool
	order    []domain.PaymentMethod
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Adapters []Adapter
	// Enabled lists the methods selectable for new checkouts.
	Enabled []domain.PaymentMethod
	// DisplayOrder controls how methods are presented. Methods not listed
	// are appended in the platform default order.
	DisplayOrder []domain.PaymentMethod
}

// NewRegistry validates and builds a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if len(cfg.Adapters) == 0 {
		return nil, errors.New("gateway: registry requires at least one adapter")
	}

	adapters := make(map[domain.PaymentMethod]Adapter, len(cfg.Adapters))
	for _, adapter := range cfg.Adapters {
		if adapter == nil {
			return nil, errors.New("gateway: nil adapter")
		}
		method := adapter.Method()
		if !domain.ValidMethod(string(method)) {
			return nil, fmt.Errorf("gateway: unknown method %q", method)
		}
		if _, exists := adapters[method]; exists {
			return nil, fmt.Errorf("gateway: duplicate adapter for %q", method)
		}
		adapters[method] = adapter
	}

	enabled := make(map[domain.PaymentMethod]bool, len(cfg.Enabled))
	for _, method := range cfg.Enabled {
		if _, ok := adapters[method]; !ok {
			return nil, fmt.Errorf("gateway: method %q enabled but not configured", method)
		}
		enabled[method] = true
	}

	order := make([]domain.PaymentMethod, 0, len(adapters))
	seen := make(map[domain.PaymentMethod]bool, len(adapters))
	for _, method := range cfg.DisplayOrder {
		if _, ok := adapters[method]; !ok || seen[method] {
			continue
		}
		order = append(order, method)
		seen[method] = true
	}
	for _, method := range domain.KnownMethods() {
		if _, ok := adapters[method]; !ok || seen[method] {
			continue
		}
		order = append(order, method)
		seen[method] = true
	}

	return &Registry{adapters: adapters, enabled: enabled, order: order}, nil
}

// Resolve returns the adapter for an enabled method. Sessions may only be
// created through enabled methods.
func (r *Registry) Resolve(method domain.PaymentMethod) (Adapter, error) {
	adapter, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, method)
	}
	if !r.enabled[method] {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, method)
	}
	return adapter, nil
}

// Lookup returns the adapter regardless of enablement, for status queries on
// sessions created before a method was disabled.
func (r *Registry) Lookup(method domain.PaymentMethod) (Adapter, error) {
	adapter, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, method)
	}
	return adapter, nil
}

// Enabled returns the enabled methods in display order.
func (r *Registry) Enabled() []domain.PaymentMethod {
	out := make([]domain.PaymentMethod, 0, len(r.order))
	for _, method := range r.order {
		if r.enabled[method] {
			out = append(out, method)
		}
	}
	return out
}

// IsEnabled reports whether the method is selectable for new checkouts.
func (r *Registry) IsEnabled(method domain.PaymentMethod) bool {
	return r.enabled[method]
}
