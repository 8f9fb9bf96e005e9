// Package firestore provides the Firestore-backed implementations of the
// repository contracts.
package firestore

import (
	"errors"

	pfirestore "github.com/asherpoirier/iptvbcms-sub001/internal/platform/firestore"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

// Registry bundles every Firestore repository behind the repositories
// contracts.
type Registry struct {
	carts        *CartRepository
	orders       *OrderRepository
	sessions     *GatewaySessionRepository
	coupons      *CouponRepository
	couponUsages *CouponUsageRepository
	credits      *CreditRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs every repository against the shared provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("repository registry requires firestore provider")
	}

	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	sessions, err := NewGatewaySessionRepository(provider)
	if err != nil {
		return nil, err
	}
	coupons, err := NewCouponRepository(provider)
	if err != nil {
		return nil, err
	}
	couponUsages, err := NewCouponUsageRepository(provider)
	if err != nil {
		return nil, err
	}
	credits, err := NewCreditRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		carts:        carts,
		orders:       orders,
		sessions:     sessions,
		coupons:      coupons,
		couponUsages: couponUsages,
		credits:      credits,
	}, nil
}

// Carts implements repositories.Registry.
func (r *Registry) Carts() repositories.CartRepository { return r.carts }

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// GatewaySessions implements repositories.Registry.
func (r *Registry) GatewaySessions() repositories.GatewaySessionRepository { return r.sessions }

// Coupons implements repositories.Registry.
func (r *Registry) Coupons() repositories.CouponRepository { return r.coupons }

// CouponUsages implements repositories.Registry.
func (r *Registry) CouponUsages() repositories.CouponUsageRepository { return r.couponUsages }

// Credits implements repositories.Registry.
func (r *Registry) Credits() repositories.CreditRepository { return r.credits }
