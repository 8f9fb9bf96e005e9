// Package repositories defines the persistence contracts the services
// depend on. Implementations live under repositories/firestore; tests use
// in-package stubs.
package repositories

import (
	"context"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
)

// RepositoryError lets callers classify storage failures without depending
// on the backing store's error types.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// Registry bundles every repository the application wires.
type Registry interface {
	Carts() CartRepository
	Orders() OrderRepository
	GatewaySessions() GatewaySessionRepository
	Coupons() CouponRepository
	CouponUsages() CouponUsageRepository
	Credits() CreditRepository
}

// CartRepository persists the mutable per-user cart.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	// Upsert stores the cart. A non-zero expectedUpdate enforces optimistic
	// locking against the last observed write.
	Upsert(ctx context.Context, cart domain.Cart, expectedUpdate time.Time) (time.Time, error)
	// Clear removes the cart after terminal checkout success.
	Clear(ctx context.Context, userID string) error
	// AcquireCommitLock marks the cart as owned by a checkout session. It
	// fails with a conflict when another session already holds the lock.
	AcquireCommitLock(ctx context.Context, userID, checkoutSessionID string) error
	// ReleaseCommitLock clears the lock if held by the given session.
	ReleaseCommitLock(ctx context.Context, userID, checkoutSessionID string) error
}

// OrderRepository persists orders.
type OrderRepository interface {
	Create(ctx context.Context, order domain.Order) error
	Get(ctx context.Context, orderID string) (domain.Order, error)
	// FindByCheckoutSession returns the order bound to a checkout session,
	// or a not-found error.
	FindByCheckoutSession(ctx context.Context, checkoutSessionID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, reason string, paidAt *time.Time) error
	SetPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error
}

// GatewaySessionRepository persists in-flight payment sessions. The
// per-order uniqueness it enforces is what makes session creation
// idempotent across repeated payment clicks.
type GatewaySessionRepository interface {
	Save(ctx context.Context, session gateway.Session) error
	Get(ctx context.Context, sessionID string) (gateway.Session, error)
	// FindOpen returns the unresolved session for an order and method, or a
	// not-found error when none is outstanding.
	FindOpen(ctx context.Context, orderID string, method domain.PaymentMethod) (gateway.Session, error)
	FindByReference(ctx context.Context, method domain.PaymentMethod, reference string) (gateway.Session, error)
	UpdateState(ctx context.Context, sessionID string, state gateway.SessionState, confirmationsReceived int) error
}

// CouponRepository reads and updates discount codes.
type CouponRepository interface {
	GetByCode(ctx context.Context, code string) (domain.Coupon, error)
	IncrementUsage(ctx context.Context, code string) error
}

// CouponUsageRepository records redemptions.
type CouponUsageRepository interface {
	Record(ctx context.Context, usage domain.CouponUsage) error
	CountByUser(ctx context.Context, code, userID string) (int, error)
}

// CreditRepository manages stored account credit and its ledger.
type CreditRepository interface {
	Balance(ctx context.Context, userID string) (domain.CreditBalance, error)
	// Apply atomically adjusts the balance by delta (negative for
	// deductions) and appends the ledger entry. Implementations must fail
	// with a conflict rather than let the balance go negative.
	Apply(ctx context.Context, userID string, delta int64, tx domain.CreditTransaction) (domain.CreditBalance, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}
