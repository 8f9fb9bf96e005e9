package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Cart                = domain.Cart
	CartSnapshot        = domain.CartSnapshot
	LineItem            = domain.LineItem
	ResellerCredentials = domain.ResellerCredentials
	Order               = domain.Order
	OrderStatus         = domain.OrderStatus
	PaymentMethod       = domain.PaymentMethod
	Coupon              = domain.Coupon
	CouponUsage         = domain.CouponUsage
	CreditBalance       = domain.CreditBalance
	CreditTransaction   = domain.CreditTransaction
)

// CartService manages mutable cart state, coupon and credit application, and the commit lock.
type CartService interface {
	GetOrCreateCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (Cart, error)
	RemoveCoupon(ctx context.Context, userID string) (Cart, error)
	ApplyCredits(ctx context.Context, cmd ApplyCreditsCommand) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
	Snapshot(ctx context.Context, userID string, checkoutSessionID string) (CartSnapshot, error)
	ReleaseSnapshot(ctx context.Context, userID string, checkoutSessionID string) error
}

// CouponService validates coupon codes against a cart and records redemptions.
type CouponService interface {
	Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error)
	Redeem(ctx context.Context, cmd RedeemCouponCommand) error
}

// CreditService exposes the stored-credit ledger.
type CreditService interface {
	Balance(ctx context.Context, userID string) (CreditBalance, error)
	Deduct(ctx context.Context, cmd DeductCreditsCommand) (CreditBalance, error)
	Grant(ctx context.Context, cmd GrantCreditsCommand) (CreditBalance, error)
	History(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
}

// OrderService binds cart snapshots to orders and manages order lifecycle transitions.
type OrderService interface {
	EnsureOrder(ctx context.Context, cmd EnsureOrderCommand) (Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (Order, error)
	OrderForSession(ctx context.Context, userID, checkoutSessionID string) (Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]Order, error)
	SetPaymentMethod(ctx context.Context, orderID string, method PaymentMethod) error
	MarkAwaitingPayment(ctx context.Context, orderID string) error
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (Order, error)
	MarkFailed(ctx context.Context, orderID string, reason string) error
}

// ProvisioningPublisher hands paid orders off to the subscription provisioning worker.
type ProvisioningPublisher interface {
	PublishPaidOrder(ctx context.Context, order Order) (string, error)
}

// AddCartItemCommand adds or replaces a line in the user's cart.
type AddCartItemCommand struct {
	UserID            string
	Item              LineItem
	ExpectedUpdatedAt *time.Time
}

// RemoveCartItemCommand drops a line from the cart by product.
type RemoveCartItemCommand struct {
	UserID            string
	ProductID         string
	ExpectedUpdatedAt *time.Time
}

// ApplyCouponCommand attaches a validated coupon code to the cart.
type ApplyCouponCommand struct {
	UserID string
	Code   string
}

// ApplyCreditsCommand applies stored credit against the cart total.
type ApplyCreditsCommand struct {
	UserID string
	Amount int64
}

// ValidateCouponCommand checks a code against the cart contents.
type ValidateCouponCommand struct {
	UserID   string
	Code     string
	Items    []LineItem
	Subtotal int64
}

// CouponValidationResult reports the matched coupon and computed discount.
type CouponValidationResult struct {
	Coupon   Coupon
	Discount int64
}

// RedeemCouponCommand records a successful redemption after payment completes.
type RedeemCouponCommand struct {
	UserID  string
	Code    string
	OrderID string
	Amount  int64
}

// DeductCreditsCommand removes credit from the user's balance.
type DeductCreditsCommand struct {
	UserID  string
	Amount  int64
	OrderID string
	Note    string
}

// GrantCreditsCommand adds credit to the user's balance.
type GrantCreditsCommand struct {
	UserID string
	Amount int64
	Note   string
}

// EnsureOrderCommand binds a cart snapshot to an order exactly once per checkout session.
type EnsureOrderCommand struct {
	UserID            string
	CheckoutSessionID string
	Snapshot          CartSnapshot
	Credentials       *ResellerCredentials
}

// MarkPaidCommand finalises a successful payment.
type MarkPaidCommand struct {
	OrderID           string
	Method            PaymentMethod
	ProviderReference string
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}
