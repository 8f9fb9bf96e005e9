package domain

import "time"

// AccountType distinguishes recurring subscriber services from lifetime
// reseller panel accounts.
type AccountType string

const (
	AccountTypeSubscriber AccountType = "subscriber"
	AccountTypeReseller   AccountType = "reseller"
)

// ActionType describes what a line item does to the customer's service:
// extend an existing one or create a new one.
type ActionType string

const (
	ActionTypeExtend    ActionType = "extend"
	ActionTypeCreateNew ActionType = "create_new"
)

// PaymentMethod identifies a checkout gateway. The manual method is an
// operator-confirmed transfer rather than a processor integration.
type PaymentMethod string

const (
	MethodManual       PaymentMethod = "manual"
	MethodStripe       PaymentMethod = "stripe"
	MethodPayPal       PaymentMethod = "paypal"
	MethodSquare       PaymentMethod = "square"
	MethodBlockonomics PaymentMethod = "blockonomics"
)

// KnownMethods lists every payment method the platform understands, in the
// default display order.
func KnownMethods() []PaymentMethod {
	return []PaymentMethod{MethodManual, MethodStripe, MethodPayPal, MethodSquare, MethodBlockonomics}
}

// ValidMethod reports whether value names a known payment method.
func ValidMethod(value string) bool {
	switch PaymentMethod(value) {
	case MethodManual, MethodStripe, MethodPayPal, MethodSquare, MethodBlockonomics:
		return true
	default:
		return false
	}
}

// LineItem is a single cart entry. Monetary amounts are minor units (cents).
type LineItem struct {
	ProductID        string
	ProductName      string
	TermMonths       int
	UnitPrice        int64
	AccountType      AccountType
	ActionType       ActionType
	RenewalServiceID string
}

// ResellerCredentials carries the panel username and password a customer
// chooses for a reseller line item.
type ResellerCredentials struct {
	Username string
	Password string
}

// Cart is the persisted, mutable cart a customer edits before checkout.
// CheckoutSessionID, when set, is the commit lock: the checkout session that
// currently owns the cart. Mutations are rejected while it is held.
type Cart struct {
	UserID            string
	Items             []LineItem
	CouponCode        string
	DiscountAmount    int64
	CreditsApplied    int64
	Currency          string
	CheckoutSessionID string
	UpdatedAt         time.Time
}

// Subtotal sums the cart's line item prices.
func (c Cart) Subtotal() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.UnitPrice
	}
	return total
}

// HasResellerItems reports whether any line item provisions a reseller panel.
func (c Cart) HasResellerItems() bool {
	for _, item := range c.Items {
		if item.AccountType == AccountTypeReseller {
			return true
		}
	}
	return false
}

// CartSnapshot is the immutable view of a cart taken when checkout starts.
// It is frozen once an order is bound to it; the live cart is only cleared
// after terminal payment success.
type CartSnapshot struct {
	UserID         string
	Items          []LineItem
	Subtotal       int64
	DiscountAmount int64
	CouponCode     string
	CreditsApplied int64
	Currency       string
	TakenAt        time.Time
}

// TotalDue is the amount the customer still owes after discount and credits,
// floored at zero.
func (s CartSnapshot) TotalDue() int64 {
	due := s.Subtotal - s.DiscountAmount - s.CreditsApplied
	if due < 0 {
		return 0
	}
	return due
}

// Snapshot freezes the cart into a checkout snapshot.
func (c Cart) Snapshot(now time.Time) CartSnapshot {
	items := make([]LineItem, len(c.Items))
	copy(items, c.Items)
	return CartSnapshot{
		UserID:         c.UserID,
		Items:          items,
		Subtotal:       c.Subtotal(),
		DiscountAmount: c.DiscountAmount,
		CouponCode:     c.CouponCode,
		CreditsApplied: c.CreditsApplied,
		Currency:       c.Currency,
		TakenAt:        now,
	}
}

// OrderStatus tracks an order through the payment lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	OrderStatusPaid            OrderStatus = "paid"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Order is the server-side record a checkout attempt binds to. Exactly one
// order is minted per checkout session; repeated payment actions reuse it.
type Order struct {
	ID                  string
	UserID              string
	CheckoutSessionID   string
	Items               []LineItem
	Subtotal            int64
	DiscountAmount      int64
	CouponCode          string
	CreditsUsed         int64
	Total               int64
	Currency            string
	PaymentMethod       PaymentMethod
	ResellerCredentials *ResellerCredentials
	Status              OrderStatus
	FailureReason       string
	PaidAt              *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Terminal reports whether the order has reached a final status.
func (o Order) Terminal() bool {
	switch o.Status {
	case OrderStatusPaid, OrderStatusFailed, OrderStatusCancelled:
		return true
	default:
		return false
	}
}
