package domain

import "time"

// CouponType selects how a coupon's value is interpreted.
type CouponType string

const (
	// CouponTypePercentage discounts value percent of the eligible subtotal.
	CouponTypePercentage CouponType = "percentage"
	// CouponTypeFixed discounts a fixed amount, clamped to the subtotal.
	CouponTypeFixed CouponType = "fixed"
)

// CouponScope restricts which products a coupon applies to.
type CouponScope string

const (
	CouponScopeAll              CouponScope = "all"
	CouponScopeSpecificProducts CouponScope = "specific_products"
)

// Coupon is a redeemable discount code. Codes are stored uppercase.
type Coupon struct {
	Code        string
	Type        CouponType
	Value       int64 // percent for percentage coupons, minor units for fixed
	MinPurchase int64
	MaxUses     int // 0 means unlimited
	UsedCount   int
	AppliesTo   CouponScope
	ProductIDs  []string
	Active      bool
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	CreatedAt   time.Time
}

// EligibleSubtotal sums the prices of the items the coupon covers.
func (c Coupon) EligibleSubtotal(items []LineItem) int64 {
	if c.AppliesTo != CouponScopeSpecificProducts {
		var total int64
		for _, item := range items {
			total += item.UnitPrice
		}
		return total
	}
	allowed := make(map[string]struct{}, len(c.ProductIDs))
	for _, id := range c.ProductIDs {
		allowed[id] = struct{}{}
	}
	var total int64
	for _, item := range items {
		if _, ok := allowed[item.ProductID]; ok {
			total += item.UnitPrice
		}
	}
	return total
}

// Discount computes the discount the coupon yields on the eligible subtotal,
// never exceeding it.
func (c Coupon) Discount(eligible int64) int64 {
	if eligible <= 0 {
		return 0
	}
	var amount int64
	switch c.Type {
	case CouponTypePercentage:
		amount = eligible * c.Value / 100
	case CouponTypeFixed:
		amount = c.Value
	}
	if amount > eligible {
		amount = eligible
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

// CouponUsage records a single redemption of a coupon against an order.
type CouponUsage struct {
	ID         string
	CouponCode string
	UserID     string
	OrderID    string
	Amount     int64
	UsedAt     time.Time
}
