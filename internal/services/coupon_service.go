package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

// Coupon validation errors. They are distinct so callers can surface the
// precise reason a code was refused.
var (
	ErrCouponNotFound    = errors.New("coupon: not found")
	ErrCouponInactive    = errors.New("coupon: inactive")
	ErrCouponExpired     = errors.New("coupon: outside validity window")
	ErrCouponExhausted   = errors.New("coupon: usage limit reached")
	ErrCouponNotEligible = errors.New("coupon: not eligible for cart")
	ErrCouponUnavailable = errors.New("coupon: storage unavailable")
)

var (
	errCouponRepositoryRequired = errors.New("coupon service: coupon repository is required")
	errCouponUsagesRequired     = errors.New("coupon service: usage repository is required")
	errCouponClockRequired      = errors.New("coupon service: clock is required")
)

// Per-user redemption cap. The original storefront allows one use of a code
// per customer.
const couponUsesPerUser = 1

// CouponServiceDeps carries the collaborators for NewCouponService.
type CouponServiceDeps struct {
	Coupons repositories.CouponRepository
	Usages  repositories.CouponUsageRepository
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
	IDGen   func() string
}

type couponService struct {
	coupons repositories.CouponRepository
	usages  repositories.CouponUsageRepository
	now     func() time.Time
	log     func(ctx context.Context, event string, fields map[string]any)
	idGen   func() string
}

// NewCouponService wires a CouponService over the coupon repositories.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errCouponRepositoryRequired
	}
	if deps.Usages == nil {
		return nil, errCouponUsagesRequired
	}
	if deps.Clock == nil {
		return nil, errCouponClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &couponService{
		coupons: deps.Coupons,
		usages:  deps.Usages,
		now:     func() time.Time { return deps.Clock().UTC() },
		log:     logger,
		idGen:   idGen,
	}, nil
}

var _ CouponService = (*couponService)(nil)

func (s *couponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error) {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return CouponValidationResult{}, ErrCouponNotFound
	}
	coupon, err := s.coupons.GetByCode(ctx, code)
	if err != nil {
		if isRepoNotFound(err) {
			return CouponValidationResult{}, ErrCouponNotFound
		}
		return CouponValidationResult{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	if !coupon.Active {
		return CouponValidationResult{}, ErrCouponInactive
	}
	now := s.now()
	if coupon.ValidFrom != nil && now.Before(*coupon.ValidFrom) {
		return CouponValidationResult{}, ErrCouponExpired
	}
	if coupon.ValidUntil != nil && now.After(*coupon.ValidUntil) {
		return CouponValidationResult{}, ErrCouponExpired
	}
	if coupon.MaxUses > 0 && coupon.UsedCount >= coupon.MaxUses {
		return CouponValidationResult{}, ErrCouponExhausted
	}
	used, err := s.usages.CountByUser(ctx, code, cmd.UserID)
	if err != nil {
		return CouponValidationResult{}, fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	if used >= couponUsesPerUser {
		return CouponValidationResult{}, fmt.Errorf("%w: already redeemed", ErrCouponExhausted)
	}
	if coupon.MinPurchase > 0 && cmd.Subtotal < coupon.MinPurchase {
		return CouponValidationResult{}, fmt.Errorf("%w: minimum purchase not met", ErrCouponNotEligible)
	}
	eligible := coupon.EligibleSubtotal(cmd.Items)
	if eligible <= 0 {
		return CouponValidationResult{}, fmt.Errorf("%w: no covered products in cart", ErrCouponNotEligible)
	}
	discount := coupon.Discount(eligible)
	if discount <= 0 {
		return CouponValidationResult{}, fmt.Errorf("%w: discount resolves to zero", ErrCouponNotEligible)
	}
	return CouponValidationResult{Coupon: coupon, Discount: discount}, nil
}

// Redeem consumes one use of the code. It is called once per paid order,
// after payment succeeds.
func (s *couponService) Redeem(ctx context.Context, cmd RedeemCouponCommand) error {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" || cmd.UserID == "" || cmd.OrderID == "" {
		return fmt.Errorf("%w: code, user id and order id are required", ErrCouponNotEligible)
	}
	if err := s.coupons.IncrementUsage(ctx, code); err != nil {
		if isRepoNotFound(err) {
			return ErrCouponNotFound
		}
		return fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	usage := domain.CouponUsage{
		ID:         s.idGen(),
		CouponCode: code,
		UserID:     cmd.UserID,
		OrderID:    cmd.OrderID,
		Amount:     cmd.Amount,
		UsedAt:     s.now(),
	}
	if err := s.usages.Record(ctx, usage); err != nil {
		return fmt.Errorf("%w: %v", ErrCouponUnavailable, err)
	}
	s.log(ctx, "coupon.redeemed", map[string]any{
		"code":    code,
		"userId":  cmd.UserID,
		"orderId": cmd.OrderID,
		"amount":  cmd.Amount,
	})
	return nil
}
