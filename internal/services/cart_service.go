package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

// Cart mutation and snapshot errors.
var (
	ErrCartInvalidInput = errors.New("cart: invalid input")
	ErrCartNotFound     = errors.New("cart: not found")
	ErrCartConflict     = errors.New("cart: conflict")
	ErrCartUnavailable  = errors.New("cart: storage unavailable")
	// ErrCartLocked is returned for mutations attempted while a checkout
	// session holds the commit lock.
	ErrCartLocked = errors.New("cart: locked by checkout session")
	ErrCartEmpty  = errors.New("cart: empty")
)

var (
	errCartRepositoryRequired = errors.New("cart service: repository is required")
	errCartCouponsRequired    = errors.New("cart service: coupon service is required")
	errCartCreditsRequired    = errors.New("cart service: credit service is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

// CartServiceDeps carries the collaborators for NewCartService.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Coupons         CouponService
	Credits         CreditService
	Clock           func() time.Time
	Logger          func(ctx context.Context, event string, fields map[string]any)
	DefaultCurrency string
}

type cartService struct {
	repo     repositories.CartRepository
	coupons  CouponService
	credits  CreditService
	now      func() time.Time
	log      func(ctx context.Context, event string, fields map[string]any)
	currency string
}

// NewCartService wires a CartService implementation backed by the cart
// repository. The coupon and credit services are consulted to keep the
// cart's discount and credit figures consistent as items change.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Coupons == nil {
		return nil, errCartCouponsRequired
	}
	if deps.Credits == nil {
		return nil, errCartCreditsRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := deps.DefaultCurrency
	if currency == "" {
		currency = "USD"
	}
	return &cartService{
		repo:     deps.Repository,
		coupons:  deps.Coupons,
		credits:  deps.Credits,
		now:      func() time.Time { return deps.Clock().UTC() },
		log:      logger,
		currency: currency,
	}, nil
}

var _ CartService = (*cartService)(nil)

func (s *cartService) GetOrCreateCart(ctx context.Context, userID string) (domain.Cart, error) {
	if userID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	cart, err := s.repo.Get(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(userID), nil
		}
		return domain.Cart{}, translateCartRepoError(err)
	}
	return cart, nil
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (domain.Cart, error) {
	if cmd.UserID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := validateLineItem(cmd.Item); err != nil {
		return domain.Cart{}, err
	}
	return s.mutate(ctx, cmd.UserID, cmd.ExpectedUpdatedAt, func(cart *domain.Cart) error {
		for i := range cart.Items {
			if cart.Items[i].ProductID == cmd.Item.ProductID {
				cart.Items[i] = cmd.Item
				return nil
			}
		}
		cart.Items = append(cart.Items, cmd.Item)
		return nil
	})
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (domain.Cart, error) {
	if cmd.UserID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if cmd.ProductID == "" {
		return domain.Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, cmd.UserID, cmd.ExpectedUpdatedAt, func(cart *domain.Cart) error {
		kept := cart.Items[:0]
		found := false
		for _, item := range cart.Items {
			if item.ProductID == cmd.ProductID {
				found = true
				continue
			}
			kept = append(kept, item)
		}
		if !found {
			return fmt.Errorf("%w: product %q not in cart", ErrCartNotFound, cmd.ProductID)
		}
		cart.Items = kept
		return nil
	})
}

func (s *cartService) ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (domain.Cart, error) {
	if cmd.UserID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if cmd.Code == "" {
		return domain.Cart{}, fmt.Errorf("%w: coupon code is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, cmd.UserID, nil, func(cart *domain.Cart) error {
		if len(cart.Items) == 0 {
			return ErrCartEmpty
		}
		result, err := s.coupons.Validate(ctx, ValidateCouponCommand{
			UserID:   cmd.UserID,
			Code:     cmd.Code,
			Items:    cart.Items,
			Subtotal: cart.Subtotal(),
		})
		if err != nil {
			return err
		}
		cart.CouponCode = result.Coupon.Code
		cart.DiscountAmount = result.Discount
		return nil
	})
}

func (s *cartService) RemoveCoupon(ctx context.Context, userID string) (domain.Cart, error) {
	if userID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	return s.mutate(ctx, userID, nil, func(cart *domain.Cart) error {
		cart.CouponCode = ""
		cart.DiscountAmount = 0
		return nil
	})
}

func (s *cartService) ApplyCredits(ctx context.Context, cmd ApplyCreditsCommand) (domain.Cart, error) {
	if cmd.UserID == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if cmd.Amount < 0 {
		return domain.Cart{}, fmt.Errorf("%w: credit amount must not be negative", ErrCartInvalidInput)
	}
	return s.mutate(ctx, cmd.UserID, nil, func(cart *domain.Cart) error {
		if cmd.Amount == 0 {
			cart.CreditsApplied = 0
			return nil
		}
		if len(cart.Items) == 0 {
			return ErrCartEmpty
		}
		balance, err := s.credits.Balance(ctx, cmd.UserID)
		if err != nil {
			return err
		}
		applied := cmd.Amount
		if applied > balance.Amount {
			applied = balance.Amount
		}
		cart.CreditsApplied = applied
		return nil
	})
}

func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.repo.Clear(ctx, userID); err != nil && !isRepoNotFound(err) {
		return translateCartRepoError(err)
	}
	return nil
}

// Snapshot acquires the commit lock for checkoutSessionID and freezes the
// cart. The live cart stays locked until ReleaseSnapshot or ClearCart.
func (s *cartService) Snapshot(ctx context.Context, userID, checkoutSessionID string) (domain.CartSnapshot, error) {
	if userID == "" || checkoutSessionID == "" {
		return domain.CartSnapshot{}, fmt.Errorf("%w: user id and checkout session id are required", ErrCartInvalidInput)
	}
	if err := s.repo.AcquireCommitLock(ctx, userID, checkoutSessionID); err != nil {
		if isRepoNotFound(err) {
			return domain.CartSnapshot{}, ErrCartEmpty
		}
		if isRepoConflict(err) {
			return domain.CartSnapshot{}, fmt.Errorf("%w: another checkout session owns the cart", ErrCartLocked)
		}
		return domain.CartSnapshot{}, translateCartRepoError(err)
	}
	cart, err := s.repo.Get(ctx, userID)
	if err != nil {
		s.releaseQuietly(ctx, userID, checkoutSessionID)
		return domain.CartSnapshot{}, translateCartRepoError(err)
	}
	if len(cart.Items) == 0 {
		s.releaseQuietly(ctx, userID, checkoutSessionID)
		return domain.CartSnapshot{}, ErrCartEmpty
	}
	snapshot := cart.Snapshot(s.now())
	s.log(ctx, "cart.snapshot_taken", map[string]any{
		"userId":            userID,
		"checkoutSessionId": checkoutSessionID,
		"totalDue":          snapshot.TotalDue(),
	})
	return snapshot, nil
}

func (s *cartService) ReleaseSnapshot(ctx context.Context, userID, checkoutSessionID string) error {
	if userID == "" || checkoutSessionID == "" {
		return fmt.Errorf("%w: user id and checkout session id are required", ErrCartInvalidInput)
	}
	if err := s.repo.ReleaseCommitLock(ctx, userID, checkoutSessionID); err != nil && !isRepoNotFound(err) {
		return translateCartRepoError(err)
	}
	return nil
}

// mutate loads the cart, applies fn, reconciles derived amounts and stores
// the result. Mutations are refused while the commit lock is held.
func (s *cartService) mutate(ctx context.Context, userID string, expected *time.Time, fn func(cart *domain.Cart) error) (domain.Cart, error) {
	cart, err := s.repo.Get(ctx, userID)
	if err != nil {
		if !isRepoNotFound(err) {
			return domain.Cart{}, translateCartRepoError(err)
		}
		cart = s.emptyCart(userID)
	}
	if cart.CheckoutSessionID != "" {
		return domain.Cart{}, ErrCartLocked
	}
	expectedUpdate := cart.UpdatedAt
	if expected != nil {
		expectedUpdate = *expected
	}
	if err := fn(&cart); err != nil {
		return domain.Cart{}, err
	}
	s.reconcile(ctx, &cart)
	cart.UpdatedAt = s.now()
	updatedAt, err := s.repo.Upsert(ctx, cart, expectedUpdate)
	if err != nil {
		return domain.Cart{}, translateCartRepoError(err)
	}
	cart.UpdatedAt = updatedAt
	return cart, nil
}

// reconcile recomputes the coupon discount against the current items and
// clamps applied credits to the remaining due. A coupon that no longer
// validates is dropped rather than carried stale.
func (s *cartService) reconcile(ctx context.Context, cart *domain.Cart) {
	if len(cart.Items) == 0 {
		cart.CouponCode = ""
		cart.DiscountAmount = 0
		cart.CreditsApplied = 0
		return
	}
	if cart.CouponCode != "" {
		result, err := s.coupons.Validate(ctx, ValidateCouponCommand{
			UserID:   cart.UserID,
			Code:     cart.CouponCode,
			Items:    cart.Items,
			Subtotal: cart.Subtotal(),
		})
		if err != nil {
			s.log(ctx, "cart.coupon_dropped", map[string]any{
				"userId": cart.UserID,
				"code":   cart.CouponCode,
				"reason": err.Error(),
			})
			cart.CouponCode = ""
			cart.DiscountAmount = 0
		} else {
			cart.DiscountAmount = result.Discount
		}
	}
	remaining := cart.Subtotal() - cart.DiscountAmount
	if remaining < 0 {
		remaining = 0
	}
	if cart.CreditsApplied > remaining {
		cart.CreditsApplied = remaining
	}
}

func (s *cartService) emptyCart(userID string) domain.Cart {
	return domain.Cart{UserID: userID, Currency: s.currency}
}

func (s *cartService) releaseQuietly(ctx context.Context, userID, checkoutSessionID string) {
	if err := s.repo.ReleaseCommitLock(ctx, userID, checkoutSessionID); err != nil {
		s.log(ctx, "cart.lock_release_failed", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
	}
}

func validateLineItem(item domain.LineItem) error {
	if item.ProductID == "" {
		return fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if item.UnitPrice < 0 {
		return fmt.Errorf("%w: unit price must not be negative", ErrCartInvalidInput)
	}
	switch item.AccountType {
	case domain.AccountTypeSubscriber, domain.AccountTypeReseller:
	default:
		return fmt.Errorf("%w: unknown account type %q", ErrCartInvalidInput, item.AccountType)
	}
	switch item.ActionType {
	case domain.ActionTypeExtend, domain.ActionTypeCreateNew:
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrCartInvalidInput, item.ActionType)
	}
	if item.ActionType == domain.ActionTypeExtend && item.RenewalServiceID == "" {
		return fmt.Errorf("%w: renewal service id is required to extend", ErrCartInvalidInput)
	}
	return nil
}

func translateCartRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrCartNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrCartConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrCartUnavailable, err)
		}
	}
	return fmt.Errorf("cart: %w", err)
}
