package services

import (
	"context"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

type stubRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepoError) Error() string       { return e.msg }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return e.unavailable }

var (
	errStubNotFound    = stubRepoError{msg: "stub: not found", notFound: true}
	errStubConflict    = stubRepoError{msg: "stub: conflict", conflict: true}
	errStubUnavailable = stubRepoError{msg: "stub: unavailable", unavailable: true}
)

type stubCartRepo struct {
	get     func(ctx context.Context, userID string) (domain.Cart, error)
	upsert  func(ctx context.Context, cart domain.Cart, expected time.Time) (time.Time, error)
	clear   func(ctx context.Context, userID string) error
	acquire func(ctx context.Context, userID, checkoutSessionID string) error
	release func(ctx context.Context, userID, checkoutSessionID string) error
}

func (r *stubCartRepo) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r.get == nil {
		return domain.Cart{}, errStubNotFound
	}
	return r.get(ctx, userID)
}

func (r *stubCartRepo) Upsert(ctx context.Context, cart domain.Cart, expected time.Time) (time.Time, error) {
	if r.upsert == nil {
		return cart.UpdatedAt, nil
	}
	return r.upsert(ctx, cart, expected)
}

func (r *stubCartRepo) Clear(ctx context.Context, userID string) error {
	if r.clear == nil {
		return nil
	}
	return r.clear(ctx, userID)
}

func (r *stubCartRepo) AcquireCommitLock(ctx context.Context, userID, checkoutSessionID string) error {
	if r.acquire == nil {
		return nil
	}
	return r.acquire(ctx, userID, checkoutSessionID)
}

func (r *stubCartRepo) ReleaseCommitLock(ctx context.Context, userID, checkoutSessionID string) error {
	if r.release == nil {
		return nil
	}
	return r.release(ctx, userID, checkoutSessionID)
}

type stubOrderRepo struct {
	create            func(ctx context.Context, order domain.Order) error
	get               func(ctx context.Context, orderID string) (domain.Order, error)
	findBySession     func(ctx context.Context, checkoutSessionID string) (domain.Order, error)
	listByUser        func(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	updateStatus      func(ctx context.Context, orderID string, status domain.OrderStatus, reason string, paidAt *time.Time) error
	setPaymentMethod  func(ctx context.Context, orderID string, method domain.PaymentMethod) error
}

func (r *stubOrderRepo) Create(ctx context.Context, order domain.Order) error {
	if r.create == nil {
		return nil
	}
	return r.create(ctx, order)
}

func (r *stubOrderRepo) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if r.get == nil {
		return domain.Order{}, errStubNotFound
	}
	return r.get(ctx, orderID)
}

func (r *stubOrderRepo) FindByCheckoutSession(ctx context.Context, checkoutSessionID string) (domain.Order, error) {
	if r.findBySession == nil {
		return domain.Order{}, errStubNotFound
	}
	return r.findBySession(ctx, checkoutSessionID)
}

func (r *stubOrderRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if r.listByUser == nil {
		return nil, nil
	}
	return r.listByUser(ctx, userID, limit)
}

func (r *stubOrderRepo) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, reason string, paidAt *time.Time) error {
	if r.updateStatus == nil {
		return nil
	}
	return r.updateStatus(ctx, orderID, status, reason, paidAt)
}

func (r *stubOrderRepo) SetPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error {
	if r.setPaymentMethod == nil {
		return nil
	}
	return r.setPaymentMethod(ctx, orderID, method)
}

type stubCouponRepo struct {
	getByCode      func(ctx context.Context, code string) (domain.Coupon, error)
	incrementUsage func(ctx context.Context, code string) error
}

func (r *stubCouponRepo) GetByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r.getByCode == nil {
		return domain.Coupon{}, errStubNotFound
	}
	return r.getByCode(ctx, code)
}

func (r *stubCouponRepo) IncrementUsage(ctx context.Context, code string) error {
	if r.incrementUsage == nil {
		return nil
	}
	return r.incrementUsage(ctx, code)
}

type stubCouponUsageRepo struct {
	record      func(ctx context.Context, usage domain.CouponUsage) error
	countByUser func(ctx context.Context, code, userID string) (int, error)
}

func (r *stubCouponUsageRepo) Record(ctx context.Context, usage domain.CouponUsage) error {
	if r.record == nil {
		return nil
	}
	return r.record(ctx, usage)
}

func (r *stubCouponUsageRepo) CountByUser(ctx context.Context, code, userID string) (int, error) {
	if r.countByUser == nil {
		return 0, nil
	}
	return r.countByUser(ctx, code, userID)
}

type stubCreditRepo struct {
	balance          func(ctx context.Context, userID string) (domain.CreditBalance, error)
	apply            func(ctx context.Context, userID string, delta int64, tx domain.CreditTransaction) (domain.CreditBalance, error)
	listTransactions func(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

func (r *stubCreditRepo) Balance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	if r.balance == nil {
		return domain.CreditBalance{UserID: userID}, nil
	}
	return r.balance(ctx, userID)
}

func (r *stubCreditRepo) Apply(ctx context.Context, userID string, delta int64, tx domain.CreditTransaction) (domain.CreditBalance, error) {
	if r.apply == nil {
		return domain.CreditBalance{UserID: userID, Amount: delta}, nil
	}
	return r.apply(ctx, userID, delta, tx)
}

func (r *stubCreditRepo) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if r.listTransactions == nil {
		return nil, nil
	}
	return r.listTransactions(ctx, userID, limit)
}

type stubCouponService struct {
	validate func(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error)
	redeem   func(ctx context.Context, cmd RedeemCouponCommand) error
}

func (s *stubCouponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidationResult, error) {
	if s.validate == nil {
		return CouponValidationResult{}, ErrCouponNotFound
	}
	return s.validate(ctx, cmd)
}

func (s *stubCouponService) Redeem(ctx context.Context, cmd RedeemCouponCommand) error {
	if s.redeem == nil {
		return nil
	}
	return s.redeem(ctx, cmd)
}

type stubCreditService struct {
	balance func(ctx context.Context, userID string) (domain.CreditBalance, error)
	deduct  func(ctx context.Context, cmd DeductCreditsCommand) (domain.CreditBalance, error)
	grant   func(ctx context.Context, cmd GrantCreditsCommand) (domain.CreditBalance, error)
	history func(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

func (s *stubCreditService) Balance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	if s.balance == nil {
		return domain.CreditBalance{UserID: userID}, nil
	}
	return s.balance(ctx, userID)
}

func (s *stubCreditService) Deduct(ctx context.Context, cmd DeductCreditsCommand) (domain.CreditBalance, error) {
	if s.deduct == nil {
		return domain.CreditBalance{UserID: cmd.UserID}, nil
	}
	return s.deduct(ctx, cmd)
}

func (s *stubCreditService) Grant(ctx context.Context, cmd GrantCreditsCommand) (domain.CreditBalance, error) {
	if s.grant == nil {
		return domain.CreditBalance{UserID: cmd.UserID, Amount: cmd.Amount}, nil
	}
	return s.grant(ctx, cmd)
}

func (s *stubCreditService) History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history(ctx, userID, limit)
}

func subscriberItem(productID string, price int64) domain.LineItem {
	return domain.LineItem{
		ProductID:   productID,
		ProductName: "IPTV " + productID,
		TermMonths:  1,
		UnitPrice:   price,
		AccountType: domain.AccountTypeSubscriber,
		ActionType:  domain.ActionTypeCreateNew,
	}
}

func resellerItem(productID string, price int64) domain.LineItem {
	return domain.LineItem{
		ProductID:   productID,
		ProductName: "Reseller " + productID,
		UnitPrice:   price,
		AccountType: domain.AccountTypeReseller,
		ActionType:  domain.ActionTypeCreateNew,
	}
}
