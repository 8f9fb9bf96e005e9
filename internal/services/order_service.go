package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/idempotency"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

// Order errors.
var (
	ErrOrderInvalidInput = errors.New("order: invalid input")
	ErrOrderNotFound     = errors.New("order: not found")
	ErrOrderConflict     = errors.New("order: conflict")
	ErrOrderUnavailable  = errors.New("order: storage unavailable")
	// ErrInvalidResellerCredentials is returned before any storage or network
	// work when reseller panel credentials fail local validation.
	ErrInvalidResellerCredentials = errors.New("order: invalid reseller credentials")
	// ErrOrderBindingInProgress means another request holds the pending
	// reservation for the same checkout session.
	ErrOrderBindingInProgress = errors.New("order: binding in progress")
	// ErrSnapshotMismatch means the checkout session was replayed with a
	// different cart snapshot.
	ErrSnapshotMismatch = errors.New("order: checkout session bound to a different snapshot")
	ErrOrderTerminal    = errors.New("order: already in a terminal status")
)

var (
	errOrdersRepoRequired       = errors.New("order service: order repository is required")
	errOrderCartsRepoRequired   = errors.New("order service: cart repository is required")
	errOrderCouponsRequired     = errors.New("order service: coupon service is required")
	errOrderCreditsRequired     = errors.New("order service: credit service is required")
	errOrderIdempotencyRequired = errors.New("order service: idempotency store is required")
	errOrderClockRequired       = errors.New("order service: clock is required")
)

// Panel usernames are lowercase alphanumerics and underscore, at most 20
// characters. Passwords need at least 8 characters.
var resellerUsernamePattern = regexp.MustCompile(`^[a-z0-9_]{1,20}$`)

const minResellerPasswordLen = 8

// ValidateResellerCredentials checks panel credentials locally. It never
// touches storage or the network, so callers can fail fast.
func ValidateResellerCredentials(creds domain.ResellerCredentials) error {
	if !resellerUsernamePattern.MatchString(creds.Username) {
		return fmt.Errorf("%w: username must be 1-20 lowercase letters, digits or underscores", ErrInvalidResellerCredentials)
	}
	if len(creds.Password) < minResellerPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidResellerCredentials, minResellerPasswordLen)
	}
	return nil
}

// OrderServiceDeps carries the collaborators for NewOrderService.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Carts          repositories.CartRepository
	Coupons        CouponService
	Credits        CreditService
	Idempotency    idempotency.Store
	Publisher      ProvisioningPublisher
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
	IDGen          func() string
	IdempotencyTTL time.Duration
}

type orderService struct {
	orders    repositories.OrderRepository
	carts     repositories.CartRepository
	coupons   CouponService
	credits   CreditService
	idem      idempotency.Store
	publisher ProvisioningPublisher
	now       func() time.Time
	log       func(ctx context.Context, event string, fields map[string]any)
	idGen     func() string
	idemTTL   time.Duration
}

// NewOrderService wires an OrderService. Publisher may be nil; paid orders
// then skip the provisioning event.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errOrdersRepoRequired
	}
	if deps.Carts == nil {
		return nil, errOrderCartsRepoRequired
	}
	if deps.Coupons == nil {
		return nil, errOrderCouponsRequired
	}
	if deps.Credits == nil {
		return nil, errOrderCreditsRequired
	}
	if deps.Idempotency == nil {
		return nil, errOrderIdempotencyRequired
	}
	if deps.Clock == nil {
		return nil, errOrderClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	return &orderService{
		orders:    deps.Orders,
		carts:     deps.Carts,
		coupons:   deps.Coupons,
		credits:   deps.Credits,
		idem:      deps.Idempotency,
		publisher: deps.Publisher,
		now:       func() time.Time { return deps.Clock().UTC() },
		log:       logger,
		idGen:     idGen,
		idemTTL:   ttl,
	}, nil
}

var _ OrderService = (*orderService)(nil)

// EnsureOrder binds an order to a checkout session exactly once. Replays
// with the same snapshot return the already-bound order; replays with a
// different snapshot fail with ErrSnapshotMismatch.
func (s *orderService) EnsureOrder(ctx context.Context, cmd EnsureOrderCommand) (domain.Order, error) {
	if cmd.UserID == "" || cmd.CheckoutSessionID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id and checkout session id are required", ErrOrderInvalidInput)
	}
	if len(cmd.Snapshot.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: snapshot has no items", ErrOrderInvalidInput)
	}
	if cmd.Snapshot.UserID != cmd.UserID {
		return domain.Order{}, fmt.Errorf("%w: snapshot belongs to a different user", ErrOrderInvalidInput)
	}

	// Local credential validation runs before any storage work.
	if needsResellerCredentials(cmd.Snapshot.Items) {
		if cmd.Credentials == nil {
			return domain.Order{}, fmt.Errorf("%w: reseller credentials are required", ErrInvalidResellerCredentials)
		}
		if err := ValidateResellerCredentials(*cmd.Credentials); err != nil {
			return domain.Order{}, err
		}
	}

	fingerprint := snapshotFingerprint(cmd.Snapshot)
	now := s.now()
	reservation, err := s.idem.Reserve(ctx, cmd.CheckoutSessionID, fingerprint, now, s.idemTTL)
	if err != nil {
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			return domain.Order{}, ErrSnapshotMismatch
		}
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}

	switch reservation.State {
	case idempotency.ReservationStateCompleted:
		order, err := s.orders.Get(ctx, reservation.Record.OrderID)
		if err != nil {
			return domain.Order{}, translateOrderRepoError(err)
		}
		return order, nil
	case idempotency.ReservationStatePending:
		// A concurrent request reserved the key. If it already created the
		// order we can reuse it; otherwise the caller retries.
		order, err := s.orders.FindByCheckoutSession(ctx, cmd.CheckoutSessionID)
		if err == nil {
			return order, nil
		}
		if isRepoNotFound(err) {
			return domain.Order{}, ErrOrderBindingInProgress
		}
		return domain.Order{}, translateOrderRepoError(err)
	}

	order := s.buildOrder(cmd, now)
	if err := s.orders.Create(ctx, order); err != nil {
		if releaseErr := s.idem.Release(ctx, cmd.CheckoutSessionID, fingerprint); releaseErr != nil {
			s.log(ctx, "order.reservation_release_failed", map[string]any{
				"checkoutSessionId": cmd.CheckoutSessionID,
				"error":             releaseErr.Error(),
			})
		}
		return domain.Order{}, translateOrderRepoError(err)
	}
	if err := s.idem.Complete(ctx, cmd.CheckoutSessionID, fingerprint, order.ID, s.now(), s.idemTTL); err != nil {
		// The order exists; FindByCheckoutSession recovers it on replay.
		s.log(ctx, "order.reservation_complete_failed", map[string]any{
			"checkoutSessionId": cmd.CheckoutSessionID,
			"orderId":           order.ID,
			"error":             err.Error(),
		})
	}
	s.log(ctx, "order.created", map[string]any{
		"orderId":           order.ID,
		"userId":            order.UserID,
		"checkoutSessionId": cmd.CheckoutSessionID,
		"total":             order.Total,
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	if userID == "" || orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id and order id are required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, translateOrderRepoError(err)
	}
	if order.UserID != userID {
		return domain.Order{}, fmt.Errorf("%w: order %q", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// OrderForSession returns the order bound to a checkout session, scoped to
// its owner.
func (s *orderService) OrderForSession(ctx context.Context, userID, checkoutSessionID string) (domain.Order, error) {
	if userID == "" || checkoutSessionID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id and checkout session id are required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByCheckoutSession(ctx, checkoutSessionID)
	if err != nil {
		return domain.Order{}, translateOrderRepoError(err)
	}
	if order.UserID != userID {
		return domain.Order{}, fmt.Errorf("%w: checkout session %q", ErrOrderNotFound, checkoutSessionID)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}
	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, translateOrderRepoError(err)
	}
	return orders, nil
}

func (s *orderService) SetPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error {
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !domain.ValidMethod(string(method)) {
		return fmt.Errorf("%w: unknown payment method %q", ErrOrderInvalidInput, method)
	}
	if err := s.orders.SetPaymentMethod(ctx, orderID, method); err != nil {
		return translateOrderRepoError(err)
	}
	return nil
}

// MarkAwaitingPayment records that a gateway session is open and the order
// is waiting on the customer or the provider.
func (s *orderService) MarkAwaitingPayment(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return translateOrderRepoError(err)
	}
	if order.Terminal() {
		return fmt.Errorf("%w: status %s", ErrOrderTerminal, order.Status)
	}
	if order.Status == domain.OrderStatusAwaitingPayment {
		return nil
	}
	if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusAwaitingPayment, "", nil); err != nil {
		return translateOrderRepoError(err)
	}
	return nil
}

// MarkPaid finalises the order and runs the post-payment reconciliation:
// coupon redemption, credit deduction, cart clearing and the provisioning
// event. The payment itself has already settled, so reconciliation failures
// are logged and do not fail the call.
func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (domain.Order, error) {
	if cmd.OrderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return domain.Order{}, translateOrderRepoError(err)
	}
	if order.Status == domain.OrderStatusPaid {
		return order, nil
	}
	if order.Terminal() {
		return domain.Order{}, fmt.Errorf("%w: status %s", ErrOrderTerminal, order.Status)
	}
	paidAt := s.now()
	if err := s.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusPaid, "", &paidAt); err != nil {
		return domain.Order{}, translateOrderRepoError(err)
	}
	order.Status = domain.OrderStatusPaid
	order.PaidAt = &paidAt
	order.UpdatedAt = paidAt
	if cmd.Method != "" {
		order.PaymentMethod = cmd.Method
	}

	if order.CouponCode != "" {
		if err := s.coupons.Redeem(ctx, RedeemCouponCommand{
			UserID:  order.UserID,
			Code:    order.CouponCode,
			OrderID: order.ID,
			Amount:  order.DiscountAmount,
		}); err != nil {
			s.log(ctx, "order.coupon_redeem_failed", map[string]any{
				"orderId": order.ID, "code": order.CouponCode, "error": err.Error(),
			})
		}
	}
	if order.CreditsUsed > 0 {
		if _, err := s.credits.Deduct(ctx, DeductCreditsCommand{
			UserID:  order.UserID,
			Amount:  order.CreditsUsed,
			OrderID: order.ID,
			Note:    "applied at checkout",
		}); err != nil {
			s.log(ctx, "order.credit_deduct_failed", map[string]any{
				"orderId": order.ID, "amount": order.CreditsUsed, "error": err.Error(),
			})
		}
	}
	if err := s.carts.Clear(ctx, order.UserID); err != nil && !isRepoNotFound(err) {
		s.log(ctx, "order.cart_clear_failed", map[string]any{
			"orderId": order.ID, "userId": order.UserID, "error": err.Error(),
		})
	}
	if s.publisher != nil {
		if msgID, err := s.publisher.PublishPaidOrder(ctx, order); err != nil {
			s.log(ctx, "order.provisioning_publish_failed", map[string]any{
				"orderId": order.ID, "error": err.Error(),
			})
		} else {
			s.log(ctx, "order.provisioning_published", map[string]any{
				"orderId": order.ID, "messageId": msgID,
			})
		}
	}
	s.log(ctx, "order.paid", map[string]any{
		"orderId":   order.ID,
		"userId":    order.UserID,
		"method":    string(order.PaymentMethod),
		"reference": cmd.ProviderReference,
	})
	return order, nil
}

func (s *orderService) MarkFailed(ctx context.Context, orderID string, reason string) error {
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return translateOrderRepoError(err)
	}
	if order.Terminal() {
		return fmt.Errorf("%w: status %s", ErrOrderTerminal, order.Status)
	}
	if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusFailed, reason, nil); err != nil {
		return translateOrderRepoError(err)
	}
	s.log(ctx, "order.failed", map[string]any{"orderId": orderID, "reason": reason})
	return nil
}

func (s *orderService) buildOrder(cmd EnsureOrderCommand, now time.Time) domain.Order {
	items := make([]domain.LineItem, len(cmd.Snapshot.Items))
	copy(items, cmd.Snapshot.Items)
	return domain.Order{
		ID:                  s.idGen(),
		UserID:              cmd.UserID,
		CheckoutSessionID:   cmd.CheckoutSessionID,
		Items:               items,
		Subtotal:            cmd.Snapshot.Subtotal,
		DiscountAmount:      cmd.Snapshot.DiscountAmount,
		CouponCode:          cmd.Snapshot.CouponCode,
		CreditsUsed:         cmd.Snapshot.CreditsApplied,
		Total:               cmd.Snapshot.TotalDue(),
		Currency:            cmd.Snapshot.Currency,
		ResellerCredentials: cmd.Credentials,
		Status:              domain.OrderStatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func needsResellerCredentials(items []domain.LineItem) bool {
	for _, item := range items {
		if item.AccountType == domain.AccountTypeReseller && item.ActionType == domain.ActionTypeCreateNew {
			return true
		}
	}
	return false
}

// snapshotFingerprint hashes the economically relevant snapshot fields.
// TakenAt is excluded so retaking an identical snapshot replays cleanly.
func snapshotFingerprint(snapshot domain.CartSnapshot) string {
	payload := struct {
		UserID         string            `json:"userId"`
		Items          []domain.LineItem `json:"items"`
		Subtotal       int64             `json:"subtotal"`
		DiscountAmount int64             `json:"discountAmount"`
		CouponCode     string            `json:"couponCode"`
		CreditsApplied int64             `json:"creditsApplied"`
		Currency       string            `json:"currency"`
	}{
		UserID:         snapshot.UserID,
		Items:          snapshot.Items,
		Subtotal:       snapshot.Subtotal,
		DiscountAmount: snapshot.DiscountAmount,
		CouponCode:     snapshot.CouponCode,
		CreditsApplied: snapshot.CreditsApplied,
		Currency:       snapshot.Currency,
	}
	raw, _ := json.Marshal(payload)
	return idempotency.Fingerprint(raw)
}

func translateOrderRepoError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}
	return fmt.Errorf("order: %w", err)
}
