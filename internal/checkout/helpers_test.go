package checkout

import (
	"context"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
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

var errStubNotFound = stubRepoError{msg: "stub: not found", notFound: true}

type stubAdapter struct {
	method       domain.PaymentMethod
	flow         gateway.Flow
	create       func(ctx context.Context, req gateway.CreateSessionRequest) (gateway.Session, error)
	confirm      func(ctx context.Context, session gateway.Session, req gateway.ConfirmRequest) (gateway.ConfirmResult, error)
	createCalls  int
	confirmCalls int
}

func (a *stubAdapter) Method() domain.PaymentMethod { return a.method }
func (a *stubAdapter) FlowKind() gateway.Flow       { return a.flow }

func (a *stubAdapter) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (gateway.Session, error) {
	a.createCalls++
	if a.create == nil {
		return gateway.Session{
			ID:        "sess-1",
			OrderID:   req.Order.ID,
			UserID:    req.Order.UserID,
			Method:    a.method,
			Flow:      a.flow,
			State:     gateway.SessionAwaitingUserAction,
			Reference: "ref-1",
			Amount:    req.Order.Total,
			Currency:  req.Order.Currency,
			CreatedAt: fixedClock(),
			UpdatedAt: fixedClock(),
		}, nil
	}
	return a.create(ctx, req)
}

func (a *stubAdapter) Confirm(ctx context.Context, session gateway.Session, req gateway.ConfirmRequest) (gateway.ConfirmResult, error) {
	a.confirmCalls++
	if a.confirm == nil {
		return gateway.ConfirmResult{Outcome: gateway.OutcomePending}, nil
	}
	return a.confirm(ctx, session, req)
}

type stubCartService struct {
	snapshot        func(ctx context.Context, userID, checkoutSessionID string) (domain.CartSnapshot, error)
	releaseSnapshot func(ctx context.Context, userID, checkoutSessionID string) error
	clearCart       func(ctx context.Context, userID string) error
}

func (s *stubCartService) GetOrCreateCart(context.Context, string) (domain.Cart, error) {
	return domain.Cart{}, nil
}

func (s *stubCartService) AddItem(context.Context, services.AddCartItemCommand) (domain.Cart, error) {
	return domain.Cart{}, nil
}

func (s *stubCartService) RemoveItem(context.Context, services.RemoveCartItemCommand) (domain.Cart, error) {
	return domain.Cart{}, nil
}

func (s *stubCartService) ApplyCoupon(context.Context, services.ApplyCouponCommand) (domain.Cart, error) {
	return domain.Cart{}, nil
}

func (s *stubCartService) RemoveCoupon(context.Context, string) (domain.Cart, error) {
	return domain.Cart{}, nil
}

func (s *stubCartService) ApplyCredits(context.Context, services.ApplyCreditsCommand) (domain.Cart, error) {
	return domain.Cart{}, nil
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearCart == nil {
		return nil
	}
	return s.clearCart(ctx, userID)
}

func (s *stubCartService) Snapshot(ctx context.Context, userID, checkoutSessionID string) (domain.CartSnapshot, error) {
	if s.snapshot == nil {
		return domain.CartSnapshot{}, services.ErrCartEmpty
	}
	return s.snapshot(ctx, userID, checkoutSessionID)
}

func (s *stubCartService) ReleaseSnapshot(ctx context.Context, userID, checkoutSessionID string) error {
	if s.releaseSnapshot == nil {
		return nil
	}
	return s.releaseSnapshot(ctx, userID, checkoutSessionID)
}

type stubOrderService struct {
	ensureOrder         func(ctx context.Context, cmd services.EnsureOrderCommand) (domain.Order, error)
	getOrder            func(ctx context.Context, userID, orderID string) (domain.Order, error)
	orderForSession     func(ctx context.Context, userID, checkoutSessionID string) (domain.Order, error)
	setPaymentMethod    func(ctx context.Context, orderID string, method domain.PaymentMethod) error
	markAwaitingPayment func(ctx context.Context, orderID string) error
	markPaid            func(ctx context.Context, cmd services.MarkPaidCommand) (domain.Order, error)
	markFailed          func(ctx context.Context, orderID string, reason string) error
}

func (s *stubOrderService) EnsureOrder(ctx context.Context, cmd services.EnsureOrderCommand) (domain.Order, error) {
	if s.ensureOrder == nil {
		return domain.Order{}, services.ErrOrderUnavailable
	}
	return s.ensureOrder(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	if s.getOrder == nil {
		return domain.Order{}, services.ErrOrderNotFound
	}
	return s.getOrder(ctx, userID, orderID)
}

func (s *stubOrderService) OrderForSession(ctx context.Context, userID, checkoutSessionID string) (domain.Order, error) {
	if s.orderForSession == nil {
		return domain.Order{}, services.ErrOrderNotFound
	}
	return s.orderForSession(ctx, userID, checkoutSessionID)
}

func (s *stubOrderService) ListOrders(context.Context, string, int) ([]domain.Order, error) {
	return nil, nil
}

func (s *stubOrderService) SetPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error {
	if s.setPaymentMethod == nil {
		return nil
	}
	return s.setPaymentMethod(ctx, orderID, method)
}

func (s *stubOrderService) MarkAwaitingPayment(ctx context.Context, orderID string) error {
	if s.markAwaitingPayment == nil {
		return nil
	}
	return s.markAwaitingPayment(ctx, orderID)
}

func (s *stubOrderService) MarkPaid(ctx context.Context, cmd services.MarkPaidCommand) (domain.Order, error) {
	if s.markPaid == nil {
		return domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusPaid}, nil
	}
	return s.markPaid(ctx, cmd)
}

func (s *stubOrderService) MarkFailed(ctx context.Context, orderID string, reason string) error {
	if s.markFailed == nil {
		return nil
	}
	return s.markFailed(ctx, orderID, reason)
}

type stubSessionRepo struct {
	save            func(ctx context.Context, session gateway.Session) error
	get             func(ctx context.Context, sessionID string) (gateway.Session, error)
	findOpen        func(ctx context.Context, orderID string, method domain.PaymentMethod) (gateway.Session, error)
	findByReference func(ctx context.Context, method domain.PaymentMethod, reference string) (gateway.Session, error)
	updateState     func(ctx context.Context, sessionID string, state gateway.SessionState, confirmations int) error
}

func (r *stubSessionRepo) Save(ctx context.Context, session gateway.Session) error {
	if r.save == nil {
		return nil
	}
	return r.save(ctx, session)
}

func (r *stubSessionRepo) Get(ctx context.Context, sessionID string) (gateway.Session, error) {
	if r.get == nil {
		return gateway.Session{}, errStubNotFound
	}
	return r.get(ctx, sessionID)
}

func (r *stubSessionRepo) FindOpen(ctx context.Context, orderID string, method domain.PaymentMethod) (gateway.Session, error) {
	if r.findOpen == nil {
		return gateway.Session{}, errStubNotFound
	}
	return r.findOpen(ctx, orderID, method)
}

func (r *stubSessionRepo) FindByReference(ctx context.Context, method domain.PaymentMethod, reference string) (gateway.Session, error) {
	if r.findByReference == nil {
		return gateway.Session{}, errStubNotFound
	}
	return r.findByReference(ctx, method, reference)
}

func (r *stubSessionRepo) UpdateState(ctx context.Context, sessionID string, state gateway.SessionState, confirmations int) error {
	if r.updateState == nil {
		return nil
	}
	return r.updateState(ctx, sessionID, state, confirmations)
}

func testPoller() *Poller {
	poller, err := NewPoller(PollerConfig{
		Card:   PollProfile{Interval: time.Millisecond, MaxAttempts: 5},
		Crypto: PollProfile{Interval: time.Millisecond, MaxAttempts: 10},
	})
	if err != nil {
		panic(err)
	}
	return poller
}
