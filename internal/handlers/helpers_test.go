package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/auth"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

func fixedClock() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

type stubVerifier struct {
	identity *auth.Identity
	err      error
}

func (v *stubVerifier) Verify(string) (*auth.Identity, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.identity, nil
}

func testAuthenticator() *auth.Authenticator {
	return auth.NewAuthenticator(&stubVerifier{identity: &auth.Identity{
		UserID: "user-1",
		Email:  "user@example.com",
		Role:   auth.RoleUser,
	}})
}

func authedRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer test-token")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return decoded
}

type stubRepoError struct {
	msg      string
	notFound bool
	conflict bool
}

func (e stubRepoError) Error() string       { return e.msg }
func (e stubRepoError) IsNotFound() bool    { return e.notFound }
func (e stubRepoError) IsConflict() bool    { return e.conflict }
func (e stubRepoError) IsUnavailable() bool { return false }

var errStubNotFound = stubRepoError{msg: "stub: not found", notFound: true}

type stubCartService struct {
	getOrCreate  func(ctx context.Context, userID string) (domain.Cart, error)
	addItem      func(ctx context.Context, cmd services.AddCartItemCommand) (domain.Cart, error)
	removeItem   func(ctx context.Context, cmd services.RemoveCartItemCommand) (domain.Cart, error)
	applyCoupon  func(ctx context.Context, cmd services.ApplyCouponCommand) (domain.Cart, error)
	removeCoupon func(ctx context.Context, userID string) (domain.Cart, error)
	applyCredits func(ctx context.Context, cmd services.ApplyCreditsCommand) (domain.Cart, error)
	clearCart    func(ctx context.Context, userID string) error
	snapshot     func(ctx context.Context, userID, checkoutSessionID string) (domain.CartSnapshot, error)
	release      func(ctx context.Context, userID, checkoutSessionID string) error
}

func (s *stubCartService) GetOrCreateCart(ctx context.Context, userID string) (domain.Cart, error) {
	if s.getOrCreate == nil {
		return domain.Cart{UserID: userID}, nil
	}
	return s.getOrCreate(ctx, userID)
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (domain.Cart, error) {
	if s.addItem == nil {
		return domain.Cart{UserID: cmd.UserID, Items: []domain.LineItem{cmd.Item}}, nil
	}
	return s.addItem(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (domain.Cart, error) {
	if s.removeItem == nil {
		return domain.Cart{UserID: cmd.UserID}, nil
	}
	return s.removeItem(ctx, cmd)
}

func (s *stubCartService) ApplyCoupon(ctx context.Context, cmd services.ApplyCouponCommand) (domain.Cart, error) {
	if s.applyCoupon == nil {
		return domain.Cart{UserID: cmd.UserID, CouponCode: cmd.Code}, nil
	}
	return s.applyCoupon(ctx, cmd)
}

func (s *stubCartService) RemoveCoupon(ctx context.Context, userID string) (domain.Cart, error) {
	if s.removeCoupon == nil {
		return domain.Cart{UserID: userID}, nil
	}
	return s.removeCoupon(ctx, userID)
}

func (s *stubCartService) ApplyCredits(ctx context.Context, cmd services.ApplyCreditsCommand) (domain.Cart, error) {
	if s.applyCredits == nil {
		return domain.Cart{UserID: cmd.UserID, CreditsApplied: cmd.Amount}, nil
	}
	return s.applyCredits(ctx, cmd)
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearCart == nil {
		return nil
	}
	return s.clearCart(ctx, userID)
}

func (s *stubCartService) Snapshot(ctx context.Context, userID, checkoutSessionID string) (domain.CartSnapshot, error) {
	if s.snapshot == nil {
		return domain.CartSnapshot{UserID: userID, TakenAt: fixedClock()}, nil
	}
	return s.snapshot(ctx, userID, checkoutSessionID)
}

func (s *stubCartService) ReleaseSnapshot(ctx context.Context, userID, checkoutSessionID string) error {
	if s.release == nil {
		return nil
	}
	return s.release(ctx, userID, checkoutSessionID)
}

type stubOrderService struct {
	ensureOrder     func(ctx context.Context, cmd services.EnsureOrderCommand) (domain.Order, error)
	getOrder        func(ctx context.Context, userID, orderID string) (domain.Order, error)
	orderForSession func(ctx context.Context, userID, checkoutSessionID string) (domain.Order, error)
	listOrders      func(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	setMethod       func(ctx context.Context, orderID string, method domain.PaymentMethod) error
	markAwaiting    func(ctx context.Context, orderID string) error
	markPaid        func(ctx context.Context, cmd services.MarkPaidCommand) (domain.Order, error)
	markFailed      func(ctx context.Context, orderID, reason string) error
}

func (s *stubOrderService) EnsureOrder(ctx context.Context, cmd services.EnsureOrderCommand) (domain.Order, error) {
	if s.ensureOrder == nil {
		return domain.Order{ID: "order-1", UserID: cmd.UserID, CheckoutSessionID: cmd.CheckoutSessionID, Status: domain.OrderStatusPending}, nil
	}
	return s.ensureOrder(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	if s.getOrder == nil {
		return domain.Order{ID: orderID, UserID: userID, Status: domain.OrderStatusPending}, nil
	}
	return s.getOrder(ctx, userID, orderID)
}

func (s *stubOrderService) OrderForSession(ctx context.Context, userID, checkoutSessionID string) (domain.Order, error) {
	if s.orderForSession == nil {
		return domain.Order{}, services.ErrOrderNotFound
	}
	return s.orderForSession(ctx, userID, checkoutSessionID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if s.listOrders == nil {
		return nil, nil
	}
	return s.listOrders(ctx, userID, limit)
}

func (s *stubOrderService) SetPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error {
	if s.setMethod == nil {
		return nil
	}
	return s.setMethod(ctx, orderID, method)
}

func (s *stubOrderService) MarkAwaitingPayment(ctx context.Context, orderID string) error {
	if s.markAwaiting == nil {
		return nil
	}
	return s.markAwaiting(ctx, orderID)
}

func (s *stubOrderService) MarkPaid(ctx context.Context, cmd services.MarkPaidCommand) (domain.Order, error) {
	if s.markPaid == nil {
		paidAt := fixedClock()
		return domain.Order{ID: cmd.OrderID, Status: domain.OrderStatusPaid, PaymentMethod: cmd.Method, PaidAt: &paidAt}, nil
	}
	return s.markPaid(ctx, cmd)
}

func (s *stubOrderService) MarkFailed(ctx context.Context, orderID, reason string) error {
	if s.markFailed == nil {
		return nil
	}
	return s.markFailed(ctx, orderID, reason)
}

type stubCreditService struct {
	balance func(ctx context.Context, userID string) (domain.CreditBalance, error)
	deduct  func(ctx context.Context, cmd services.DeductCreditsCommand) (domain.CreditBalance, error)
	grant   func(ctx context.Context, cmd services.GrantCreditsCommand) (domain.CreditBalance, error)
	history func(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error)
}

func (s *stubCreditService) Balance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	if s.balance == nil {
		return domain.CreditBalance{UserID: userID}, nil
	}
	return s.balance(ctx, userID)
}

func (s *stubCreditService) Deduct(ctx context.Context, cmd services.DeductCreditsCommand) (domain.CreditBalance, error) {
	if s.deduct == nil {
		return domain.CreditBalance{UserID: cmd.UserID}, nil
	}
	return s.deduct(ctx, cmd)
}

func (s *stubCreditService) Grant(ctx context.Context, cmd services.GrantCreditsCommand) (domain.CreditBalance, error) {
	if s.grant == nil {
		return domain.CreditBalance{UserID: cmd.UserID, Amount: cmd.Amount, UpdatedAt: fixedClock()}, nil
	}
	return s.grant(ctx, cmd)
}

func (s *stubCreditService) History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history(ctx, userID, limit)
}

type stubAdapter struct {
	method  domain.PaymentMethod
	flow    gateway.Flow
	create  func(ctx context.Context, req gateway.CreateSessionRequest) (gateway.Session, error)
	confirm func(ctx context.Context, session gateway.Session, req gateway.ConfirmRequest) (gateway.ConfirmResult, error)
}

func (a *stubAdapter) Method() domain.PaymentMethod { return a.method }
func (a *stubAdapter) FlowKind() gateway.Flow       { return a.flow }

func (a *stubAdapter) CreateSession(ctx context.Context, req gateway.CreateSessionRequest) (gateway.Session, error) {
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
	if a.confirm == nil {
		return gateway.ConfirmResult{Outcome: gateway.OutcomePending}, nil
	}
	return a.confirm(ctx, session, req)
}

type stubSessionRepo struct {
	save            func(ctx context.Context, session gateway.Session) error
	get             func(ctx context.Context, sessionID string) (gateway.Session, error)
	findOpen        func(ctx context.Context, orderID string, method domain.PaymentMethod) (gateway.Session, error)
	findByReference func(ctx context.Context, method domain.PaymentMethod, reference string) (gateway.Session, error)
	updateState     func(ctx context.Context, sessionID string, state gateway.SessionState, confirmations int) error
}

func (s *stubSessionRepo) Save(ctx context.Context, session gateway.Session) error {
	if s.save == nil {
		return nil
	}
	return s.save(ctx, session)
}

func (s *stubSessionRepo) Get(ctx context.Context, sessionID string) (gateway.Session, error) {
	if s.get == nil {
		return gateway.Session{}, errStubNotFound
	}
	return s.get(ctx, sessionID)
}

func (s *stubSessionRepo) FindOpen(ctx context.Context, orderID string, method domain.PaymentMethod) (gateway.Session, error) {
	if s.findOpen == nil {
		return gateway.Session{}, errStubNotFound
	}
	return s.findOpen(ctx, orderID, method)
}

func (s *stubSessionRepo) FindByReference(ctx context.Context, method domain.PaymentMethod, reference string) (gateway.Session, error) {
	if s.findByReference == nil {
		return gateway.Session{}, errStubNotFound
	}
	return s.findByReference(ctx, method, reference)
}

func (s *stubSessionRepo) UpdateState(ctx context.Context, sessionID string, state gateway.SessionState, confirmations int) error {
	if s.updateState == nil {
		return nil
	}
	return s.updateState(ctx, sessionID, state, confirmations)
}
