package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

func newTestOrchestrator(t *testing.T, carts *stubCartService, orders *stubOrderService, sessions *stubSessionRepo, adapters ...gateway.Adapter) *Orchestrator {
	t.Helper()
	enabled := make([]domain.PaymentMethod, 0, len(adapters))
	for _, adapter := range adapters {
		enabled = append(enabled, adapter.Method())
	}
	registry, err := gateway.NewRegistry(gateway.RegistryConfig{Adapters: adapters, Enabled: enabled})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	orchestrator, err := NewOrchestrator(OrchestratorDeps{
		Carts:      carts,
		Orders:     orders,
		Gateways:   registry,
		Sessions:   sessions,
		Poller:     testPoller(),
		Clock:      fixedClock,
		IDGen:      func() string { return "cs-generated" },
		SuccessURL: "https://shop.example/checkout/success",
		CancelURL:  "https://shop.example/checkout/cancel",
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orchestrator
}

func snapshotFor(items []domain.LineItem, discount, credits int64) domain.CartSnapshot {
	return domain.Cart{
		UserID:         "user-1",
		Items:          items,
		DiscountAmount: discount,
		CreditsApplied: credits,
		Currency:       "USD",
	}.Snapshot(fixedClock())
}

func orderFrom(snapshot domain.CartSnapshot, id string) domain.Order {
	return domain.Order{
		ID:                id,
		UserID:            snapshot.UserID,
		CheckoutSessionID: "cs-generated",
		Items:             snapshot.Items,
		Subtotal:          snapshot.Subtotal,
		DiscountAmount:    snapshot.DiscountAmount,
		CreditsUsed:       snapshot.CreditsApplied,
		Total:             snapshot.TotalDue(),
		Currency:          snapshot.Currency,
		Status:            domain.OrderStatusPending,
		CreatedAt:         fixedClock(),
		UpdatedAt:         fixedClock(),
	}
}

func basicItem(price int64) domain.LineItem {
	return domain.LineItem{
		ProductID:   "basic",
		ProductName: "IPTV Basic",
		TermMonths:  1,
		UnitPrice:   price,
		AccountType: domain.AccountTypeSubscriber,
		ActionType:  domain.ActionTypeCreateNew,
	}
}

// A $50 cart fully covered by credits settles without touching any adapter.
func TestBeginZeroTotalShortCircuits(t *testing.T) {
	snapshot := snapshotFor([]domain.LineItem{basicItem(5000)}, 0, 5000)
	if snapshot.TotalDue() != 0 {
		t.Fatalf("TotalDue = %d, want 0", snapshot.TotalDue())
	}

	adapter := &stubAdapter{method: domain.MethodStripe, flow: gateway.FlowRedirect}
	cartCleared := false
	carts := &stubCartService{
		snapshot: func(context.Context, string, string) (domain.CartSnapshot, error) {
			return snapshot, nil
		},
		clearCart: func(context.Context, string) error {
			cartCleared = true
			return nil
		},
	}
	markPaidCalled := false
	orders := &stubOrderService{
		ensureOrder: func(_ context.Context, cmd services.EnsureOrderCommand) (domain.Order, error) {
			return orderFrom(cmd.Snapshot, "order-1"), nil
		},
		markPaid: func(_ context.Context, cmd services.MarkPaidCommand) (domain.Order, error) {
			markPaidCalled = true
			order := orderFrom(snapshot, cmd.OrderID)
			order.Status = domain.OrderStatusPaid
			return order, nil
		},
	}
	orchestrator := newTestOrchestrator(t, carts, orders, &stubSessionRepo{}, adapter)

	result, err := orchestrator.Begin(context.Background(), BeginCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("State = %s, want done", result.State)
	}
	if !markPaidCalled {
		t.Fatalf("zero-total order was not marked paid")
	}
	if adapter.createCalls != 0 || adapter.confirmCalls != 0 {
		t.Fatalf("gateway touched for zero-total order: create=%d confirm=%d", adapter.createCalls, adapter.confirmCalls)
	}
	_ = cartCleared // clearing happens inside the order service's MarkPaid
}

// Replaying Begin after the checkout settled reports the paid order instead
// of locking the emptied cart.
func TestBeginReplayAfterPaidOrderIsDone(t *testing.T) {
	paid := domain.Order{ID: "order-1", UserID: "user-1", CheckoutSessionID: "cs-1", Status: domain.OrderStatusPaid, Total: 2499}
	snapshotCalled := false
	carts := &stubCartService{
		snapshot: func(context.Context, string, string) (domain.CartSnapshot, error) {
			snapshotCalled = true
			return domain.CartSnapshot{}, services.ErrCartEmpty
		},
	}
	orders := &stubOrderService{
		orderForSession: func(_ context.Context, userID, checkoutSessionID string) (domain.Order, error) {
			if userID != "user-1" || checkoutSessionID != "cs-1" {
				return domain.Order{}, services.ErrOrderNotFound
			}
			return paid, nil
		},
	}
	orchestrator := newTestOrchestrator(t, carts, orders, &stubSessionRepo{},
		&stubAdapter{method: domain.MethodManual, flow: gateway.FlowImmediate})

	result, err := orchestrator.Begin(context.Background(), BeginCommand{UserID: "user-1", CheckoutSessionID: "cs-1"})
	if err != nil {
		t.Fatalf("Begin replay: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("State = %s, want done", result.State)
	}
	if result.Order.ID != "order-1" {
		t.Fatalf("Order.ID = %q, want order-1", result.Order.ID)
	}
	if snapshotCalled {
		t.Fatalf("cart was re-locked on replay")
	}
}

func TestBeginReleasesLockWhenOrderCreationFails(t *testing.T) {
	released := false
	carts := &stubCartService{
		snapshot: func(context.Context, string, string) (domain.CartSnapshot, error) {
			return snapshotFor([]domain.LineItem{basicItem(2999)}, 0, 0), nil
		},
		releaseSnapshot: func(context.Context, string, string) error {
			released = true
			return nil
		},
	}
	orders := &stubOrderService{
		ensureOrder: func(context.Context, services.EnsureOrderCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderUnavailable
		},
	}
	orchestrator := newTestOrchestrator(t, carts, orders, &stubSessionRepo{},
		&stubAdapter{method: domain.MethodManual, flow: gateway.FlowImmediate})

	_, err := orchestrator.Begin(context.Background(), BeginCommand{UserID: "user-1"})
	if !errors.Is(err, services.ErrOrderUnavailable) {
		t.Fatalf("err = %v, want ErrOrderUnavailable", err)
	}
	if !released {
		t.Fatalf("commit lock not released after order failure")
	}
}

// The $29.99 cart with a $5 coupon pays $24.99 via the manual method: the
// checkout finishes, the order stays pending for the operator and the cart
// is cleared.
func TestManualCheckoutEndToEnd(t *testing.T) {
	snapshot := snapshotFor([]domain.LineItem{basicItem(2999)}, 500, 0)
	order := orderFrom(snapshot, "order-1")
	if order.Total != 2499 {
		t.Fatalf("Total = %d, want 2499", order.Total)
	}

	manual := &stubAdapter{
		method: domain.MethodManual,
		flow:   gateway.FlowImmediate,
		create: func(_ context.Context, req gateway.CreateSessionRequest) (gateway.Session, error) {
			return gateway.Session{
				ID:        "sess-manual",
				OrderID:   req.Order.ID,
				Method:    domain.MethodManual,
				Flow:      gateway.FlowImmediate,
				State:     gateway.SessionAwaitingConfirmation,
				Reference: "manual_" + req.Order.ID,
				Amount:    req.Order.Total,
				Currency:  req.Order.Currency,
			}, nil
		},
	}

	cartCleared := false
	carts := &stubCartService{
		snapshot: func(context.Context, string, string) (domain.CartSnapshot, error) {
			return snapshot, nil
		},
		clearCart: func(context.Context, string) error {
			cartCleared = true
			return nil
		},
	}
	var savedSession *gateway.Session
	sessions := &stubSessionRepo{
		save: func(_ context.Context, session gateway.Session) error {
			savedSession = &session
			return nil
		},
	}
	methodSet := domain.PaymentMethod("")
	orders := &stubOrderService{
		ensureOrder: func(context.Context, services.EnsureOrderCommand) (domain.Order, error) {
			return order, nil
		},
		getOrder: func(context.Context, string, string) (domain.Order, error) {
			return order, nil
		},
		setPaymentMethod: func(_ context.Context, _ string, method domain.PaymentMethod) error {
			methodSet = method
			return nil
		},
	}
	orchestrator := newTestOrchestrator(t, carts, orders, sessions, manual)

	begun, err := orchestrator.Begin(context.Background(), BeginCommand{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if begun.State != StateSelectingMethod {
		t.Fatalf("State after Begin = %s, want selecting_method", begun.State)
	}

	result, err := orchestrator.StartPayment(context.Background(), StartPaymentCommand{
		UserID:  "user-1",
		OrderID: "order-1",
		Method:  domain.MethodManual,
	})
	if err != nil {
		t.Fatalf("StartPayment: %v", err)
	}
	if result.State != StateDone {
		t.Fatalf("State = %s, want done", result.State)
	}
	if result.Order.Status != domain.OrderStatusPending {
		t.Fatalf("order status = %s, want pending", result.Order.Status)
	}
	if !cartCleared {
		t.Fatalf("cart not cleared after manual checkout")
	}
	if savedSession == nil || savedSession.Reference != "manual_order-1" {
		t.Fatalf("session not persisted: %+v", savedSession)
	}
	if methodSet != domain.MethodManual {
		t.Fatalf("payment method not recorded: %q", methodSet)
	}
}

func TestStartPaymentReusesOpenSession(t *testing.T) {
	order := orderFrom(snapshotFor([]domain.LineItem{basicItem(2999)}, 0, 0), "order-1")
	existing := gateway.Session{
		ID:        "sess-1",
		OrderID:   "order-1",
		Method:    domain.MethodStripe,
		Flow:      gateway.FlowRedirect,
		State:     gateway.SessionAwaitingUserAction,
		Reference: "cs_live_123",
	}
	adapter := &stubAdapter{method: domain.MethodStripe, flow: gateway.FlowRedirect}
	orders := &stubOrderService{
		getOrder: func(context.Context, string, string) (domain.Order, error) { return order, nil },
	}
	sessions := &stubSessionRepo{
		findOpen: func(context.Context, string, domain.PaymentMethod) (gateway.Session, error) {
			return existing, nil
		},
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, orders, sessions, adapter)

	result, err := orchestrator.StartPayment(context.Background(), StartPaymentCommand{
		UserID: "user-1", OrderID: "order-1", Method: domain.MethodStripe,
	})
	if err != nil {
		t.Fatalf("StartPayment: %v", err)
	}
	if adapter.createCalls != 0 {
		t.Fatalf("duplicate provider session created")
	}
	if result.Session == nil || result.Session.ID != "sess-1" {
		t.Fatalf("open session not reused: %+v", result.Session)
	}
}

func TestStartPaymentRejectionReturnsToMethodSelection(t *testing.T) {
	order := orderFrom(snapshotFor([]domain.LineItem{basicItem(2999)}, 0, 0), "order-1")
	adapter := &stubAdapter{
		method: domain.MethodSquare,
		flow:   gateway.FlowWidget,
		create: func(context.Context, gateway.CreateSessionRequest) (gateway.Session, error) {
			return gateway.Session{}, gateway.ErrRejected
		},
	}
	orders := &stubOrderService{
		getOrder: func(context.Context, string, string) (domain.Order, error) { return order, nil },
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, orders, &stubSessionRepo{}, adapter)

	result, err := orchestrator.StartPayment(context.Background(), StartPaymentCommand{
		UserID: "user-1", OrderID: "order-1", Method: domain.MethodSquare,
	})
	if !errors.Is(err, gateway.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if result.State != StateSelectingMethod {
		t.Fatalf("State = %s, want selecting_method", result.State)
	}
}

func TestStartPaymentUnknownMethodNotSelectable(t *testing.T) {
	order := orderFrom(snapshotFor([]domain.LineItem{basicItem(2999)}, 0, 0), "order-1")
	orders := &stubOrderService{
		getOrder: func(context.Context, string, string) (domain.Order, error) { return order, nil },
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, orders, &stubSessionRepo{},
		&stubAdapter{method: domain.MethodManual, flow: gateway.FlowImmediate})

	_, err := orchestrator.StartPayment(context.Background(), StartPaymentCommand{
		UserID: "user-1", OrderID: "order-1", Method: domain.MethodStripe,
	})
	if !errors.Is(err, ErrMethodNotSelectable) {
		t.Fatalf("err = %v, want ErrMethodNotSelectable", err)
	}
}

func TestAwaitConfirmationConfirmedMarksPaid(t *testing.T) {
	order := orderFrom(snapshotFor([]domain.LineItem{basicItem(2999)}, 0, 0), "order-1")
	adapter := &stubAdapter{
		method: domain.MethodStripe,
		flow:   gateway.FlowRedirect,
		confirm: func(context.Context, gateway.Session, gateway.ConfirmRequest) (gateway.ConfirmResult, error) {
			return gateway.ConfirmResult{Outcome: gateway.OutcomeSuccess, ProviderStatus: "complete"}, nil
		},
	}
	var paidCmd *services.MarkPaidCommand
	orders := &stubOrderService{
		getOrder: func(context.Context, string, string) (domain.Order, error) { return order, nil },
		markPaid: func(_ context.Context, cmd services.MarkPaidCommand) (domain.Order, error) {
			paidCmd = &cmd
			paid := order
			paid.Status = domain.OrderStatusPaid
			return paid, nil
		},
	}
	var confirmedState gateway.SessionState
	sessions := &stubSessionRepo{
		findOpen: func(context.Context, string, domain.PaymentMethod) (gateway.Session, error) {
			return gateway.Session{ID: "sess-1", OrderID: "order-1", Method: domain.MethodStripe, Flow: gateway.FlowRedirect, State: gateway.SessionAwaitingConfirmation}, nil
		},
		updateState: func(_ context.Context, _ string, state gateway.SessionState, _ int) error {
			confirmedState = state
			return nil
		},
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, orders, sessions, adapter)

	result, err := orchestrator.AwaitConfirmation(context.Background(), AwaitCommand{
		UserID: "user-1", OrderID: "order-1", Method: domain.MethodStripe,
	})
	if err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
	if result.State != StateDone || result.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("unexpected result: state=%s status=%s", result.State, result.Order.Status)
	}
	if paidCmd == nil || paidCmd.Method != domain.MethodStripe {
		t.Fatalf("MarkPaid command: %+v", paidCmd)
	}
	if confirmedState != gateway.SessionConfirmed {
		t.Fatalf("session state = %s, want confirmed", confirmedState)
	}
}

func TestAwaitConfirmationExpiredStaysReconciling(t *testing.T) {
	order := orderFrom(snapshotFor([]domain.LineItem{basicItem(2999)}, 0, 0), "order-1")
	adapter := &stubAdapter{method: domain.MethodStripe, flow: gateway.FlowRedirect}
	orders := &stubOrderService{
		getOrder: func(context.Context, string, string) (domain.Order, error) { return order, nil },
		markPaid: func(context.Context, services.MarkPaidCommand) (domain.Order, error) {
			t.Fatalf("expired poll must not mark the order paid")
			return domain.Order{}, nil
		},
		markFailed: func(context.Context, string, string) error {
			t.Fatalf("expired poll must not fail the order")
			return nil
		},
	}
	sessions := &stubSessionRepo{
		findOpen: func(context.Context, string, domain.PaymentMethod) (gateway.Session, error) {
			return gateway.Session{ID: "sess-1", OrderID: "order-1", Method: domain.MethodStripe, Flow: gateway.FlowRedirect, State: gateway.SessionAwaitingConfirmation}, nil
		},
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, orders, sessions, adapter)

	result, err := orchestrator.AwaitConfirmation(context.Background(), AwaitCommand{
		UserID: "user-1", OrderID: "order-1", Method: domain.MethodStripe,
	})
	if err != nil {
		t.Fatalf("AwaitConfirmation: %v", err)
	}
	if result.State != StateReconciling {
		t.Fatalf("State = %s, want reconciling", result.State)
	}
	if result.Poll == nil || result.Poll.Outcome != PollExpired {
		t.Fatalf("poll result: %+v", result.Poll)
	}
}

func TestCaptureSuccessCompletesCheckout(t *testing.T) {
	order := orderFrom(snapshotFor([]domain.LineItem{basicItem(2999)}, 0, 0), "order-1")
	adapter := &stubAdapter{
		method: domain.MethodPayPal,
		flow:   gateway.FlowWidget,
		confirm: func(_ context.Context, _ gateway.Session, req gateway.ConfirmRequest) (gateway.ConfirmResult, error) {
			if req.SourceToken != "approval-token" {
				return gateway.ConfirmResult{}, gateway.ErrInvalidInput
			}
			return gateway.ConfirmResult{Outcome: gateway.OutcomeSuccess, ProviderReference: "CAPTURE-1"}, nil
		},
	}
	orders := &stubOrderService{
		getOrder: func(context.Context, string, string) (domain.Order, error) { return order, nil },
		markPaid: func(_ context.Context, cmd services.MarkPaidCommand) (domain.Order, error) {
			paid := order
			paid.Status = domain.OrderStatusPaid
			paid.PaymentMethod = cmd.Method
			return paid, nil
		},
	}
	sessions := &stubSessionRepo{
		findOpen: func(context.Context, string, domain.PaymentMethod) (gateway.Session, error) {
			return gateway.Session{ID: "sess-1", OrderID: "order-1", Method: domain.MethodPayPal, Flow: gateway.FlowWidget, State: gateway.SessionAwaitingUserAction}, nil
		},
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, orders, sessions, adapter)

	result, err := orchestrator.Capture(context.Background(), CaptureCommand{
		UserID: "user-1", OrderID: "order-1", Method: domain.MethodPayPal, SourceToken: "approval-token",
	})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if result.State != StateDone || result.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("unexpected result: state=%s status=%s", result.State, result.Order.Status)
	}
}

func TestPaymentStatusPartialConfirmations(t *testing.T) {
	adapter := &stubAdapter{
		method: domain.MethodBlockonomics,
		flow:   gateway.FlowAddress,
		confirm: func(context.Context, gateway.Session, gateway.ConfirmRequest) (gateway.ConfirmResult, error) {
			return gateway.ConfirmResult{
				Outcome:               gateway.OutcomePending,
				ConfirmationsReceived: 1,
				ConfirmationsRequired: 2,
			}, nil
		},
	}
	sessions := &stubSessionRepo{
		findByReference: func(context.Context, domain.PaymentMethod, string) (gateway.Session, error) {
			return btcSession(), nil
		},
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, &stubOrderService{}, sessions, adapter)

	status, err := orchestrator.PaymentStatus(context.Background(), domain.MethodBlockonomics, "bc1qdeposit")
	if err != nil {
		t.Fatalf("PaymentStatus: %v", err)
	}
	if status.Status != StatusUnconfirmed {
		t.Fatalf("Status = %s, want unconfirmed", status.Status)
	}
	if status.Confirmations != 1 || status.ConfirmationsRequired != 2 {
		t.Fatalf("confirmations %d/%d, want 1/2", status.Confirmations, status.ConfirmationsRequired)
	}
}

func TestPaymentStatusConfirmedSessionShortCircuits(t *testing.T) {
	adapter := &stubAdapter{method: domain.MethodBlockonomics, flow: gateway.FlowAddress}
	session := btcSession()
	session.State = gateway.SessionConfirmed
	session.ConfirmationsReceived = 2
	sessions := &stubSessionRepo{
		findByReference: func(context.Context, domain.PaymentMethod, string) (gateway.Session, error) {
			return session, nil
		},
	}
	orchestrator := newTestOrchestrator(t, &stubCartService{}, &stubOrderService{}, sessions, adapter)

	status, err := orchestrator.PaymentStatus(context.Background(), domain.MethodBlockonomics, "bc1qdeposit")
	if err != nil {
		t.Fatalf("PaymentStatus: %v", err)
	}
	if status.Status != StatusConfirmed || adapter.confirmCalls != 0 {
		t.Fatalf("status=%s confirmCalls=%d", status.Status, adapter.confirmCalls)
	}
}
