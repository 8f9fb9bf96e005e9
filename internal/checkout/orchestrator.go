package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

// State is the orchestrator's position in the checkout flow.
type State string

const (
	StateSelectingMethod State = "selecting_method"
	StateCreatingOrder   State = "creating_order"
	StateMethodFlow      State = "method_specific_flow"
	StateReconciling     State = "reconciling"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Checkout is the orchestrator's view of one checkout attempt.
type Checkout struct {
	State             State
	CheckoutSessionID string
	Order             domain.Order
	Session           *gateway.Session
	Poll              *PollResult
	Message           string
}

var (
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrMethodNotSelectable covers methods that are unknown, not configured
	// or disabled by the operator.
	ErrMethodNotSelectable = errors.New("checkout: payment method not selectable")
	// ErrNoOpenSession means no unresolved gateway session exists for the
	// order and method.
	ErrNoOpenSession = errors.New("checkout: no open payment session")
)

var (
	errOrchCartsRequired    = errors.New("orchestrator: cart service is required")
	errOrchOrdersRequired   = errors.New("orchestrator: order service is required")
	errOrchGatewaysRequired = errors.New("orchestrator: gateway registry is required")
	errOrchSessionsRequired = errors.New("orchestrator: session repository is required")
	errOrchPollerRequired   = errors.New("orchestrator: poller is required")
	errOrchClockRequired    = errors.New("orchestrator: clock is required")
)

// OrchestratorDeps carries the collaborators for NewOrchestrator.
type OrchestratorDeps struct {
	Carts      services.CartService
	Orders     services.OrderService
	Gateways   *gateway.Registry
	Sessions   repositories.GatewaySessionRepository
	Poller     *Poller
	Clock      func() time.Time
	Logger     gateway.Logger
	IDGen      func() string
	SuccessURL string
	CancelURL  string
}

// Orchestrator drives the checkout state machine. Each exported method is
// one client-visible step; the HTTP layer maps requests onto them.
type Orchestrator struct {
	carts      services.CartService
	orders     services.OrderService
	gateways   *gateway.Registry
	sessions   repositories.GatewaySessionRepository
	poller     *Poller
	now        func() time.Time
	log        gateway.Logger
	idGen      func() string
	successURL string
	cancelURL  string
}

// NewOrchestrator validates deps and builds an Orchestrator.
func NewOrchestrator(deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Carts == nil {
		return nil, errOrchCartsRequired
	}
	if deps.Orders == nil {
		return nil, errOrchOrdersRequired
	}
	if deps.Gateways == nil {
		return nil, errOrchGatewaysRequired
	}
	if deps.Sessions == nil {
		return nil, errOrchSessionsRequired
	}
	if deps.Poller == nil {
		return nil, errOrchPollerRequired
	}
	if deps.Clock == nil {
		return nil, errOrchClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &Orchestrator{
		carts:      deps.Carts,
		orders:     deps.Orders,
		gateways:   deps.Gateways,
		sessions:   deps.Sessions,
		poller:     deps.Poller,
		now:        func() time.Time { return deps.Clock().UTC() },
		log:        logger,
		idGen:      idGen,
		successURL: deps.SuccessURL,
		cancelURL:  deps.CancelURL,
	}, nil
}

// BeginCommand starts (or resumes) a checkout for the user's cart.
type BeginCommand struct {
	UserID            string
	CheckoutSessionID string
	Credentials       *domain.ResellerCredentials
}

// Begin freezes the cart, binds the order and decides the next state. A
// fully covered order (total due zero) short-circuits to done, but only
// after the order was created; the cart is never cleared optimistically.
func (o *Orchestrator) Begin(ctx context.Context, cmd BeginCommand) (Checkout, error) {
	if cmd.UserID == "" {
		return Checkout{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	checkoutSessionID := cmd.CheckoutSessionID
	if checkoutSessionID == "" {
		checkoutSessionID = o.idGen()
	} else if existing, err := o.orders.OrderForSession(ctx, cmd.UserID, checkoutSessionID); err == nil {
		// Replaying a finished checkout must report the paid order, not
		// re-lock the now-empty cart.
		if existing.Status == domain.OrderStatusPaid {
			return Checkout{State: StateDone, CheckoutSessionID: checkoutSessionID, Order: existing}, nil
		}
	}

	snapshot, err := o.carts.Snapshot(ctx, cmd.UserID, checkoutSessionID)
	if err != nil {
		return Checkout{}, err
	}

	result := Checkout{State: StateCreatingOrder, CheckoutSessionID: checkoutSessionID}
	order, err := o.orders.EnsureOrder(ctx, services.EnsureOrderCommand{
		UserID:            cmd.UserID,
		CheckoutSessionID: checkoutSessionID,
		Snapshot:          snapshot,
		Credentials:       cmd.Credentials,
	})
	if err != nil {
		o.releaseLock(ctx, cmd.UserID, checkoutSessionID)
		return Checkout{}, err
	}
	result.Order = order

	if order.Status == domain.OrderStatusPaid {
		result.State = StateDone
		return result, nil
	}
	if order.Total == 0 {
		paid, err := o.orders.MarkPaid(ctx, services.MarkPaidCommand{OrderID: order.ID})
		if err != nil {
			o.releaseLock(ctx, cmd.UserID, checkoutSessionID)
			result.State = StateFailed
			return result, err
		}
		result.Order = paid
		result.State = StateDone
		o.log(ctx, "checkout.zero_total_done", map[string]any{
			"orderId": order.ID,
			"userId":  cmd.UserID,
		})
		return result, nil
	}

	result.State = StateSelectingMethod
	return result, nil
}

// StartPaymentCommand opens (or re-fetches) the gateway session for an
// order.
type StartPaymentCommand struct {
	UserID        string
	OrderID       string
	Method        domain.PaymentMethod
	CustomerEmail string
}

// StartPayment creates or reuses the gateway session for the chosen method.
// Repeated calls while a session is unresolved return the existing session
// rather than minting a duplicate provider artifact. The manual method
// completes the flow immediately: the order stays pending for the operator
// and the cart is cleared.
func (o *Orchestrator) StartPayment(ctx context.Context, cmd StartPaymentCommand) (Checkout, error) {
	order, err := o.orders.GetOrder(ctx, cmd.UserID, cmd.OrderID)
	if err != nil {
		return Checkout{}, err
	}
	if order.Status == domain.OrderStatusPaid {
		return Checkout{State: StateDone, CheckoutSessionID: order.CheckoutSessionID, Order: order}, nil
	}
	if order.Status == domain.OrderStatusFailed || order.Status == domain.OrderStatusCancelled {
		return Checkout{}, fmt.Errorf("%w: order is %s", services.ErrOrderTerminal, order.Status)
	}
	if order.Total == 0 {
		return Checkout{}, fmt.Errorf("%w: order is fully covered, no payment needed", ErrCheckoutInvalidInput)
	}

	adapter, err := o.gateways.Resolve(cmd.Method)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %v", ErrMethodNotSelectable, err)
	}

	result := Checkout{State: StateMethodFlow, CheckoutSessionID: order.CheckoutSessionID, Order: order}
	session, reused := o.openSession(ctx, order.ID, cmd.Method)
	if !reused {
		created, err := adapter.CreateSession(ctx, gateway.CreateSessionRequest{
			Order:          order,
			CustomerEmail:  cmd.CustomerEmail,
			SuccessURL:     o.successURL,
			CancelURL:      o.cancelURL,
			IdempotencyKey: order.ID + "_" + string(cmd.Method),
		})
		if err != nil {
			if errors.Is(err, gateway.ErrRejected) {
				result.State = StateSelectingMethod
				result.Message = err.Error()
				return result, err
			}
			return Checkout{}, err
		}
		session = created
		if err := o.sessions.Save(ctx, session); err != nil {
			return Checkout{}, fmt.Errorf("checkout: persist session: %w", err)
		}
		if err := o.orders.SetPaymentMethod(ctx, order.ID, cmd.Method); err != nil {
			o.log(ctx, "checkout.set_method_failed", map[string]any{
				"orderId": order.ID, "method": string(cmd.Method), "error": err.Error(),
			})
		}
	}
	result.Session = &session

	if adapter.FlowKind() == gateway.FlowImmediate {
		// Operator-settled method: checkout is done from the customer's
		// perspective while the order itself stays pending.
		if err := o.carts.ClearCart(ctx, order.UserID); err != nil {
			o.log(ctx, "checkout.cart_clear_failed", map[string]any{
				"orderId": order.ID, "error": err.Error(),
			})
		}
		result.State = StateDone
		return result, nil
	}

	if err := o.orders.MarkAwaitingPayment(ctx, order.ID); err != nil {
		o.log(ctx, "checkout.awaiting_payment_failed", map[string]any{
			"orderId": order.ID, "error": err.Error(),
		})
	}
	return result, nil
}

// CaptureCommand resolves a widget flow with the provider artifact the
// widget callback produced.
type CaptureCommand struct {
	UserID      string
	OrderID     string
	Method      domain.PaymentMethod
	SourceToken string
	BuyerEmail  string
}

// Capture performs the synchronous capture for widget flows (PayPal,
// Square). A provider rejection returns the flow to method selection with
// the cart intact.
func (o *Orchestrator) Capture(ctx context.Context, cmd CaptureCommand) (Checkout, error) {
	order, err := o.orders.GetOrder(ctx, cmd.UserID, cmd.OrderID)
	if err != nil {
		return Checkout{}, err
	}
	if order.Status == domain.OrderStatusPaid {
		return Checkout{State: StateDone, CheckoutSessionID: order.CheckoutSessionID, Order: order}, nil
	}
	adapter, err := o.gateways.Lookup(cmd.Method)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %v", ErrMethodNotSelectable, err)
	}
	session, err := o.sessions.FindOpen(ctx, order.ID, cmd.Method)
	if err != nil {
		if isRepoNotFound(err) {
			return Checkout{}, ErrNoOpenSession
		}
		return Checkout{}, fmt.Errorf("checkout: load session: %w", err)
	}

	result := Checkout{State: StateReconciling, CheckoutSessionID: order.CheckoutSessionID, Order: order, Session: &session}
	confirm, err := adapter.Confirm(ctx, session, gateway.ConfirmRequest{
		SourceToken: cmd.SourceToken,
		BuyerEmail:  cmd.BuyerEmail,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			o.updateSessionState(ctx, session.ID, gateway.SessionError, session.ConfirmationsReceived)
			result.State = StateSelectingMethod
			result.Message = err.Error()
			return result, err
		}
		return Checkout{}, err
	}

	switch confirm.Outcome {
	case gateway.OutcomeSuccess:
		return o.finalize(ctx, result, session, cmd.Method, confirm.ProviderReference)
	case gateway.OutcomeFailed:
		o.updateSessionState(ctx, session.ID, gateway.SessionError, session.ConfirmationsReceived)
		result.State = StateSelectingMethod
		result.Message = confirm.Message
		return result, fmt.Errorf("%w: %s", gateway.ErrRejected, confirm.Message)
	default:
		result.Message = confirm.Message
		return result, nil
	}
}

// AwaitCommand runs the confirmation poller for an open session.
type AwaitCommand struct {
	UserID  string
	OrderID string
	Method  domain.PaymentMethod
}

// AwaitConfirmation drives the bounded poller for redirect and address
// flows. Exhaustion is reported as a still-reconciling checkout, never as a
// failure; a definitive provider failure preserves the cart so the customer
// can retry.
func (o *Orchestrator) AwaitConfirmation(ctx context.Context, cmd AwaitCommand) (Checkout, error) {
	order, err := o.orders.GetOrder(ctx, cmd.UserID, cmd.OrderID)
	if err != nil {
		return Checkout{}, err
	}
	if order.Status == domain.OrderStatusPaid {
		return Checkout{State: StateDone, CheckoutSessionID: order.CheckoutSessionID, Order: order}, nil
	}
	adapter, err := o.gateways.Lookup(cmd.Method)
	if err != nil {
		return Checkout{}, fmt.Errorf("%w: %v", ErrMethodNotSelectable, err)
	}
	session, err := o.sessions.FindOpen(ctx, order.ID, cmd.Method)
	if err != nil {
		if isRepoNotFound(err) {
			return Checkout{}, ErrNoOpenSession
		}
		return Checkout{}, fmt.Errorf("checkout: load session: %w", err)
	}

	result := Checkout{State: StateReconciling, CheckoutSessionID: order.CheckoutSessionID, Order: order, Session: &session}
	poll, err := o.poller.Await(ctx, adapter, session, func(updated gateway.Session) {
		o.updateSessionState(ctx, updated.ID, gateway.SessionAwaitingConfirmation, updated.ConfirmationsReceived)
	})
	if err != nil {
		return result, err
	}
	result.Poll = &poll

	switch poll.Outcome {
	case PollConfirmed:
		return o.finalize(ctx, result, session, cmd.Method, poll.ProviderReference)
	case PollFailed:
		o.updateSessionState(ctx, session.ID, gateway.SessionError, poll.ConfirmationsReceived)
		result.State = StateFailed
		result.Message = poll.Message
		return result, nil
	default:
		// Expired: the order settles asynchronously; the order-status view
		// reflects the eventual outcome.
		o.updateSessionState(ctx, session.ID, gateway.SessionAwaitingConfirmation, poll.ConfirmationsReceived)
		result.Message = "payment not confirmed yet"
		return result, nil
	}
}

// Payment status vocabulary for the poll-friendly status endpoint.
const (
	StatusPending     = "pending"
	StatusUnconfirmed = "unconfirmed"
	StatusConfirmed   = "confirmed"
	StatusFailed      = "failed"
)

// StatusResult is the poll-friendly view of a payment attempt.
type StatusResult struct {
	Status                string
	Confirmations         int
	ConfirmationsRequired int
}

// PaymentStatus performs a single provider status check for a session
// reference and reconciles the order when the provider reports success.
// Address flows report partial confirmation progress as "unconfirmed".
func (o *Orchestrator) PaymentStatus(ctx context.Context, method domain.PaymentMethod, reference string) (StatusResult, error) {
	if reference == "" {
		return StatusResult{}, fmt.Errorf("%w: reference is required", ErrCheckoutInvalidInput)
	}
	adapter, err := o.gateways.Lookup(method)
	if err != nil {
		return StatusResult{}, fmt.Errorf("%w: %v", ErrMethodNotSelectable, err)
	}
	session, err := o.sessions.FindByReference(ctx, method, reference)
	if err != nil {
		if isRepoNotFound(err) {
			return StatusResult{}, ErrNoOpenSession
		}
		return StatusResult{}, fmt.Errorf("checkout: load session: %w", err)
	}

	switch session.State {
	case gateway.SessionConfirmed:
		return StatusResult{Status: StatusConfirmed, Confirmations: session.ConfirmationsReceived, ConfirmationsRequired: session.ConfirmationsRequired}, nil
	case gateway.SessionError, gateway.SessionExpired:
		return StatusResult{Status: StatusFailed}, nil
	}

	confirm, err := adapter.Confirm(ctx, session, gateway.ConfirmRequest{})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			o.updateSessionState(ctx, session.ID, gateway.SessionError, session.ConfirmationsReceived)
			return StatusResult{Status: StatusFailed}, nil
		}
		return StatusResult{}, err
	}

	status := StatusResult{
		Confirmations:         confirm.ConfirmationsReceived,
		ConfirmationsRequired: confirm.ConfirmationsRequired,
	}
	switch confirm.Outcome {
	case gateway.OutcomeSuccess:
		o.updateSessionState(ctx, session.ID, gateway.SessionConfirmed, confirm.ConfirmationsReceived)
		if _, err := o.orders.MarkPaid(ctx, services.MarkPaidCommand{
			OrderID:           session.OrderID,
			Method:            method,
			ProviderReference: confirm.ProviderReference,
		}); err != nil {
			o.log(ctx, "checkout.status_mark_paid_failed", map[string]any{
				"orderId": session.OrderID, "error": err.Error(),
			})
		}
		status.Status = StatusConfirmed
	case gateway.OutcomeFailed:
		o.updateSessionState(ctx, session.ID, gateway.SessionError, confirm.ConfirmationsReceived)
		status.Status = StatusFailed
	default:
		if session.Flow == gateway.FlowAddress && confirm.ConfirmationsReceived > 0 {
			status.Status = StatusUnconfirmed
		} else {
			status.Status = StatusPending
		}
		o.updateSessionState(ctx, session.ID, gateway.SessionAwaitingConfirmation, confirm.ConfirmationsReceived)
	}
	return status, nil
}

// Abandon releases the cart commit lock without destroying the bound order,
// so the customer can edit the cart again after walking away mid-checkout.
func (o *Orchestrator) Abandon(ctx context.Context, userID, checkoutSessionID string) error {
	if userID == "" || checkoutSessionID == "" {
		return fmt.Errorf("%w: user id and checkout session id are required", ErrCheckoutInvalidInput)
	}
	return o.carts.ReleaseSnapshot(ctx, userID, checkoutSessionID)
}

// finalize completes a successful payment: session confirmed, order paid
// with its reconciliation side effects (coupon, credits, cart, provisioning
// event in the order service).
func (o *Orchestrator) finalize(ctx context.Context, result Checkout, session gateway.Session, method domain.PaymentMethod, providerReference string) (Checkout, error) {
	o.updateSessionState(ctx, session.ID, gateway.SessionConfirmed, session.ConfirmationsReceived)
	paid, err := o.orders.MarkPaid(ctx, services.MarkPaidCommand{
		OrderID:           result.Order.ID,
		Method:            method,
		ProviderReference: providerReference,
	})
	if err != nil {
		result.State = StateReconciling
		return result, err
	}
	result.Order = paid
	result.State = StateDone
	return result, nil
}

// openSession returns the unresolved, unexpired session for the order and
// method, when one exists.
func (o *Orchestrator) openSession(ctx context.Context, orderID string, method domain.PaymentMethod) (gateway.Session, bool) {
	session, err := o.sessions.FindOpen(ctx, orderID, method)
	if err != nil {
		return gateway.Session{}, false
	}
	if session.State.Resolved() {
		return gateway.Session{}, false
	}
	if session.ExpiresAt != nil && o.now().After(*session.ExpiresAt) {
		o.updateSessionState(ctx, session.ID, gateway.SessionExpired, session.ConfirmationsReceived)
		return gateway.Session{}, false
	}
	return session, true
}

func (o *Orchestrator) updateSessionState(ctx context.Context, sessionID string, state gateway.SessionState, confirmations int) {
	if err := o.sessions.UpdateState(ctx, sessionID, state, confirmations); err != nil {
		o.log(ctx, "checkout.session_update_failed", map[string]any{
			"sessionId": sessionID, "state": string(state), "error": err.Error(),
		})
	}
}

func (o *Orchestrator) releaseLock(ctx context.Context, userID, checkoutSessionID string) {
	if err := o.carts.ReleaseSnapshot(ctx, userID, checkoutSessionID); err != nil {
		o.log(ctx, "checkout.lock_release_failed", map[string]any{
			"userId": userID, "checkoutSessionId": checkoutSessionID, "error": err.Error(),
		})
	}
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
