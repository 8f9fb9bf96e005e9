package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/asherpoirier/iptvbcms-sub001/internal/checkout"
	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/auth"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/httpx"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

const maxCheckoutBodySize = 16 * 1024

// CheckoutHandlers drives the payment orchestrator over HTTP.
type CheckoutHandlers struct {
	authn        *auth.Authenticator
	orchestrator *checkout.Orchestrator
}

func NewCheckoutHandlers(authn *auth.Authenticator, orchestrator *checkout.Orchestrator) *CheckoutHandlers {
	return &CheckoutHandlers{authn: authn, orchestrator: orchestrator}
}

// OrderRoutes registers the checkout lifecycle endpoints on the orders
// group. The group's authentication middleware must already be installed.
func (h *CheckoutHandlers) OrderRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.begin)
	r.Post("/{orderID}/pay/{method}", h.startPayment)
	r.Post("/{orderID}/pay/{method}/capture", h.capture)
	r.Post("/{orderID}/pay/{method}/await", h.await)
}

// Routes wires the payment status and abandon endpoints onto the
// authenticated /payments group.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/{method}/status/{reference}", h.paymentStatus)
	r.Delete("/checkout/{checkoutSessionID}", h.abandon)
}

type beginCheckoutRequest struct {
	CheckoutSessionID   string `json:"checkoutSessionId"`
	ResellerCredentials *struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"resellerCredentials"`
}

func (h *CheckoutHandlers) begin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req beginCheckoutRequest
	body, err := readLimitedBody(r, maxCheckoutBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
		// An empty body begins a fresh session with no credentials.
	case err != nil:
		writeBodyError(ctx, w, err)
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	}
	cmd := checkout.BeginCommand{
		UserID:            identity.UserID,
		CheckoutSessionID: strings.TrimSpace(req.CheckoutSessionID),
	}
	if req.ResellerCredentials != nil {
		cmd.Credentials = &domain.ResellerCredentials{
			Username: req.ResellerCredentials.Username,
			Password: req.ResellerCredentials.Password,
		}
	}
	result, err := h.orchestrator.Begin(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildCheckoutPayload(result))
}

func (h *CheckoutHandlers) abandon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if err := h.orchestrator.Abandon(ctx, identity.UserID, chi.URLParam(r, "checkoutSessionID")); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) startPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	method, ok := parseMethod(ctx, w, r)
	if !ok {
		return
	}
	result, err := h.orchestrator.StartPayment(ctx, checkout.StartPaymentCommand{
		UserID:        identity.UserID,
		OrderID:       chi.URLParam(r, "orderID"),
		Method:        method,
		CustomerEmail: identity.Email,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(result))
}

type captureRequest struct {
	SourceToken string `json:"sourceToken"`
	BuyerEmail  string `json:"buyerEmail"`
}

func (h *CheckoutHandlers) capture(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	method, ok := parseMethod(ctx, w, r)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req captureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	result, err := h.orchestrator.Capture(ctx, checkout.CaptureCommand{
		UserID:      identity.UserID,
		OrderID:     chi.URLParam(r, "orderID"),
		Method:      method,
		SourceToken: strings.TrimSpace(req.SourceToken),
		BuyerEmail:  strings.TrimSpace(req.BuyerEmail),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(result))
}

func (h *CheckoutHandlers) await(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	method, ok := parseMethod(ctx, w, r)
	if !ok {
		return
	}
	result, err := h.orchestrator.AwaitConfirmation(ctx, checkout.AwaitCommand{
		UserID:  identity.UserID,
		OrderID: chi.URLParam(r, "orderID"),
		Method:  method,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutPayload(result))
}

func (h *CheckoutHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}
	method, ok := parseMethod(ctx, w, r)
	if !ok {
		return
	}
	reference := chi.URLParam(r, "reference")
	result, err := h.orchestrator.PaymentStatus(ctx, method, reference)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	payload := map[string]any{"status": result.Status}
	if result.ConfirmationsRequired > 0 {
		payload["confirmations"] = result.Confirmations
		payload["confirmationsRequired"] = result.ConfirmationsRequired
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func parseMethod(ctx context.Context, w http.ResponseWriter, r *http.Request) (domain.PaymentMethod, bool) {
	raw := chi.URLParam(r, "method")
	if !domain.ValidMethod(raw) {
		httpx.WriteError(ctx, w, httpx.NewError("unknown_payment_method", "unknown payment method", http.StatusNotFound))
		return "", false
	}
	return domain.PaymentMethod(raw), true
}

type checkoutPayload struct {
	State             string          `json:"state"`
	CheckoutSessionID string          `json:"checkoutSessionId,omitempty"`
	Order             *orderPayload   `json:"order,omitempty"`
	Payment           *paymentPayload `json:"payment,omitempty"`
	Poll              *pollPayload    `json:"poll,omitempty"`
	Message           string          `json:"message,omitempty"`
}

type paymentPayload struct {
	SessionID             string `json:"sessionId"`
	Method                string `json:"method"`
	Flow                  string `json:"flow"`
	State                 string `json:"state"`
	Reference             string `json:"reference,omitempty"`
	RedirectURL           string `json:"redirectUrl,omitempty"`
	ButtonToken           string `json:"buttonToken,omitempty"`
	Address               string `json:"address,omitempty"`
	QRPayload             string `json:"qrPayload,omitempty"`
	ExpectedSats          int64  `json:"expectedSats,omitempty"`
	ConfirmationsRequired int    `json:"confirmationsRequired,omitempty"`
	ConfirmationsReceived int    `json:"confirmationsReceived,omitempty"`
	Amount                int64  `json:"amount"`
	Currency              string `json:"currency"`
	ExpiresAt             string `json:"expiresAt,omitempty"`
}

type pollPayload struct {
	Outcome               string `json:"outcome"`
	Attempts              int    `json:"attempts"`
	ConfirmationsReceived int    `json:"confirmationsReceived,omitempty"`
	ConfirmationsRequired int    `json:"confirmationsRequired,omitempty"`
	ProviderReference     string `json:"providerReference,omitempty"`
	Message               string `json:"message,omitempty"`
}

func buildCheckoutPayload(result checkout.Checkout) checkoutPayload {
	payload := checkoutPayload{
		State:             string(result.State),
		CheckoutSessionID: result.CheckoutSessionID,
		Message:           result.Message,
	}
	if result.Order.ID != "" {
		order := buildOrderPayload(result.Order)
		payload.Order = &order
	}
	if result.Session != nil {
		payload.Payment = buildPaymentPayload(*result.Session)
	}
	if result.Poll != nil {
		payload.Poll = &pollPayload{
			Outcome:               string(result.Poll.Outcome),
			Attempts:              result.Poll.Attempts,
			ConfirmationsReceived: result.Poll.ConfirmationsReceived,
			ConfirmationsRequired: result.Poll.ConfirmationsRequired,
			ProviderReference:     result.Poll.ProviderReference,
			Message:               result.Poll.Message,
		}
	}
	return payload
}

func buildPaymentPayload(session gateway.Session) *paymentPayload {
	return &paymentPayload{
		SessionID:             session.ID,
		Method:                string(session.Method),
		Flow:                  string(session.Flow),
		State:                 string(session.State),
		Reference:             session.Reference,
		RedirectURL:           session.RedirectURL,
		ButtonToken:           session.ButtonToken,
		Address:               session.Address,
		QRPayload:             session.QRPayload,
		ExpectedSats:          session.ExpectedSats,
		ConfirmationsRequired: session.ConfirmationsRequired,
		ConfirmationsReceived: session.ConfirmationsReceived,
		Amount:                session.Amount,
		Currency:              session.Currency,
		ExpiresAt:             formatTimePtr(session.ExpiresAt),
	}
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, checkout.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, checkout.ErrMethodNotSelectable):
		httpx.WriteError(ctx, w, httpx.NewError("method_not_selectable", "payment method is not available", http.StatusBadRequest))
	case errors.Is(err, checkout.ErrNoOpenSession):
		httpx.WriteError(ctx, w, httpx.NewError("no_open_session", "no open payment session for this order", http.StatusNotFound))
	case errors.Is(err, services.ErrInvalidResellerCredentials):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_reseller_credentials", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSnapshotMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("snapshot_mismatch", "checkout session is bound to a different cart snapshot", http.StatusConflict))
	case errors.Is(err, services.ErrOrderBindingInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("binding_in_progress", "order creation already in progress; retry shortly", http.StatusConflict))
	case errors.Is(err, services.ErrOrderTerminal):
		httpx.WriteError(ctx, w, httpx.NewError("order_terminal", "order is already in a terminal status", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartLocked):
		httpx.WriteError(ctx, w, httpx.NewError("cart_locked", "cart is locked by another checkout session", http.StatusConflict))
	case errors.Is(err, gateway.ErrRejected):
		httpx.WriteError(ctx, w, httpx.NewError("payment_rejected", err.Error(), http.StatusPaymentRequired))
	case errors.Is(err, gateway.ErrInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, gateway.ErrNotConfigured), errors.Is(err, gateway.ErrDisabled):
		httpx.WriteError(ctx, w, httpx.NewError("method_not_selectable", "payment method is not available", http.StatusBadRequest))
	case errors.Is(err, gateway.ErrUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "payment provider is unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderUnavailable), errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "checkout operation failed", http.StatusInternalServerError))
	}
}
