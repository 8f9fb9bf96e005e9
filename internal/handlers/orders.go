package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/auth"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/httpx"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

const defaultOrderListLimit = 20

// OrderHandlers serves the authenticated order history endpoints.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders}
}

func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	limit := defaultOrderListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}
	orders, err := h.orders.ListOrders(ctx, identity.UserID, limit)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	payloads := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payloads = append(payloads, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"orders": payloads})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, identity.UserID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

type orderPayload struct {
	ID                string            `json:"id"`
	CheckoutSessionID string            `json:"checkoutSessionId,omitempty"`
	Items             []cartItemPayload `json:"items"`
	Subtotal          int64             `json:"subtotal"`
	DiscountAmount    int64             `json:"discountAmount"`
	CouponCode        string            `json:"couponCode,omitempty"`
	CreditsUsed       int64             `json:"creditsUsed"`
	Total             int64             `json:"total"`
	Currency          string            `json:"currency"`
	PaymentMethod     string            `json:"paymentMethod,omitempty"`
	ResellerUsername  string            `json:"resellerUsername,omitempty"`
	Status            string            `json:"status"`
	FailureReason     string            `json:"failureReason,omitempty"`
	PaidAt            string            `json:"paidAt,omitempty"`
	CreatedAt         string            `json:"createdAt"`
	UpdatedAt         string            `json:"updatedAt,omitempty"`
}

// buildOrderPayload never echoes the reseller password back to the client.
func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]cartItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, cartItemPayload{
			ProductID:        item.ProductID,
			ProductName:      item.ProductName,
			TermMonths:       item.TermMonths,
			UnitPrice:        item.UnitPrice,
			AccountType:      string(item.AccountType),
			ActionType:       string(item.ActionType),
			RenewalServiceID: item.RenewalServiceID,
		})
	}
	payload := orderPayload{
		ID:                order.ID,
		CheckoutSessionID: order.CheckoutSessionID,
		Items:             items,
		Subtotal:          order.Subtotal,
		DiscountAmount:    order.DiscountAmount,
		CouponCode:        order.CouponCode,
		CreditsUsed:       order.CreditsUsed,
		Total:             order.Total,
		Currency:          order.Currency,
		PaymentMethod:     string(order.PaymentMethod),
		Status:            string(order.Status),
		FailureReason:     order.FailureReason,
		PaidAt:            formatTimePtr(order.PaidAt),
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
	}
	if order.ResellerCredentials != nil {
		payload.ResellerUsername = order.ResellerCredentials.Username
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderTerminal):
		httpx.WriteError(ctx, w, httpx.NewError("order_terminal", "order is already in a terminal status", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "order operation failed", http.StatusInternalServerError))
	}
}
