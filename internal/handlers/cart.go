package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/auth"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/httpx"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes the authenticated cart endpoints.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing bearer authentication before
// invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{authn: authn, carts: carts}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Get("/", h.getCart)
	r.Post("/items", h.addItem)
	r.Delete("/items/{productID}", h.removeItem)
	r.Post("/coupon", h.applyCoupon)
	r.Delete("/coupon", h.removeCoupon)
	r.Post("/credits", h.applyCredits)
	r.Delete("/", h.clearCart)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	cart, err := h.carts.GetOrCreateCart(ctx, identity.UserID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

type addItemRequest struct {
	ProductID        string `json:"productId"`
	ProductName      string `json:"productName"`
	TermMonths       int    `json:"termMonths"`
	UnitPrice        int64  `json:"unitPrice"`
	AccountType      string `json:"accountType"`
	ActionType       string `json:"actionType"`
	RenewalServiceID string `json:"renewalServiceId"`
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req addItemRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	cart, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		UserID: identity.UserID,
		Item: domain.LineItem{
			ProductID:        strings.TrimSpace(req.ProductID),
			ProductName:      strings.TrimSpace(req.ProductName),
			TermMonths:       req.TermMonths,
			UnitPrice:        req.UnitPrice,
			AccountType:      domain.AccountType(req.AccountType),
			ActionType:       domain.ActionType(req.ActionType),
			RenewalServiceID: strings.TrimSpace(req.RenewalServiceID),
		},
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{
		UserID:    identity.UserID,
		ProductID: chi.URLParam(r, "productID"),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	cart, err := h.carts.ApplyCoupon(ctx, services.ApplyCouponCommand{
		UserID: identity.UserID,
		Code:   strings.TrimSpace(req.Code),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) removeCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	cart, err := h.carts.RemoveCoupon(ctx, identity.UserID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) applyCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	cart, err := h.carts.ApplyCredits(ctx, services.ApplyCreditsCommand{
		UserID: identity.UserID,
		Amount: req.Amount,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCartPayload(cart))
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if err := h.carts.ClearCart(ctx, identity.UserID); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cartItemPayload struct {
	ProductID        string `json:"productId"`
	ProductName      string `json:"productName,omitempty"`
	TermMonths       int    `json:"termMonths,omitempty"`
	UnitPrice        int64  `json:"unitPrice"`
	AccountType      string `json:"accountType"`
	ActionType       string `json:"actionType"`
	RenewalServiceID string `json:"renewalServiceId,omitempty"`
}

type cartPayload struct {
	UserID         string            `json:"userId"`
	Items          []cartItemPayload `json:"items"`
	Subtotal       int64             `json:"subtotal"`
	CouponCode     string            `json:"couponCode,omitempty"`
	DiscountAmount int64             `json:"discountAmount"`
	CreditsApplied int64             `json:"creditsApplied"`
	TotalDue       int64             `json:"totalDue"`
	Currency       string            `json:"currency"`
	Locked         bool              `json:"locked"`
	UpdatedAt      string            `json:"updatedAt,omitempty"`
}

func buildCartPayload(cart domain.Cart) cartPayload {
	items := make([]cartItemPayload, 0, len(cart.Items))
	for _, item := range cart.Items {
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
	totalDue := cart.Subtotal() - cart.DiscountAmount - cart.CreditsApplied
	if totalDue < 0 {
		totalDue = 0
	}
	return cartPayload{
		UserID:         cart.UserID,
		Items:          items,
		Subtotal:       cart.Subtotal(),
		CouponCode:     cart.CouponCode,
		DiscountAmount: cart.DiscountAmount,
		CreditsApplied: cart.CreditsApplied,
		TotalDue:       totalDue,
		Currency:       cart.Currency,
		Locked:         cart.CheckoutSessionID != "",
		UpdatedAt:      formatTime(cart.UpdatedAt),
	}
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UserID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartLocked):
		httpx.WriteError(ctx, w, httpx.NewError("cart_locked", "cart is locked by an active checkout", http.StatusConflict))
	case errors.Is(err, services.ErrCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrCouponNotFound),
		errors.Is(err, services.ErrCouponInactive),
		errors.Is(err, services.ErrCouponExpired),
		errors.Is(err, services.ErrCouponExhausted),
		errors.Is(err, services.ErrCouponNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_coupon", couponErrorMessage(err), http.StatusUnprocessableEntity))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "cart operation failed", http.StatusInternalServerError))
	}
}

func couponErrorMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrCouponNotFound):
		return "coupon code not found"
	case errors.Is(err, services.ErrCouponInactive):
		return "coupon is not active"
	case errors.Is(err, services.ErrCouponExpired):
		return "coupon is outside its validity window"
	case errors.Is(err, services.ErrCouponExhausted):
		return "coupon usage limit reached"
	case errors.Is(err, services.ErrCouponNotEligible):
		return fmt.Sprintf("coupon not eligible: %v", err)
	default:
		return err.Error()
	}
}
