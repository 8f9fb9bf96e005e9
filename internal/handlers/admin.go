package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/platform/httpx"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

const maxAdminBodySize = 16 * 1024

// AdminHandlers exposes operator actions. Authentication is enforced by the
// OIDC middleware attached to the /admin route group.
type AdminHandlers struct {
	orders  services.OrderService
	credits services.CreditService
}

func NewAdminHandlers(orders services.OrderService, credits services.CreditService) *AdminHandlers {
	return &AdminHandlers{orders: orders, credits: credits}
}

func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}/mark-paid", h.markPaid)
	r.Post("/orders/{orderID}/mark-failed", h.markFailed)
	r.Post("/users/{userID}/credits", h.grantCredits)
	r.Get("/users/{userID}/credits", h.creditHistory)
}

// markPaid settles a manually paid order after the operator verifies the
// transfer out of band.
func (h *AdminHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		Reference string `json:"reference"`
	}
	body, err := readLimitedBody(r, maxAdminBodySize)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		writeBodyError(ctx, w, err)
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	}
	order, err := h.orders.MarkPaid(ctx, services.MarkPaidCommand{
		OrderID:           chi.URLParam(r, "orderID"),
		Method:            domain.MethodManual,
		ProviderReference: strings.TrimSpace(req.Reference),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminHandlers) markFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reason is required", http.StatusBadRequest))
		return
	}
	if err := h.orders.MarkFailed(ctx, chi.URLParam(r, "orderID"), reason); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandlers) grantCredits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req struct {
		Amount int64  `json:"amount"`
		Note   string `json:"note"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	balance, err := h.credits.Grant(ctx, services.GrantCreditsCommand{
		UserID: chi.URLParam(r, "userID"),
		Amount: req.Amount,
		Note:   strings.TrimSpace(req.Note),
	})
	if err != nil {
		writeCreditError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"userId":    balance.UserID,
		"balance":   balance.Amount,
		"updatedAt": formatTime(balance.UpdatedAt),
	})
}

func (h *AdminHandlers) creditHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	transactions, err := h.credits.History(ctx, chi.URLParam(r, "userID"), 0)
	if err != nil {
		writeCreditError(ctx, w, err)
		return
	}
	payloads := make([]map[string]any, 0, len(transactions))
	for _, tx := range transactions {
		payloads = append(payloads, map[string]any{
			"id":           tx.ID,
			"type":         string(tx.Type),
			"amount":       tx.Amount,
			"balanceAfter": tx.BalanceAfter,
			"orderId":      tx.OrderID,
			"description":  tx.Description,
			"createdAt":    formatTime(tx.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"transactions": payloads})
}

func writeCreditError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCreditInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInsufficientCredits):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_credits", "credit balance is insufficient", http.StatusConflict))
	case errors.Is(err, services.ErrCreditUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("credit_service_unavailable", "credit service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("credit_error", "credit operation failed", http.StatusInternalServerError))
	}
}
