package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/services"
)

func orderRouter(orders services.OrderService) chi.Router {
	r := chi.NewRouter()
	NewOrderHandlers(testAuthenticator(), orders).Routes(r)
	return r
}

func TestListOrdersScopedToIdentity(t *testing.T) {
	var gotUser string
	orders := &stubOrderService{
		listOrders: func(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
			gotUser = userID
			return []domain.Order{
				{ID: "order-2", UserID: userID, Total: 1499, Currency: "USD", Status: domain.OrderStatusPaid, CreatedAt: fixedClock()},
				{ID: "order-1", UserID: userID, Total: 2999, Currency: "USD", Status: domain.OrderStatusPending, CreatedAt: fixedClock()},
			}, nil
		},
	}
	router := orderRouter(orders)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if gotUser != "user-1" {
		t.Fatalf("userID = %q, want user-1", gotUser)
	}
	body := decodeBody(t, rec)
	list := body["orders"].([]any)
	if len(list) != 2 {
		t.Fatalf("orders len = %d, want 2", len(list))
	}
}

func TestListOrdersRejectsBadLimit(t *testing.T) {
	router := orderRouter(&stubOrderService{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/?limit=nope", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetOrderHidesResellerPassword(t *testing.T) {
	orders := &stubOrderService{
		getOrder: func(ctx context.Context, userID, orderID string) (domain.Order, error) {
			return domain.Order{
				ID:     orderID,
				UserID: userID,
				Total:  4999,
				Status: domain.OrderStatusPending,
				ResellerCredentials: &domain.ResellerCredentials{
					Username: "reseller_1",
					Password: "supersecret",
				},
				CreatedAt: fixedClock(),
			}, nil
		},
	}
	router := orderRouter(orders)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/order-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["resellerUsername"] != "reseller_1" {
		t.Fatalf("resellerUsername = %v, want reseller_1", body["resellerUsername"])
	}
	if strings.Contains(rec.Body.String(), "supersecret") {
		t.Fatal("response leaked the reseller password")
	}
}

func TestGetOrderNotFound(t *testing.T) {
	orders := &stubOrderService{
		getOrder: func(ctx context.Context, userID, orderID string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}
	router := orderRouter(orders)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
