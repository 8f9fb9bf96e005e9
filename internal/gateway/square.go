package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/oklog/ulid/v2"
)

const (
	squareLiveBaseURL    = "https://connect.squareup.com"
	squareSandboxBaseURL = "https://connect.squareupsandbox.com"
	squareAPIVersion     = "2024-04-17"

	squareSessionTTL = 1 * time.Hour
)

// SquareAdapterConfig configures the SquareAdapter.
type SquareAdapterConfig struct {
	AccessToken string
	// ApplicationID and LocationID are the public identifiers the embedded
	// card widget needs; they travel on the session as the button token.
	ApplicationID string
	LocationID    string
	Sandbox       bool
	// BaseURL overrides the environment base URL, primarily for tests.
	BaseURL     string
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      Logger
	IDGenerator func() string
}

// SquareAdapter drives Square's embedded card widget. Session creation is
// local (the widget only needs public identifiers); the widget callback
// hands back a card token which Confirm exchanges for a payment.
type SquareAdapter struct {
	baseURL       string
	accessToken   string
	applicationID string
	locationID    string
	httpClient    *http.Client
	clock         func() time.Time
	logger        Logger
	newID         func() string
}

// NewSquareAdapter constructs a SquareAdapter.
func NewSquareAdapter(cfg SquareAdapterConfig) (*SquareAdapter, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("square: access token is required")
	}
	if strings.TrimSpace(cfg.LocationID) == "" {
		return nil, errors.New("square: location id is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = squareLiveBaseURL
		if cfg.Sandbox {
			baseURL = squareSandboxBaseURL
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newID := cfg.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	return &SquareAdapter{
		baseURL:       baseURL,
		accessToken:   strings.TrimSpace(cfg.AccessToken),
		applicationID: strings.TrimSpace(cfg.ApplicationID),
		locationID:    strings.TrimSpace(cfg.LocationID),
		httpClient:    httpClient,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
		newID:         newID,
	}, nil
}

// Method implements Adapter.
func (a *SquareAdapter) Method() domain.PaymentMethod { return domain.MethodSquare }

// FlowKind implements Adapter.
func (a *SquareAdapter) FlowKind() Flow { return FlowWidget }

// CreateSession implements Adapter. No provider round trip happens here:
// the widget tokenizes the card client-side and Confirm creates the payment.
func (a *SquareAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if a == nil {
		return Session{}, errors.New("square: adapter is nil")
	}
	if req.Order.ID == "" {
		return Session{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	now := a.clock()
	expiresAt := now.Add(squareSessionTTL)
	session := Session{
		ID:          a.newID(),
		OrderID:     req.Order.ID,
		UserID:      req.Order.UserID,
		Method:      domain.MethodSquare,
		Flow:        FlowWidget,
		State:       SessionAwaitingUserAction,
		Reference:   "sq_" + req.Order.ID,
		ButtonToken: a.applicationID,
		Amount:      req.Order.Total,
		Currency:    strings.ToUpper(defaultString(req.Order.Currency, "USD")),
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	a.logger(ctx, "gateway.square.session.created", map[string]any{
		"orderId":    req.Order.ID,
		"locationId": a.locationID,
	})
	return session, nil
}

type squarePaymentRequest struct {
	SourceID       string      `json:"source_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	AmountMoney    squareMoney `json:"amount_money"`
	LocationID     string      `json:"location_id"`
	ReferenceID    string      `json:"reference_id,omitempty"`
	BuyerEmail     string      `json:"buyer_email_address,omitempty"`
	Autocomplete   bool        `json:"autocomplete"`
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePaymentResponse struct {
	Payment struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"payment"`
	Errors []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

// Confirm exchanges the widget's card token for a Square payment. This is
// the synchronous capture call for the embedded flow.
func (a *SquareAdapter) Confirm(ctx context.Context, session Session, req ConfirmRequest) (ConfirmResult, error) {
	if a == nil {
		return ConfirmResult{}, errors.New("square: adapter is nil")
	}
	if strings.TrimSpace(req.SourceToken) == "" {
		return ConfirmResult{}, fmt.Errorf("%w: card token is required", ErrInvalidInput)
	}

	payload := squarePaymentRequest{
		SourceID:       req.SourceToken,
		IdempotencyKey: squareIdempotencyKey(session.OrderID, a.newID()),
		AmountMoney: squareMoney{
			Amount:   session.Amount,
			Currency: defaultString(session.Currency, "USD"),
		},
		LocationID:   a.locationID,
		ReferenceID:  session.OrderID,
		BuyerEmail:   req.BuyerEmail,
		Autocomplete: true,
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return ConfirmResult{}, fmt.Errorf("square: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/payments", body)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("square: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.accessToken)
	httpReq.Header.Set("Square-Version", squareAPIVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var decoded squarePaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return ConfirmResult{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		message := "provider rejected the payment"
		if len(decoded.Errors) > 0 && decoded.Errors[0].Detail != "" {
			message = decoded.Errors[0].Detail
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return ConfirmResult{}, fmt.Errorf("%w: square status %d", ErrUnavailable, resp.StatusCode)
		}
		return ConfirmResult{}, fmt.Errorf("%w: %s", ErrRejected, message)
	}

	a.logger(ctx, "gateway.square.payment.created", map[string]any{
		"orderId":   session.OrderID,
		"paymentId": decoded.Payment.ID,
		"status":    decoded.Payment.Status,
	})

	result := ConfirmResult{
		ProviderStatus:    decoded.Payment.Status,
		ProviderReference: decoded.Payment.ID,
	}
	switch decoded.Payment.Status {
	case "COMPLETED", "APPROVED":
		result.Outcome = OutcomeSuccess
	case "FAILED", "CANCELED":
		result.Outcome = OutcomeFailed
		result.Message = fmt.Sprintf("square payment %s", strings.ToLower(decoded.Payment.Status))
	default:
		result.Outcome = OutcomePending
	}
	return result, nil
}

// squareIdempotencyKey builds Square's 45-character-max idempotency key from
// the order prefix and a fresh unique suffix.
func squareIdempotencyKey(orderID, unique string) string {
	prefix := orderID
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	suffix := unique
	if len(suffix) > 20 {
		suffix = suffix[:20]
	}
	return prefix + "_" + suffix
}
