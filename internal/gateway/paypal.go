package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/oklog/ulid/v2"
)

const (
	paypalLiveBaseURL    = "https://api-m.paypal.com"
	paypalSandboxBaseURL = "https://api-m.sandbox.paypal.com"

	paypalSessionTTL = 3 * time.Hour
)

// PayPalAdapterConfig configures the PayPalAdapter.
type PayPalAdapterConfig struct {
	ClientID     string
	ClientSecret string
	// Sandbox routes calls to PayPal's sandbox environment.
	Sandbox bool
	// BaseURL overrides the environment base URL, primarily for tests.
	BaseURL     string
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      Logger
	IDGenerator func() string
}

// PayPalAdapter drives the PayPal Orders v2 flow: an order token is minted
// up front, the embedded button collects buyer approval, and the capture
// callback settles synchronously.
type PayPalAdapter struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	clock        func() time.Time
	logger       Logger
	newID        func() string

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalAdapter constructs a PayPalAdapter.
func NewPayPalAdapter(cfg PayPalAdapterConfig) (*PayPalAdapter, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("paypal: client id and secret are required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = paypalLiveBaseURL
		if cfg.Sandbox {
			baseURL = paypalSandboxBaseURL
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

	return &PayPalAdapter{
		baseURL:      baseURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		httpClient:   httpClient,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
		newID:        newID,
	}, nil
}

// Method implements Adapter.
func (a *PayPalAdapter) Method() domain.PaymentMethod { return domain.MethodPayPal }

// FlowKind implements Adapter.
func (a *PayPalAdapter) FlowKind() Flow { return FlowWidget }

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id"`
	Description string       `json:"description,omitempty"`
	Amount      paypalAmount `json:"amount"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalCreateOrderRequest struct {
	Intent             string               `json:"intent"`
	PurchaseUnits      []paypalPurchaseUnit `json:"purchase_units"`
	ApplicationContext *paypalAppContext    `json:"application_context,omitempty"`
}

type paypalAppContext struct {
	ReturnURL  string `json:"return_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
	UserAction string `json:"user_action,omitempty"`
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// CreateSession mints a PayPal order token for the bound order.
func (a *PayPalAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if a == nil {
		return Session{}, errors.New("paypal: adapter is nil")
	}
	if req.Order.ID == "" {
		return Session{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	payload := paypalCreateOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{{
			ReferenceID: req.Order.ID,
			Description: fmt.Sprintf("Order %s", req.Order.ID),
			Amount: paypalAmount{
				CurrencyCode: strings.ToUpper(defaultString(req.Order.Currency, "USD")),
				Value:        formatMinorUnits(req.Order.Total),
			},
		}},
	}
	if req.SuccessURL != "" || req.CancelURL != "" {
		payload.ApplicationContext = &paypalAppContext{
			ReturnURL:  req.SuccessURL,
			CancelURL:  req.CancelURL,
			UserAction: "PAY_NOW",
		}
	}

	var order paypalOrderResponse
	if err := a.call(ctx, http.MethodPost, "/v2/checkout/orders", payload, &order); err != nil {
		return Session{}, err
	}
	if order.ID == "" {
		return Session{}, fmt.Errorf("%w: paypal order response missing id", ErrUnavailable)
	}

	approveURL := ""
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
			break
		}
	}

	now := a.clock()
	expiresAt := now.Add(paypalSessionTTL)
	a.logger(ctx, "gateway.paypal.order.created", map[string]any{
		"orderId":     req.Order.ID,
		"paypalOrder": order.ID,
		"status":      order.Status,
	})

	return Session{
		ID:          a.newID(),
		OrderID:     req.Order.ID,
		UserID:      req.Order.UserID,
		Method:      domain.MethodPayPal,
		Flow:        FlowWidget,
		State:       SessionAwaitingUserAction,
		Reference:   order.ID,
		ButtonToken: order.ID,
		RedirectURL: approveURL,
		Amount:      req.Order.Total,
		Currency:    strings.ToUpper(defaultString(req.Order.Currency, "USD")),
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

type paypalCaptureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// Confirm captures the approved PayPal order. The widget's approval callback
// is the trigger; capture is synchronous.
func (a *PayPalAdapter) Confirm(ctx context.Context, session Session, _ ConfirmRequest) (ConfirmResult, error) {
	if a == nil {
		return ConfirmResult{}, errors.New("paypal: adapter is nil")
	}
	if session.Reference == "" {
		return ConfirmResult{}, fmt.Errorf("%w: session reference is required", ErrInvalidInput)
	}

	var capture paypalCaptureResponse
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", url.PathEscape(session.Reference))
	if err := a.call(ctx, http.MethodPost, path, struct{}{}, &capture); err != nil {
		return ConfirmResult{}, err
	}

	captureID := ""
	captureStatus := ""
	for _, unit := range capture.PurchaseUnits {
		for _, c := range unit.Payments.Captures {
			captureID = c.ID
			captureStatus = c.Status
		}
	}

	a.logger(ctx, "gateway.paypal.order.captured", map[string]any{
		"paypalOrder": capture.ID,
		"status":      capture.Status,
		"captureId":   captureID,
	})

	result := ConfirmResult{
		ProviderStatus:    capture.Status,
		ProviderReference: captureID,
	}
	switch capture.Status {
	case "COMPLETED":
		result.Outcome = OutcomeSuccess
	case "DECLINED", "VOIDED":
		result.Outcome = OutcomeFailed
		result.Message = fmt.Sprintf("paypal capture %s", strings.ToLower(capture.Status))
	default:
		if captureStatus == "DECLINED" {
			result.Outcome = OutcomeFailed
			result.Message = "paypal capture declined"
		} else {
			result.Outcome = OutcomePending
		}
	}
	return result, nil
}

func (a *PayPalAdapter) call(ctx context.Context, method, path string, payload, out any) error {
	token, err := a.token(ctx)
	if err != nil {
		return err
	}

	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return fmt.Errorf("paypal: encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("paypal: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrRejected, providerMessage(resp.Body))
	case resp.StatusCode == http.StatusUnauthorized:
		a.invalidateToken()
		return fmt.Errorf("%w: paypal authorization failed", ErrUnavailable)
	default:
		return fmt.Errorf("%w: paypal status %d", ErrUnavailable, resp.StatusCode)
	}
}

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *PayPalAdapter) token(ctx context.Context) (string, error) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()

	now := a.clock()
	if a.accessToken != "" && now.Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/oauth2/token", form)
	if err != nil {
		return "", fmt.Errorf("paypal: build token request: %w", err)
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: paypal token status %d", ErrUnavailable, resp.StatusCode)
	}

	var token paypalTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("%w: decode token: %v", ErrUnavailable, err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: empty paypal token", ErrUnavailable)
	}

	// Renew one minute early so in-flight calls never straddle expiry.
	ttl := time.Duration(token.ExpiresIn) * time.Second
	if ttl > time.Minute {
		ttl -= time.Minute
	}
	a.accessToken = token.AccessToken
	a.tokenExpiry = now.Add(ttl)
	return a.accessToken, nil
}

func (a *PayPalAdapter) invalidateToken() {
	a.tokenMu.Lock()
	a.accessToken = ""
	a.tokenExpiry = time.Time{}
	a.tokenMu.Unlock()
}

func providerMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "provider rejected the payment"
	}
	var envelope struct {
		Message string `json:"message"`
		Details []struct {
			Description string `json:"description"`
		} `json:"details"`
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if len(envelope.Details) > 0 && envelope.Details[0].Description != "" {
			return envelope.Details[0].Description
		}
		if len(envelope.Errors) > 0 && envelope.Errors[0].Detail != "" {
			return envelope.Errors[0].Detail
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return "provider rejected the payment"
}

// formatMinorUnits renders cents as a decimal string, e.g. 2499 -> "24.99".
func formatMinorUnits(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}
