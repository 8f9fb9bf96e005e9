package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/oklog/ulid/v2"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeClients groups the Stripe API surfaces the adapter uses, so tests
// can substitute stubs without a network-facing client.
type StripeClients struct {
	Sessions stripeSessionAPI
}

// StripeAdapterConfig configures the StripeAdapter.
type StripeAdapterConfig struct {
	APIKey      string
	Backends    *stripe.Backends
	Clients     *StripeClients
	Clock       func() time.Time
	Logger      Logger
	IDGenerator func() string
}

// StripeAdapter drives hosted Stripe Checkout: the customer is redirected to
// Stripe's page and settlement is observed by polling the checkout session.
type StripeAdapter struct {
	api    StripeClients
	clock  func() time.Time
	logger Logger
	newID  func() string
}

// NewStripeAdapter constructs a StripeAdapter.
func NewStripeAdapter(cfg StripeAdapterConfig) (*StripeAdapter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients StripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = StripeClients{Sessions: sc.CheckoutSessions}
	}
	if clients.Sessions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
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

	return &StripeAdapter{
		api:    clients,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
		newID:  newID,
	}, nil
}

// Method implements Adapter.
func (a *StripeAdapter) Method() domain.PaymentMethod { return domain.MethodStripe }

// FlowKind implements Adapter.
func (a *StripeAdapter) FlowKind() Flow { return FlowRedirect }

// CreateSession opens a hosted Checkout session for the order total.
func (a *StripeAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if a == nil {
		return Session{}, errors.New("stripe: adapter is nil")
	}
	if req.Order.ID == "" {
		return Session{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		return Session{}, fmt.Errorf("%w: success and cancel urls are required", ErrInvalidInput)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata: map[string]string{
			"order_id": req.Order.ID,
			"source":   "checkout",
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	currency := strings.ToLower(defaultString(req.Order.Currency, "usd"))
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Order.Items))
	for _, item := range req.Order.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitPrice),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.ProductName),
				},
			},
		}
		if item.TermMonths > 0 {
			line.PriceData.ProductData.Description = stripe.String(fmt.Sprintf("%d month term", item.TermMonths))
		}
		lineItems = append(lineItems, line)
	}
	if len(lineItems) == 0 || discounted(req.Order) {
		// Discounts and credits already reduced the order total, so charge
		// a single consolidated line instead of per-item prices.
		lineItems = []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(req.Order.Total),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Order %s", req.Order.ID)),
				},
			},
		}}
	}
	params.LineItems = lineItems

	session, err := a.api.Sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("%w: create checkout session: %v", ErrUnavailable, err)
	}

	now := a.clock()
	expiresAt := now.Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	a.logger(ctx, "gateway.stripe.session.created", map[string]any{
		"orderId":   req.Order.ID,
		"sessionId": session.ID,
		"currency":  session.Currency,
	})

	return Session{
		ID:          a.newID(),
		OrderID:     req.Order.ID,
		UserID:      req.Order.UserID,
		Method:      domain.MethodStripe,
		Flow:        FlowRedirect,
		State:       SessionAwaitingUserAction,
		Reference:   session.ID,
		RedirectURL: session.URL,
		Amount:      req.Order.Total,
		Currency:    strings.ToUpper(currency),
		ExpiresAt:   &expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Confirm looks up the checkout session and maps Stripe's status pair onto
// the normalized outcome.
func (a *StripeAdapter) Confirm(ctx context.Context, session Session, _ ConfirmRequest) (ConfirmResult, error) {
	if a == nil {
		return ConfirmResult{}, errors.New("stripe: adapter is nil")
	}
	if session.Reference == "" {
		return ConfirmResult{}, fmt.Errorf("%w: session reference is required", ErrInvalidInput)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	checkout, err := a.api.Sessions.Get(session.Reference, params)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("%w: lookup checkout session: %v", ErrUnavailable, err)
	}

	result := ConfirmResult{
		Outcome:        OutcomePending,
		ProviderStatus: string(checkout.Status),
	}
	switch checkout.Status {
	case stripe.CheckoutSessionStatusComplete:
		if checkout.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			result.Outcome = OutcomeFailed
			result.Message = "checkout completed without payment"
		} else {
			result.Outcome = OutcomeSuccess
		}
	case stripe.CheckoutSessionStatusExpired:
		result.Outcome = OutcomeFailed
		result.Message = "checkout session expired"
	}

	a.logger(ctx, "gateway.stripe.session.status", map[string]any{
		"sessionId":     checkout.ID,
		"status":        checkout.Status,
		"paymentStatus": checkout.PaymentStatus,
	})
	return result, nil
}

func discounted(order domain.Order) bool {
	return order.DiscountAmount > 0 || order.CreditsUsed > 0
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
