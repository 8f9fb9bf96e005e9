package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Logger is the minimal structured logging contract shared by the adapters.
type Logger func(ctx context.Context, event string, fields map[string]any)

// ManualAdapterConfig configures the manual adapter.
type ManualAdapterConfig struct {
	// Instructions is the operator-authored payment instruction text shown
	// to the customer (bank details, contact channel).
	Instructions string
	Clock        func() time.Time
	Logger       Logger
	IDGenerator  func() string
}

// ManualAdapter handles operator-confirmed payments. No provider round trip
// happens: the session resolves immediately and the order stays pending
// until an operator marks it paid.
type ManualAdapter struct {
	instructions string
	clock        func() time.Time
	logger       Logger
	newID        func() string
}

// NewManualAdapter constructs a ManualAdapter.
func NewManualAdapter(cfg ManualAdapterConfig) *ManualAdapter {
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
	return &ManualAdapter{
		instructions: cfg.Instructions,
		clock:        func() time.Time { return clock().UTC() },
		logger:       logger,
		newID:        newID,
	}
}

// Method implements Adapter.
func (a *ManualAdapter) Method() domain.PaymentMethod { return domain.MethodManual }

// FlowKind implements Adapter.
func (a *ManualAdapter) FlowKind() Flow { return FlowImmediate }

// CreateSession implements Adapter. The reference is minted locally; there
// is no external artifact for manual payments.
func (a *ManualAdapter) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	if a == nil {
		return Session{}, errors.New("manual: adapter is nil")
	}
	if req.Order.ID == "" {
		return Session{}, errors.New("manual: order id is required")
	}

	now := a.clock()
	session := Session{
		ID:        a.newID(),
		OrderID:   req.Order.ID,
		UserID:    req.Order.UserID,
		Method:    domain.MethodManual,
		Flow:      FlowImmediate,
		State:     SessionAwaitingConfirmation,
		Reference: "manual_" + req.Order.ID,
		Amount:    req.Order.Total,
		Currency:  req.Order.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}

	a.logger(ctx, "gateway.manual.session.created", map[string]any{
		"orderId": req.Order.ID,
		"amount":  req.Order.Total,
	})
	return session, nil
}

// Instructions returns the operator payment instructions for display.
func (a *ManualAdapter) Instructions() string { return a.instructions }

// Confirm implements Adapter. Manual checkout always resolves successfully
// from the customer's perspective; settlement is the operator's job, so the
// provider status stays pending until the order is marked paid.
func (a *ManualAdapter) Confirm(ctx context.Context, session Session, _ ConfirmRequest) (ConfirmResult, error) {
	if a == nil {
		return ConfirmResult{}, errors.New("manual: adapter is nil")
	}
	a.logger(ctx, "gateway.manual.session.confirmed", map[string]any{
		"orderId":   session.OrderID,
		"reference": session.Reference,
	})
	return ConfirmResult{
		Outcome:        OutcomeSuccess,
		ProviderStatus: "pending_operator",
	}, nil
}
