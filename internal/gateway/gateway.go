// Package gateway normalizes the platform's payment methods behind a single
// adapter contract: create a session, let the user act, confirm the outcome.
// Each method keeps its own interaction model (operator confirmation,
// hosted redirect, embedded widget, deposit address) behind the same three
// operations so the checkout orchestrator never branches per provider.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
)

var (
	// ErrNotConfigured indicates no adapter is registered for the method.
	ErrNotConfigured = errors.New("gateway: method not configured")
	// ErrDisabled indicates the method exists but is switched off.
	ErrDisabled = errors.New("gateway: method disabled")
	// ErrInvalidInput indicates the adapter rejected the request before any
	// provider round trip.
	ErrInvalidInput = errors.New("gateway: invalid input")
	// ErrRejected indicates a definitive provider-side rejection (declined
	// card, voided approval). The wrapped text carries the provider message.
	ErrRejected = errors.New("gateway: payment rejected")
	// ErrUnavailable indicates a transient transport or provider failure.
	ErrUnavailable = errors.New("gateway: provider unavailable")
)

// Flow describes how a method collects the customer's action.
type Flow string

const (
	// FlowImmediate needs no customer action beyond choosing the method.
	FlowImmediate Flow = "immediate"
	// FlowRedirect sends the customer to a hosted provider page.
	FlowRedirect Flow = "redirect"
	// FlowWidget embeds a provider widget whose callback resolves payment.
	FlowWidget Flow = "widget"
	// FlowAddress displays a deposit address the customer pays out of band.
	FlowAddress Flow = "address"
)

// SessionState is the lifecycle of one payment attempt.
type SessionState string

const (
	SessionInitiated            SessionState = "initiated"
	SessionAwaitingUserAction   SessionState = "awaiting_user_action"
	SessionAwaitingConfirmation SessionState = "awaiting_confirmation"
	SessionConfirmed            SessionState = "confirmed"
	SessionExpired              SessionState = "expired"
	SessionError                SessionState = "error"
)

// Resolved reports whether the session can no longer accept payment.
func (s SessionState) Resolved() bool {
	switch s {
	case SessionConfirmed, SessionExpired, SessionError:
		return true
	default:
		return false
	}
}

// Outcome is the normalized result of a confirmation attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

// Session is the method-specific in-flight payment artifact. Reference holds
// the provider token (Stripe checkout session ID, PayPal order token, Square
// payment ID, Bitcoin deposit address); the flow-specific fields below it
// are populated only for the flows that use them.
type Session struct {
	ID        string
	OrderID   string
	UserID    string
	Method    domain.PaymentMethod
	Flow      Flow
	State     SessionState
	Reference string

	RedirectURL string
	ButtonToken string

	Address               string
	QRPayload             string
	ExpectedSats          int64
	ConfirmationsRequired int
	ConfirmationsReceived int

	Amount   int64
	Currency string

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateSessionRequest carries everything an adapter needs to open a session
// for a bound order.
type CreateSessionRequest struct {
	Order         domain.Order
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	// IdempotencyKey dedupes provider-side artifacts for retried requests.
	IdempotencyKey string
}

// ConfirmRequest carries confirmation inputs. SourceToken is the widget
// callback artifact (Square card nonce, PayPal approval echo); lookup-style
// confirmations leave it empty.
type ConfirmRequest struct {
	SourceToken string
	BuyerEmail  string
}

// ConfirmResult is the normalized confirmation outcome. For address flows
// the confirmation counters report partial progress while Outcome stays
// pending.
type ConfirmResult struct {
	Outcome        Outcome
	ProviderStatus string
	Message        string
	// ProviderReference is set when confirmation mints a new provider
	// artifact, e.g. the Square payment ID created at capture time.
	ProviderReference     string
	ConfirmationsReceived int
	ConfirmationsRequired int
}

// Adapter is the uniform three-operation payment contract. CreateSession
// performs any provider round trip needed to mint the session reference;
// Confirm either captures synchronously (widget flows) or looks up current
// status (redirect and address flows, driven by the confirmation poller).
type Adapter interface {
	Method() domain.PaymentMethod
	FlowKind() Flow
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)
	Confirm(ctx context.Context, session Session, req ConfirmRequest) (ConfirmResult, error)
}
