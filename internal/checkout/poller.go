// Package checkout drives a customer's payment from a frozen cart snapshot
// to a terminal outcome: snapshot, order binding, gateway session, bounded
// confirmation polling and post-payment reconciliation.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
)

// PollOutcome is the terminal state of one polling run.
type PollOutcome string

const (
	// PollConfirmed means the provider reported a definitive success.
	PollConfirmed PollOutcome = "confirmed"
	// PollExpired means the attempt ceiling was reached without a definitive
	// signal. It is not a failure; the order settles asynchronously.
	PollExpired PollOutcome = "expired"
	// PollFailed means the provider reported a definitive failure.
	PollFailed PollOutcome = "failed"
)

// PollProfile bounds one polling loop.
type PollProfile struct {
	Interval    time.Duration
	MaxAttempts int
}

// PollResult reports how a polling run ended.
type PollResult struct {
	Outcome               PollOutcome
	Attempts              int
	ConfirmationsReceived int
	ConfirmationsRequired int
	ProviderReference     string
	Message               string
}

var (
	errPollerProfileRequired = errors.New("poller: card and crypto profiles require a positive interval and attempt ceiling")
	errPollerAdapterRequired = errors.New("poller: adapter is required")
)

// PollerConfig carries the method profiles. Card-style redirects settle in
// seconds; address-based crypto settles in minutes, so it gets a longer
// interval and a higher ceiling.
type PollerConfig struct {
	Card   PollProfile
	Crypto PollProfile
	Logger gateway.Logger
}

// Poller runs the bounded confirmation loop for redirect and address flows.
type Poller struct {
	card   PollProfile
	crypto PollProfile
	log    gateway.Logger
}

// NewPoller validates the profiles and builds a Poller.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	for _, profile := range []PollProfile{cfg.Card, cfg.Crypto} {
		if profile.Interval <= 0 || profile.MaxAttempts <= 0 {
			return nil, errPollerProfileRequired
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Poller{card: cfg.Card, crypto: cfg.Crypto, log: logger}, nil
}

// ProfileFor selects the polling profile for a flow.
func (p *Poller) ProfileFor(flow gateway.Flow) PollProfile {
	if flow == gateway.FlowAddress {
		return p.crypto
	}
	return p.card
}

// Await polls the adapter until a terminal outcome, the attempt ceiling,
// the request deadline or context cancellation. After cancellation no further Confirm calls are
// issued. onUpdate, when set, observes confirmation progress between
// attempts; the session passed to it carries the latest counters.
func (p *Poller) Await(ctx context.Context, adapter gateway.Adapter, session gateway.Session, onUpdate func(gateway.Session)) (PollResult, error) {
	if adapter == nil {
		return PollResult{}, errPollerAdapterRequired
	}
	profile := p.ProfileFor(adapter.FlowKind())
	deadline, hasDeadline := ctx.Deadline()

	result := PollResult{
		ConfirmationsRequired: session.ConfirmationsRequired,
	}
	for attempt := 1; attempt <= profile.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("poller: cancelled: %w", err)
		}
		result.Attempts = attempt

		confirm, err := adapter.Confirm(ctx, session, gateway.ConfirmRequest{})
		switch {
		case err == nil:
		case errors.Is(err, gateway.ErrRejected):
			result.Outcome = PollFailed
			result.Message = err.Error()
			return result, nil
		case errors.Is(err, gateway.ErrUnavailable):
			// Transient provider trouble burns the attempt but keeps polling.
			p.log(ctx, "poller.attempt_unavailable", map[string]any{
				"sessionId": session.ID,
				"attempt":   attempt,
				"error":     err.Error(),
			})
		default:
			return result, fmt.Errorf("poller: confirm: %w", err)
		}

		if err == nil {
			if confirm.ConfirmationsRequired > 0 {
				result.ConfirmationsRequired = confirm.ConfirmationsRequired
			}
			if confirm.ConfirmationsReceived > result.ConfirmationsReceived {
				result.ConfirmationsReceived = confirm.ConfirmationsReceived
				session.ConfirmationsReceived = confirm.ConfirmationsReceived
				if onUpdate != nil {
					onUpdate(session)
				}
			}
			switch confirm.Outcome {
			case gateway.OutcomeSuccess:
				result.Outcome = PollConfirmed
				result.ProviderReference = confirm.ProviderReference
				result.Message = confirm.Message
				return result, nil
			case gateway.OutcomeFailed:
				result.Outcome = PollFailed
				result.Message = confirm.Message
				return result, nil
			}
		}

		if attempt == profile.MaxAttempts {
			break
		}
		// A request deadline shorter than the profile truncates the loop
		// with the same still-settling outcome, so a long-poll caller gets
		// a response instead of a middleware timeout.
		if hasDeadline && !time.Now().Add(profile.Interval).Before(deadline) {
			break
		}
		timer := time.NewTimer(profile.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, fmt.Errorf("poller: cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	result.Outcome = PollExpired
	p.log(ctx, "poller.expired", map[string]any{
		"sessionId": session.ID,
		"attempts":  result.Attempts,
	})
	return result, nil
}
