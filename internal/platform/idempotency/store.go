// Package idempotency persists order-binding reservations so that repeated
// checkout commits for the same cart snapshot resolve to a single order.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// Status represents the lifecycle state of an idempotency record.
type Status string

const (
	// DefaultTTL is the default duration that idempotency records are retained.
	DefaultTTL = 24 * time.Hour
	// StatusPending indicates that a request has reserved the key but not yet bound an order.
	StatusPending Status = "pending"
	// StatusCompleted indicates that an order has been bound to the key and can be reused.
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of attempting to reserve an idempotency key.
type ReservationState int

const (
	// ReservationStateNew means no existing reservation was found and the caller may create the order.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means an order was already bound and should be reused.
	ReservationStateCompleted
	// ReservationStatePending means another request is currently binding an order for this key.
	ReservationStatePending
)

// Reservation encapsulates the result of reserving a key, including the stored record if available.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record captures the persisted order binding for an idempotency key.
type Record struct {
	Key         string
	Fingerprint string
	Status      Status
	OrderID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
}

// Store persists idempotency reservations and order bindings.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	Complete(ctx context.Context, key, fingerprint, orderID string, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when an idempotency key is reused with a
// different cart snapshot fingerprint.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different snapshot fingerprint")

// Fingerprint derives a stable request fingerprint from the provided payload.
func Fingerprint(payload []byte) string {
	return sha256Hex(payload)
}

func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
