package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/gateway"
	pfirestore "github.com/asherpoirier/iptvbcms-sub001/internal/platform/firestore"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

const sessionCollection = "gateway_sessions"

type gatewaySessionDocument struct {
	OrderID               string     `firestore:"orderId"`
	UserID                string     `firestore:"userId"`
	Method                string     `firestore:"method"`
	Flow                  string     `firestore:"flow"`
	State                 string     `firestore:"state"`
	Reference             string     `firestore:"reference"`
	RedirectURL           string     `firestore:"redirectUrl,omitempty"`
	ButtonToken           string     `firestore:"buttonToken,omitempty"`
	Address               string     `firestore:"address,omitempty"`
	QRPayload             string     `firestore:"qrPayload,omitempty"`
	ExpectedSats          int64      `firestore:"expectedSats,omitempty"`
	ConfirmationsRequired int        `firestore:"confirmationsRequired,omitempty"`
	ConfirmationsReceived int        `firestore:"confirmationsReceived,omitempty"`
	Amount                int64      `firestore:"amount"`
	Currency              string     `firestore:"currency"`
	ExpiresAt             *time.Time `firestore:"expiresAt,omitempty"`
	CreatedAt             time.Time  `firestore:"createdAt"`
	UpdatedAt             time.Time  `firestore:"updatedAt"`
}

// GatewaySessionRepository persists payment sessions keyed by session ID.
type GatewaySessionRepository struct {
	base *pfirestore.BaseRepository[gatewaySessionDocument]
}

var _ repositories.GatewaySessionRepository = (*GatewaySessionRepository)(nil)

// NewGatewaySessionRepository constructs a Firestore-backed session repository.
func NewGatewaySessionRepository(provider *pfirestore.Provider) (*GatewaySessionRepository, error) {
	if provider == nil {
		return nil, errors.New("session repository requires firestore provider")
	}
	return &GatewaySessionRepository{
		base: pfirestore.NewBaseRepository[gatewaySessionDocument](provider, sessionCollection, nil),
	}, nil
}

// Save implements repositories.GatewaySessionRepository.
func (r *GatewaySessionRepository) Save(ctx context.Context, session gateway.Session) error {
	if strings.TrimSpace(session.ID) == "" {
		return errors.New("session repository: session id is required")
	}
	_, err := r.base.Set(ctx, session.ID, sessionToDocument(session))
	return err
}

// Get implements repositories.GatewaySessionRepository.
func (r *GatewaySessionRepository) Get(ctx context.Context, sessionID string) (gateway.Session, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return gateway.Session{}, err
	}
	return sessionFromDocument(doc.ID, doc.Data), nil
}

// FindOpen implements repositories.GatewaySessionRepository. At most one
// unresolved session exists per order and method.
func (r *GatewaySessionRepository) FindOpen(ctx context.Context, orderID string, method domain.PaymentMethod) (gateway.Session, error) {
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("orderId", "==", strings.TrimSpace(orderID)).
			Where("method", "==", string(method)).
			Where("state", "in", []string{
				string(gateway.SessionInitiated),
				string(gateway.SessionAwaitingUserAction),
				string(gateway.SessionAwaitingConfirmation),
			}).
			Limit(1)
	})
	if err != nil {
		return gateway.Session{}, err
	}
	if len(docs) == 0 {
		return gateway.Session{}, pfirestore.NewNotFound("gateway_sessions.find", errors.New("no open session"))
	}
	return sessionFromDocument(docs[0].ID, docs[0].Data), nil
}

// FindByReference implements repositories.GatewaySessionRepository.
func (r *GatewaySessionRepository) FindByReference(ctx context.Context, method domain.PaymentMethod, reference string) (gateway.Session, error) {
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("method", "==", string(method)).
			Where("reference", "==", strings.TrimSpace(reference)).
			Limit(1)
	})
	if err != nil {
		return gateway.Session{}, err
	}
	if len(docs) == 0 {
		return gateway.Session{}, pfirestore.NewNotFound("gateway_sessions.find", errors.New("no session for reference"))
	}
	return sessionFromDocument(docs[0].ID, docs[0].Data), nil
}

// UpdateState implements repositories.GatewaySessionRepository.
func (r *GatewaySessionRepository) UpdateState(ctx context.Context, sessionID string, state gateway.SessionState, confirmationsReceived int) error {
	updates := []firestore.Update{
		{Path: "state", Value: string(state)},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if confirmationsReceived > 0 {
		updates = append(updates, firestore.Update{Path: "confirmationsReceived", Value: confirmationsReceived})
	}
	_, err := r.base.Update(ctx, strings.TrimSpace(sessionID), updates)
	return err
}

func sessionToDocument(session gateway.Session) gatewaySessionDocument {
	return gatewaySessionDocument{
		OrderID:               session.OrderID,
		UserID:                session.UserID,
		Method:                string(session.Method),
		Flow:                  string(session.Flow),
		State:                 string(session.State),
		Reference:             session.Reference,
		RedirectURL:           session.RedirectURL,
		ButtonToken:           session.ButtonToken,
		Address:               session.Address,
		QRPayload:             session.QRPayload,
		ExpectedSats:          session.ExpectedSats,
		ConfirmationsRequired: session.ConfirmationsRequired,
		ConfirmationsReceived: session.ConfirmationsReceived,
		Amount:                session.Amount,
		Currency:              session.Currency,
		ExpiresAt:             session.ExpiresAt,
		CreatedAt:             session.CreatedAt.UTC(),
		UpdatedAt:             session.UpdatedAt.UTC(),
	}
}

func sessionFromDocument(id string, doc gatewaySessionDocument) gateway.Session {
	return gateway.Session{
		ID:                    id,
		OrderID:               doc.OrderID,
		UserID:                doc.UserID,
		Method:                domain.PaymentMethod(doc.Method),
		Flow:                  gateway.Flow(doc.Flow),
		State:                 gateway.SessionState(doc.State),
		Reference:             doc.Reference,
		RedirectURL:           doc.RedirectURL,
		ButtonToken:           doc.ButtonToken,
		Address:               doc.Address,
		QRPayload:             doc.QRPayload,
		ExpectedSats:          doc.ExpectedSats,
		ConfirmationsRequired: doc.ConfirmationsRequired,
		ConfirmationsReceived: doc.ConfirmationsReceived,
		Amount:                doc.Amount,
		Currency:              doc.Currency,
		ExpiresAt:             doc.ExpiresAt,
		CreatedAt:             doc.CreatedAt,
		UpdatedAt:             doc.UpdatedAt,
	}
}
