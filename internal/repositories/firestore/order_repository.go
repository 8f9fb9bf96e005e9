package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	pfirestore "github.com/asherpoirier/iptvbcms-sub001/internal/platform/firestore"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

const orderCollection = "orders"

type resellerCredentialsDocument struct {
	Username string `firestore:"username"`
	Password string `firestore:"password"`
}

type orderDocument struct {
	UserID              string                       `firestore:"userId"`
	CheckoutSessionID   string                       `firestore:"checkoutSessionId"`
	Items               []cartItemDocument           `firestore:"items"`
	Subtotal            int64                        `firestore:"subtotal"`
	DiscountAmount      int64                        `firestore:"discountAmount"`
	CouponCode          string                       `firestore:"couponCode,omitempty"`
	CreditsUsed         int64                        `firestore:"creditsUsed"`
	Total               int64                        `firestore:"total"`
	Currency            string                       `firestore:"currency"`
	PaymentMethod       string                       `firestore:"paymentMethod"`
	ResellerCredentials *resellerCredentialsDocument `firestore:"resellerCredentials,omitempty"`
	Status              string                       `firestore:"status"`
	FailureReason       string                       `firestore:"failureReason,omitempty"`
	PaidAt              *time.Time                   `firestore:"paidAt,omitempty"`
	CreatedAt           time.Time                    `firestore:"createdAt"`
	UpdatedAt           time.Time                    `firestore:"updatedAt"`
}

// OrderRepository persists orders keyed by order ID.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil),
	}, nil
}

// Create implements repositories.OrderRepository. Creation fails with a
// conflict when the order ID already exists.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Create(ctx, order.ID, orderToDocument(order))
	return err
}

// Get implements repositories.OrderRepository.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return orderFromDocument(doc.ID, doc.Data), nil
}

// FindByCheckoutSession implements repositories.OrderRepository.
func (r *OrderRepository) FindByCheckoutSession(ctx context.Context, checkoutSessionID string) (domain.Order, error) {
	checkoutSessionID = strings.TrimSpace(checkoutSessionID)
	if checkoutSessionID == "" {
		return domain.Order{}, errors.New("order repository: checkout session id is required")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("checkoutSessionId", "==", checkoutSessionID).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, pfirestore.NewNotFound("orders.find", errors.New("no order for checkout session"))
	}
	return orderFromDocument(docs[0].ID, docs[0].Data), nil
}

// ListByUser implements repositories.OrderRepository, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("userId", "==", strings.TrimSpace(userID)).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, orderFromDocument(doc.ID, doc.Data))
	}
	return orders, nil
}

// UpdateStatus implements repositories.OrderRepository.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, reason string, paidAt *time.Time) error {
	updates := []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if strings.TrimSpace(reason) == "" {
		updates = append(updates, firestore.Update{Path: "failureReason", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "failureReason", Value: reason})
	}
	if paidAt != nil {
		utc := paidAt.UTC()
		updates = append(updates, firestore.Update{Path: "paidAt", Value: &utc})
	}
	_, err := r.base.Update(ctx, strings.TrimSpace(orderID), updates)
	return err
}

// SetPaymentMethod implements repositories.OrderRepository.
func (r *OrderRepository) SetPaymentMethod(ctx context.Context, orderID string, method domain.PaymentMethod) error {
	_, err := r.base.Update(ctx, strings.TrimSpace(orderID), []firestore.Update{
		{Path: "paymentMethod", Value: string(method)},
		{Path: "updatedAt", Value: time.Now().UTC()},
	})
	return err
}

func orderToDocument(order domain.Order) orderDocument {
	items := make([]cartItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, cartItemDocument{
			ProductID:        item.ProductID,
			ProductName:      item.ProductName,
			TermMonths:       item.TermMonths,
			UnitPrice:        item.UnitPrice,
			AccountType:      string(item.AccountType),
			ActionType:       string(item.ActionType),
			RenewalServiceID: item.RenewalServiceID,
		})
	}
	doc := orderDocument{
		UserID:            order.UserID,
		CheckoutSessionID: order.CheckoutSessionID,
		Items:             items,
		Subtotal:          order.Subtotal,
		DiscountAmount:    order.DiscountAmount,
		CouponCode:        order.CouponCode,
		CreditsUsed:       order.CreditsUsed,
		Total:             order.Total,
		Currency:          strings.ToUpper(strings.TrimSpace(order.Currency)),
		PaymentMethod:     string(order.PaymentMethod),
		Status:            string(order.Status),
		FailureReason:     order.FailureReason,
		PaidAt:            order.PaidAt,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}
	if order.ResellerCredentials != nil {
		doc.ResellerCredentials = &resellerCredentialsDocument{
			Username: order.ResellerCredentials.Username,
			Password: order.ResellerCredentials.Password,
		}
	}
	return doc
}

func orderFromDocument(id string, doc orderDocument) domain.Order {
	items := make([]domain.LineItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.LineItem{
			ProductID:        item.ProductID,
			ProductName:      item.ProductName,
			TermMonths:       item.TermMonths,
			UnitPrice:        item.UnitPrice,
			AccountType:      domain.AccountType(item.AccountType),
			ActionType:       domain.ActionType(item.ActionType),
			RenewalServiceID: item.RenewalServiceID,
		})
	}
	order := domain.Order{
		ID:                id,
		UserID:            doc.UserID,
		CheckoutSessionID: doc.CheckoutSessionID,
		Items:             items,
		Subtotal:          doc.Subtotal,
		DiscountAmount:    doc.DiscountAmount,
		CouponCode:        doc.CouponCode,
		CreditsUsed:       doc.CreditsUsed,
		Total:             doc.Total,
		Currency:          doc.Currency,
		PaymentMethod:     domain.PaymentMethod(doc.PaymentMethod),
		Status:            domain.OrderStatus(doc.Status),
		FailureReason:     doc.FailureReason,
		PaidAt:            doc.PaidAt,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
	if doc.ResellerCredentials != nil {
		order.ResellerCredentials = &domain.ResellerCredentials{
			Username: doc.ResellerCredentials.Username,
			Password: doc.ResellerCredentials.Password,
		}
	}
	return order
}
