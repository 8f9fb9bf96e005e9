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

const cartCollection = "carts"

type cartItemDocument struct {
	ProductID        string `firestore:"productId"`
	ProductName      string `firestore:"productName"`
	TermMonths       int    `firestore:"termMonths"`
	UnitPrice        int64  `firestore:"unitPrice"`
	AccountType      string `firestore:"accountType"`
	ActionType       string `firestore:"actionType,omitempty"`
	RenewalServiceID string `firestore:"renewalServiceId,omitempty"`
}

type cartDocument struct {
	UserID            string             `firestore:"userId"`
	Items             []cartItemDocument `firestore:"items"`
	CouponCode        string             `firestore:"couponCode,omitempty"`
	DiscountAmount    int64              `firestore:"discountAmount"`
	CreditsApplied    int64              `firestore:"creditsApplied"`
	Currency          string             `firestore:"currency"`
	CheckoutSessionID string             `firestore:"checkoutSessionId,omitempty"`
	UpdatedAt         time.Time          `firestore:"updatedAt"`
}

// CartRepository persists carts keyed by user ID.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{
		base:     pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil),
		provider: provider,
	}, nil
}

// Get implements repositories.CartRepository.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(userID))
	if err != nil {
		return domain.Cart{}, err
	}
	cart := cartFromDocument(doc.Data)
	cart.UpdatedAt = doc.UpdateTime
	return cart, nil
}

// Upsert implements repositories.CartRepository. A non-zero expectedUpdate
// turns the write into an optimistic-lock update against the last read.
func (r *CartRepository) Upsert(ctx context.Context, cart domain.Cart, expectedUpdate time.Time) (time.Time, error) {
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return time.Time{}, errors.New("cart repository: user id is required")
	}

	doc := cartToDocument(cart)
	if expectedUpdate.IsZero() {
		result, err := r.base.Set(ctx, userID, doc)
		if err != nil {
			return time.Time{}, err
		}
		return result.UpdateTime, nil
	}

	updates := []firestore.Update{
		{Path: "items", Value: doc.Items},
		{Path: "discountAmount", Value: doc.DiscountAmount},
		{Path: "creditsApplied", Value: doc.CreditsApplied},
		{Path: "currency", Value: doc.Currency},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if doc.CouponCode == "" {
		updates = append(updates, firestore.Update{Path: "couponCode", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "couponCode", Value: doc.CouponCode})
	}

	result, err := r.base.Update(ctx, userID, updates, firestore.LastUpdateTime(expectedUpdate))
	if err != nil {
		return time.Time{}, err
	}
	return result.UpdateTime, nil
}

// Clear implements repositories.CartRepository.
func (r *CartRepository) Clear(ctx context.Context, userID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(userID))
}

// AcquireCommitLock implements repositories.CartRepository. The lock lives
// on the cart document so exactly one checkout session owns the cart.
func (r *CartRepository) AcquireCommitLock(ctx context.Context, userID, checkoutSessionID string) error {
	userID = strings.TrimSpace(userID)
	checkoutSessionID = strings.TrimSpace(checkoutSessionID)
	if userID == "" || checkoutSessionID == "" {
		return errors.New("cart repository: user id and checkout session id are required")
	}

	ref, err := r.base.DocumentRef(ctx, userID)
	if err != nil {
		return err
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc cartDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.CheckoutSessionID != "" && doc.CheckoutSessionID != checkoutSessionID {
			return pfirestore.NewConflict("carts.lock", errors.New("cart is locked by another checkout"))
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "checkoutSessionId", Value: checkoutSessionID},
		})
	})
}

// ReleaseCommitLock implements repositories.CartRepository. Releasing a lock
// held by a different session is a no-op.
func (r *CartRepository) ReleaseCommitLock(ctx context.Context, userID, checkoutSessionID string) error {
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(userID))
	if err != nil {
		return err
	}

	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc cartDocument
		if err := snap.DataTo(&doc); err != nil {
			return err
		}
		if doc.CheckoutSessionID != strings.TrimSpace(checkoutSessionID) {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "checkoutSessionId", Value: firestore.Delete},
		})
	})
}

func cartToDocument(cart domain.Cart) cartDocument {
	items := make([]cartItemDocument, 0, len(cart.Items))
	for _, item := range cart.Items {
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
	updatedAt := cart.UpdatedAt.UTC()
	if cart.UpdatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return cartDocument{
		UserID:            cart.UserID,
		Items:             items,
		CouponCode:        cart.CouponCode,
		DiscountAmount:    cart.DiscountAmount,
		CreditsApplied:    cart.CreditsApplied,
		Currency:          strings.ToUpper(strings.TrimSpace(cart.Currency)),
		CheckoutSessionID: cart.CheckoutSessionID,
		UpdatedAt:         updatedAt,
	}
}

func cartFromDocument(doc cartDocument) domain.Cart {
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
	return domain.Cart{
		UserID:            doc.UserID,
		Items:             items,
		CouponCode:        doc.CouponCode,
		DiscountAmount:    doc.DiscountAmount,
		CreditsApplied:    doc.CreditsApplied,
		Currency:          doc.Currency,
		CheckoutSessionID: doc.CheckoutSessionID,
		UpdatedAt:         doc.UpdatedAt,
	}
}
