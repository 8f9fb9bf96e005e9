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

const (
	couponCollection      = "coupons"
	couponUsageCollection = "coupon_usages"
)

type couponDocument struct {
	Type        string     `firestore:"type"`
	Value       int64      `firestore:"value"`
	MinPurchase int64      `firestore:"minPurchase"`
	MaxUses     int        `firestore:"maxUses"`
	UsedCount   int        `firestore:"usedCount"`
	AppliesTo   string     `firestore:"appliesTo"`
	ProductIDs  []string   `firestore:"productIds,omitempty"`
	Active      bool       `firestore:"active"`
	ValidFrom   *time.Time `firestore:"validFrom,omitempty"`
	ValidUntil  *time.Time `firestore:"validUntil,omitempty"`
	CreatedAt   time.Time  `firestore:"createdAt"`
}

// CouponRepository reads coupons keyed by their uppercase code.
type CouponRepository struct {
	base *pfirestore.BaseRepository[couponDocument]
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	return &CouponRepository{
		base: pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil),
	}, nil
}

// GetByCode implements repositories.CouponRepository.
func (r *CouponRepository) GetByCode(ctx context.Context, code string) (domain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Coupon{}, errors.New("coupon repository: code is required")
	}
	doc, err := r.base.Get(ctx, code)
	if err != nil {
		return domain.Coupon{}, err
	}
	return domain.Coupon{
		Code:        doc.ID,
		Type:        domain.CouponType(doc.Data.Type),
		Value:       doc.Data.Value,
		MinPurchase: doc.Data.MinPurchase,
		MaxUses:     doc.Data.MaxUses,
		UsedCount:   doc.Data.UsedCount,
		AppliesTo:   domain.CouponScope(doc.Data.AppliesTo),
		ProductIDs:  doc.Data.ProductIDs,
		Active:      doc.Data.Active,
		ValidFrom:   doc.Data.ValidFrom,
		ValidUntil:  doc.Data.ValidUntil,
		CreatedAt:   doc.Data.CreatedAt,
	}, nil
}

// IncrementUsage implements repositories.CouponRepository.
func (r *CouponRepository) IncrementUsage(ctx context.Context, code string) error {
	_, err := r.base.Update(ctx, strings.ToUpper(strings.TrimSpace(code)), []firestore.Update{
		{Path: "usedCount", Value: firestore.Increment(1)},
	})
	return err
}

type couponUsageDocument struct {
	CouponCode string    `firestore:"couponCode"`
	UserID     string    `firestore:"userId"`
	OrderID    string    `firestore:"orderId"`
	Amount     int64     `firestore:"amount"`
	UsedAt     time.Time `firestore:"usedAt"`
}

// CouponUsageRepository records coupon redemptions.
type CouponUsageRepository struct {
	base *pfirestore.BaseRepository[couponUsageDocument]
}

var _ repositories.CouponUsageRepository = (*CouponUsageRepository)(nil)

// NewCouponUsageRepository constructs a Firestore-backed usage repository.
func NewCouponUsageRepository(provider *pfirestore.Provider) (*CouponUsageRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon usage repository requires firestore provider")
	}
	return &CouponUsageRepository{
		base: pfirestore.NewBaseRepository[couponUsageDocument](provider, couponUsageCollection, nil),
	}, nil
}

// Record implements repositories.CouponUsageRepository.
func (r *CouponUsageRepository) Record(ctx context.Context, usage domain.CouponUsage) error {
	if strings.TrimSpace(usage.ID) == "" {
		return errors.New("coupon usage repository: usage id is required")
	}
	_, err := r.base.Create(ctx, usage.ID, couponUsageDocument{
		CouponCode: strings.ToUpper(strings.TrimSpace(usage.CouponCode)),
		UserID:     usage.UserID,
		OrderID:    usage.OrderID,
		Amount:     usage.Amount,
		UsedAt:     usage.UsedAt.UTC(),
	})
	return err
}

// CountByUser implements repositories.CouponUsageRepository.
func (r *CouponUsageRepository) CountByUser(ctx context.Context, code, userID string) (int, error) {
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("couponCode", "==", strings.ToUpper(strings.TrimSpace(code))).
			Where("userId", "==", strings.TrimSpace(userID))
	})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}
