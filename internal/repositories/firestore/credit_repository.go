package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	pfirestore "github.com/asherpoirier/iptvbcms-sub001/internal/platform/firestore"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

const (
	creditCollection            = "credits"
	creditTransactionCollection = "credit_transactions"
)

type creditBalanceDocument struct {
	Amount    int64     `firestore:"amount"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type creditTransactionDocument struct {
	UserID       string    `firestore:"userId"`
	Type         string    `firestore:"type"`
	Amount       int64     `firestore:"amount"`
	BalanceAfter int64     `firestore:"balanceAfter"`
	OrderID      string    `firestore:"orderId,omitempty"`
	Description  string    `firestore:"description,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

// CreditRepository manages balances and their ledger. Balance adjustments
// and ledger appends happen in one transaction so the ledger never drifts
// from the balance.
type CreditRepository struct {
	balances     *pfirestore.BaseRepository[creditBalanceDocument]
	transactions *pfirestore.BaseRepository[creditTransactionDocument]
	provider     *pfirestore.Provider
}

var _ repositories.CreditRepository = (*CreditRepository)(nil)

// NewCreditRepository constructs a Firestore-backed credit repository.
func NewCreditRepository(provider *pfirestore.Provider) (*CreditRepository, error) {
	if provider == nil {
		return nil, errors.New("credit repository requires firestore provider")
	}
	return &CreditRepository{
		balances:     pfirestore.NewBaseRepository[creditBalanceDocument](provider, creditCollection, nil),
		transactions: pfirestore.NewBaseRepository[creditTransactionDocument](provider, creditTransactionCollection, nil),
		provider:     provider,
	}, nil
}

// Balance implements repositories.CreditRepository. A missing balance
// document reads as zero.
func (r *CreditRepository) Balance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	doc, err := r.balances.Get(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.CreditBalance{UserID: userID}, nil
		}
		return domain.CreditBalance{}, err
	}
	return domain.CreditBalance{
		UserID:    userID,
		Amount:    doc.Data.Amount,
		UpdatedAt: doc.UpdateTime,
	}, nil
}

// Apply implements repositories.CreditRepository.
func (r *CreditRepository) Apply(ctx context.Context, userID string, delta int64, entry domain.CreditTransaction) (domain.CreditBalance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CreditBalance{}, errors.New("credit repository: user id is required")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return domain.CreditBalance{}, errors.New("credit repository: transaction id is required")
	}

	balanceRef, err := r.balances.DocumentRef(ctx, userID)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	txRef, err := r.transactions.DocumentRef(ctx, entry.ID)
	if err != nil {
		return domain.CreditBalance{}, err
	}

	var after int64
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var current int64
		snap, err := tx.Get(balanceRef)
		switch {
		case err == nil:
			var doc creditBalanceDocument
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			current = doc.Amount
		case status.Code(err) == codes.NotFound:
			current = 0
		default:
			return err
		}

		after = current + delta
		if after < 0 {
			return pfirestore.NewConflict("credits.apply", errors.New("insufficient credit balance"))
		}

		now := time.Now().UTC()
		if err := tx.Set(balanceRef, creditBalanceDocument{Amount: after, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.Create(txRef, creditTransactionDocument{
			UserID:       userID,
			Type:         string(entry.Type),
			Amount:       entry.Amount,
			BalanceAfter: after,
			OrderID:      entry.OrderID,
			Description:  entry.Description,
			CreatedAt:    entry.CreatedAt.UTC(),
		})
	})
	if err != nil {
		return domain.CreditBalance{}, err
	}
	return domain.CreditBalance{UserID: userID, Amount: after}, nil
}

// ListTransactions implements repositories.CreditRepository, newest first.
func (r *CreditRepository) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	docs, err := r.transactions.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.Where("userId", "==", strings.TrimSpace(userID)).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CreditTransaction, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.CreditTransaction{
			ID:           doc.ID,
			UserID:       doc.Data.UserID,
			Type:         domain.CreditTransactionType(doc.Data.Type),
			Amount:       doc.Data.Amount,
			BalanceAfter: doc.Data.BalanceAfter,
			OrderID:      doc.Data.OrderID,
			Description:  doc.Data.Description,
			CreatedAt:    doc.Data.CreatedAt,
		})
	}
	return out, nil
}
