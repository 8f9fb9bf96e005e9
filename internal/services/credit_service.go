package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/asherpoirier/iptvbcms-sub001/internal/domain"
	"github.com/asherpoirier/iptvbcms-sub001/internal/repositories"
)

// Credit errors.
var (
	ErrCreditInvalidInput   = errors.New("credit: invalid input")
	ErrInsufficientCredits  = errors.New("credit: insufficient balance")
	ErrCreditUnavailable    = errors.New("credit: storage unavailable")
	errCreditRepoRequired   = errors.New("credit service: repository is required")
	errCreditClockRequired  = errors.New("credit service: clock is required")
)

// CreditServiceDeps carries the collaborators for NewCreditService.
type CreditServiceDeps struct {
	Repository repositories.CreditRepository
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
	IDGen      func() string
}

type creditService struct {
	repo  repositories.CreditRepository
	now   func() time.Time
	log   func(ctx context.Context, event string, fields map[string]any)
	idGen func() string
}

// NewCreditService wires a CreditService over the credit repository.
func NewCreditService(deps CreditServiceDeps) (CreditService, error) {
	if deps.Repository == nil {
		return nil, errCreditRepoRequired
	}
	if deps.Clock == nil {
		return nil, errCreditClockRequired
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	return &creditService{
		repo:  deps.Repository,
		now:   func() time.Time { return deps.Clock().UTC() },
		log:   logger,
		idGen: idGen,
	}, nil
}

var _ CreditService = (*creditService)(nil)

func (s *creditService) Balance(ctx context.Context, userID string) (domain.CreditBalance, error) {
	if userID == "" {
		return domain.CreditBalance{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	balance, err := s.repo.Balance(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.CreditBalance{UserID: userID}, nil
		}
		return domain.CreditBalance{}, fmt.Errorf("%w: %v", ErrCreditUnavailable, err)
	}
	return balance, nil
}

// Deduct removes credit from the balance. The repository enforces that the
// balance never goes negative; a conflict maps to ErrInsufficientCredits.
func (s *creditService) Deduct(ctx context.Context, cmd DeductCreditsCommand) (domain.CreditBalance, error) {
	if cmd.UserID == "" {
		return domain.CreditBalance{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	if cmd.Amount <= 0 {
		return domain.CreditBalance{}, fmt.Errorf("%w: deduction must be positive", ErrCreditInvalidInput)
	}
	tx := domain.CreditTransaction{
		ID:          s.idGen(),
		UserID:      cmd.UserID,
		Type:        domain.CreditTransactionDeduct,
		Amount:      cmd.Amount,
		OrderID:     cmd.OrderID,
		Description: cmd.Note,
		CreatedAt:   s.now(),
	}
	balance, err := s.repo.Apply(ctx, cmd.UserID, -cmd.Amount, tx)
	if err != nil {
		if isRepoConflict(err) {
			return domain.CreditBalance{}, ErrInsufficientCredits
		}
		return domain.CreditBalance{}, fmt.Errorf("%w: %v", ErrCreditUnavailable, err)
	}
	s.log(ctx, "credit.deducted", map[string]any{
		"userId":  cmd.UserID,
		"amount":  cmd.Amount,
		"orderId": cmd.OrderID,
		"balance": balance.Amount,
	})
	return balance, nil
}

func (s *creditService) Grant(ctx context.Context, cmd GrantCreditsCommand) (domain.CreditBalance, error) {
	if cmd.UserID == "" {
		return domain.CreditBalance{}, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	if cmd.Amount <= 0 {
		return domain.CreditBalance{}, fmt.Errorf("%w: grant must be positive", ErrCreditInvalidInput)
	}
	tx := domain.CreditTransaction{
		ID:          s.idGen(),
		UserID:      cmd.UserID,
		Type:        domain.CreditTransactionAdd,
		Amount:      cmd.Amount,
		Description: cmd.Note,
		CreatedAt:   s.now(),
	}
	balance, err := s.repo.Apply(ctx, cmd.UserID, cmd.Amount, tx)
	if err != nil {
		return domain.CreditBalance{}, fmt.Errorf("%w: %v", ErrCreditUnavailable, err)
	}
	return balance, nil
}

func (s *creditService) History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrCreditInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}
	transactions, err := s.repo.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreditUnavailable, err)
	}
	return transactions, nil
}
