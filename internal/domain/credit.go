package domain

import "time"

// CreditTransactionType labels a ledger entry on a customer's credit balance.
type CreditTransactionType string

const (
	CreditTransactionAdd    CreditTransactionType = "add"
	CreditTransactionDeduct CreditTransactionType = "deduct"
)

// CreditBalance is a customer's stored account credit in minor units.
type CreditBalance struct {
	UserID    string
	Amount    int64
	UpdatedAt time.Time
}

// CreditTransaction is an immutable ledger entry. BalanceAfter records the
// balance once the transaction settled, so the ledger replays cleanly.
type CreditTransaction struct {
	ID           string
	UserID       string
	Type         CreditTransactionType
	Amount       int64
	BalanceAfter int64
	OrderID      string
	Description  string
	CreatedAt    time.Time
}
