package wallet

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
)

// TransactionType classifies a wallet ledger entry.
type TransactionType string

const (
	TypeTopUp   TransactionType = "TOP_UP"
	TypePayment TransactionType = "PAYMENT"
	TypeRefund  TransactionType = "REFUND"
)

// TransactionStatus is the lifecycle of a wallet ledger entry. Top-ups stay
// pending until the gateway confirms; payments and refunds complete inside
// the settlement transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Wallet holds a customer's spendable balance.
type Wallet struct {
	ID        int64
	UserID    int64
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// Transaction is one entry in the wallet ledger. BalanceAfter is the balance
// recorded at the moment the entry completed.
type Transaction struct {
	ID           int64
	WalletID     int64
	Type         TransactionType
	Status       TransactionStatus
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	OrderID      *int64
	Description  string
	CreatedAt    time.Time
}
