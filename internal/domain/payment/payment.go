package payment

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("payment transaction not found")
	// ErrAlreadySettled marks a redelivered gateway notification for a
	// transaction that already reached a terminal status.
	ErrAlreadySettled = errors.New("payment transaction already settled")
)

// Status is the lifecycle of a gateway payment attempt. A transaction moves
// from pending to exactly one terminal status and never changes again.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Purpose distinguishes what a gateway transaction pays for.
type Purpose string

const (
	PurposeOrder Purpose = "ORDER"
	PurposeTopUp Purpose = "WALLET_TOP_UP"
)

// Transaction records one gateway payment attempt. TransactionRef is the
// reference sent to the gateway and echoed back in return and IPN calls.
type Transaction struct {
	ID              int64
	OrderID         *int64
	UserID          int64
	Purpose         Purpose
	Gateway         string
	Status          Status
	Amount          decimal.Decimal
	Currency        string
	TransactionRef  string
	GatewayTxnNo    string
	GatewayResponse string
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
