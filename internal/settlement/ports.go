package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quadra/marketplace-api/internal/domain/discount"
	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/domain/payment"
	"github.com/quadra/marketplace-api/internal/domain/wallet"
)

// Variant is the slice of the catalog settlement needs to price and reserve
// order lines.
type Variant struct {
	ID        int64
	ProductID int64
	StoreID   int64
	Price     decimal.Decimal
	Stock     int
}

// Store is the persistence port for settlement. Mutations that guard an
// invariant (stock, quota, balance, status) are conditional updates that
// fail with the package sentinel instead of going negative or double-firing.
type Store interface {
	// Catalog reads.
	GetVariants(ctx context.Context, ids []int64) ([]Variant, error)

	// Orders.
	CreateOrder(ctx context.Context, o *order.Order) error
	CreateShipping(ctx context.Context, s *order.Shipping) error
	GetOrder(ctx context.Context, id int64) (*order.Order, error)
	// UpdateOrderStatus performs a conditional transition; it fails with
	// order.ErrInvalidTransition when the order is no longer in `from`.
	UpdateOrderStatus(ctx context.Context, id int64, from, to order.Status) error

	// Inventory.
	DecrementStock(ctx context.Context, variantID int64, qty int) error
	RestoreStock(ctx context.Context, variantID int64, qty int) error

	// Discount usage ledger.
	GetDiscount(ctx context.Context, id int64) (*discount.Code, error)
	GetDiscountByCode(ctx context.Context, code string) (*discount.Code, error)
	CountCustomerUsage(ctx context.Context, discountID, customerID int64) (int, error)
	ConsumeUsage(ctx context.Context, discountID, customerID int64, perCustomerCap int) error
	InsertUsageHistory(ctx context.Context, h *discount.UsageHistory) error

	// Wallet.
	GetWalletByUser(ctx context.Context, userID int64) (*wallet.Wallet, error)
	DebitWallet(ctx context.Context, walletID int64, amount decimal.Decimal) (decimal.Decimal, error)
	CreditWallet(ctx context.Context, walletID int64, amount decimal.Decimal) (decimal.Decimal, error)
	InsertWalletTransaction(ctx context.Context, t *wallet.Transaction) error
	ListWalletTransactions(ctx context.Context, walletID int64, limit, offset int) ([]*wallet.Transaction, error)

	// Gateway payment transactions.
	CreatePayment(ctx context.Context, t *payment.Transaction) error
	GetPaymentByRef(ctx context.Context, ref string) (*payment.Transaction, error)
	ListPaymentsByRefBase(ctx context.Context, base string) ([]*payment.Transaction, error)
	// MarkPaymentTerminal moves a PENDING transaction to a terminal status;
	// it fails with payment.ErrAlreadySettled when the transaction is
	// already terminal.
	MarkPaymentTerminal(ctx context.Context, id int64, status payment.Status, gatewayTxnNo, response string, paidAt *time.Time) error
}

// TxStore runs settlement work inside a single database transaction. The
// Store handed to fn sees and writes uncommitted state; any error rolls the
// whole unit back.
type TxStore interface {
	Store
	InTx(ctx context.Context, fn func(Store) error) error
}

// Address is a resolved postal address with receiver contact.
type Address struct {
	Province string
	Detail   string
	Name     string
	Phone    string
}

// AddressBook resolves pickup and delivery addresses.
type AddressBook interface {
	StorePickup(ctx context.Context, storeID int64) (Address, error)
	CustomerAddress(ctx context.Context, customerID, addressID int64) (Address, error)
}

// Notifier delivers buyer-facing events after commit. Implementations must
// not block settlement; failures are logged and dropped.
type Notifier interface {
	OrderPlaced(ctx context.Context, o *order.Order)
	OrderCancelled(ctx context.Context, o *order.Order)
}

// Carts removes purchased lines from the customer's cart after settlement.
type Carts interface {
	ClearPurchased(ctx context.Context, customerID int64, variantIDs []int64) error
}
