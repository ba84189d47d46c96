package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Kind enumerates the supported discount strategies.
type Kind string

const (
	// KindPercentage reduces the eligible amount by a percentage of it.
	KindPercentage Kind = "PERCENTAGE"
	// KindFixed reduces the eligible amount by a flat value.
	KindFixed Kind = "FIXED_AMOUNT"
)

// Scope determines which part of an order a code applies to.
type Scope string

const (
	// ScopeShop applies the discount to the whole order amount.
	ScopeShop Scope = "SHOP"
	// ScopeProducts applies the discount per qualifying line item.
	ScopeProducts Scope = "PRODUCTS"
)

var (
	// ErrNotFound is returned when a discount code does not exist or is inactive.
	ErrNotFound = errors.New("discount code not found")
	// ErrCodeExists is returned when creating a code whose string is taken.
	ErrCodeExists = errors.New("discount code already exists")
	// ErrQuotaExhausted is returned by the usage ledger when the code's total
	// quota is consumed between eligibility check and settlement.
	ErrQuotaExhausted = errors.New("discount quota exhausted")
	// ErrCustomerCapReached is returned by the usage ledger when the customer
	// already used the code the maximum allowed number of times.
	ErrCustomerCapReached = errors.New("per-customer usage limit reached")
)

// Code is a promotional rule owned by exactly one store.
//
// UsedCount only ever increases; the usage ledger is the single mutation
// point and enforces UsedCount <= MaxUses under concurrency.
type Code struct {
	ID          int64
	StoreID     int64
	Code        string
	Description string

	Kind             Kind
	Value            decimal.Decimal
	MinOrderAmount   decimal.Decimal
	MaxDiscountValue *decimal.Decimal // nil means uncapped

	StartAt time.Time
	EndAt   time.Time // half-open window: valid while StartAt <= now < EndAt

	Quantity           int
	MaxUses            int
	UsedCount          int
	MaxUsesPerCustomer int

	Scope      Scope
	ProductIDs []int64 // non-empty iff Scope == ScopeProducts

	AutoApply bool
	Priority  int
	Active    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppliesToProduct reports whether the code covers the given product.
// Shop-scoped codes cover everything.
func (c *Code) AppliesToProduct(productID int64) bool {
	if c.Scope == ScopeShop {
		return true
	}
	for _, id := range c.ProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}

// AppliesToAny reports whether at least one of the given products is covered.
func (c *Code) AppliesToAny(productIDs []int64) bool {
	if c.Scope == ScopeShop {
		return true
	}
	for _, id := range productIDs {
		if c.AppliesToProduct(id) {
			return true
		}
	}
	return false
}

// UsageHistory is an immutable audit record of one redemption.
type UsageHistory struct {
	ID             int64
	DiscountID     int64
	CustomerID     int64
	OrderID        int64
	DiscountAmount decimal.Decimal
	OriginalAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	UsedAt         time.Time
}

// Repository provides lookup and catalog mutation of discount codes.
// Usage counters are NOT mutated through this interface; see the settlement
// store's ConsumeUsage.
type Repository interface {
	Create(ctx context.Context, c *Code) error
	Update(ctx context.Context, c *Code) error
	Deactivate(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (*Code, error)
	FindByCode(ctx context.Context, code string) (*Code, error)
	ListByStore(ctx context.Context, storeID int64, limit, offset int) ([]*Code, error)
	// FindValid returns active codes of the store whose window contains now,
	// whose quota is not exhausted, and which cover at least one of productIDs.
	FindValid(ctx context.Context, storeID int64, productIDs []int64, now time.Time) ([]*Code, error)
	// FindAutoApply is FindValid restricted to auto-apply codes.
	FindAutoApply(ctx context.Context, storeID int64, productIDs []int64, now time.Time) ([]*Code, error)
	// CountCustomerUsage returns how many times the customer redeemed the code.
	CountCustomerUsage(ctx context.Context, discountID, customerID int64) (int, error)
}
