package order

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusShipping   Status = "SHIPPING"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusReturned   Status = "RETURNED"
)

// PaymentMethod selects the settlement path for an order.
type PaymentMethod string

const (
	PaymentCOD    PaymentMethod = "COD"
	PaymentWallet PaymentMethod = "WALLET"
	PaymentOnline PaymentMethod = "ONLINE"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrNotOrderOwner     = errors.New("order does not belong to this customer")
	ErrEmptyOrder        = errors.New("order has no items")
)

// InsufficientStockError identifies the variant that could not be reserved.
type InsufficientStockError struct {
	VariantID int64
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %d (requested %d)", e.VariantID, e.Requested)
}

var transitions = map[Status][]Status{
	StatusDraft:      {StatusPending, StatusProcessing, StatusCancelled},
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipping, StatusCancelled},
	StatusShipping:   {StatusDelivered},
	StatusDelivered:  {StatusReturned},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is a single-store order. A multi-store checkout produces one Order
// per store, each settled independently.
type Order struct {
	ID             int64
	CustomerID     int64
	StoreID        int64
	Status         Status
	PaymentMethod  PaymentMethod
	ShippingMethod string
	DiscountCodeID *int64
	DiscountAmount decimal.Decimal
	ShippingCost   decimal.Decimal
	TotalAmount    decimal.Decimal
	Note           string
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Items    []Item
	Shipping *Shipping
}

// Transition moves the order to the next status, rejecting illegal moves.
func (o *Order) Transition(to Status) error {
	if !CanTransition(o.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", o.Status, to)
	}
	o.Status = to
	return nil
}

// Subtotal is the sum of line subtotals before discount and shipping.
func (o *Order) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range o.Items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// Item is one order line, priced at the unit price captured at checkout.
type Item struct {
	ID        int64
	OrderID   int64
	VariantID int64
	ProductID int64
	Quantity  int
	UnitPrice decimal.Decimal
}

// Subtotal is unit price times quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Shipping is the delivery snapshot captured when the order is placed.
type Shipping struct {
	OrderID           int64
	PickupProvince    string
	PickupDetail      string
	DeliveryProvince  string
	DeliveryDetail    string
	ReceiverName      string
	ReceiverPhone     string
	Cost              decimal.Decimal
	EstimatedDelivery time.Time
}
