// Package settlement coordinates the moment an order becomes binding:
// inventory reservation, discount quota consumption, payment capture and the
// order status transition happen in one database transaction per order.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quadra/marketplace-api/internal/cache"
	"github.com/quadra/marketplace-api/internal/domain/discount"
	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/domain/payment"
	"github.com/quadra/marketplace-api/internal/domain/wallet"
	"github.com/quadra/marketplace-api/internal/gateway/vnpay"
)

const (
	gatewayName = "VNPAY"
	currency    = "VND"

	depositStashPrefix = "deposit:orderRequest:"
	depositStashTTL    = 15 * time.Minute

	sameProvinceDelivery  = 8 * time.Hour
	crossProvinceDelivery = 48 * time.Hour
)

var (
	ErrDepositOutOfBounds = errors.New("deposit amount out of bounds")

	// ErrAddressNotFound reports a delivery or pickup address that does not
	// exist or does not belong to the customer. It is user input, not a
	// system fault.
	ErrAddressNotFound = errors.New("address not found")
)

// IneligibleDiscountError reports a discount that cannot be used for the
// order, carrying the buyer-facing reason.
type IneligibleDiscountError struct {
	Code   string
	Reason discount.Reason
}

func (e *IneligibleDiscountError) Error() string {
	return fmt.Sprintf("discount %s: %s", e.Code, e.Reason.Message())
}

// Config carries the settlement tunables.
type Config struct {
	// ShippingFee is charged when pickup and delivery provinces differ;
	// same-province delivery is free.
	ShippingFee decimal.Decimal
	DepositMin  decimal.Decimal
	DepositMax  decimal.Decimal
	// OrderReturnURL and WalletReturnURL are where the gateway redirects the
	// buyer after an order payment or a wallet top-up.
	OrderReturnURL  string
	WalletReturnURL string
}

// Coordinator owns the settlement paths: synchronous COD and wallet
// settlement, asynchronous gateway settlement, cancellation and wallet
// deposits.
type Coordinator struct {
	store     TxStore
	gateway   *vnpay.Gateway
	stash     cache.Cache
	addresses AddressBook
	notifier  Notifier
	carts     Carts
	cfg       Config
	now       func() time.Time
	newRef    func() string
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(store TxStore, gw *vnpay.Gateway, stash cache.Cache, addresses AddressBook, notifier Notifier, carts Carts, cfg Config) *Coordinator {
	return &Coordinator{
		store:     store,
		gateway:   gw,
		stash:     stash,
		addresses: addresses,
		notifier:  notifier,
		carts:     carts,
		cfg:       cfg,
		now:       time.Now,
		newRef:    func() string { return uuid.NewString() },
	}
}

// ItemRequest is one requested order line.
type ItemRequest struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

// OrderRequest is one store's slice of a checkout.
type OrderRequest struct {
	StoreID      int64         `json:"store_id"`
	Items        []ItemRequest `json:"items"`
	DiscountCode string        `json:"discount_code,omitempty"`
	Note         string        `json:"note,omitempty"`
}

// CheckoutInput finalizes a cart into orders. A multi-store cart produces
// one order per store.
type CheckoutInput struct {
	CustomerID     int64               `json:"customer_id"`
	AddressID      int64               `json:"address_id"`
	PaymentMethod  order.PaymentMethod `json:"payment_method"`
	ShippingMethod string              `json:"shipping_method"`
	Orders         []OrderRequest      `json:"orders"`
}

func (in *CheckoutInput) validate() error {
	if len(in.Orders) == 0 {
		return order.ErrEmptyOrder
	}
	for _, req := range in.Orders {
		if len(req.Items) == 0 {
			return order.ErrEmptyOrder
		}
		for _, it := range req.Items {
			if it.Quantity <= 0 {
				return errors.New("item quantity must be positive")
			}
		}
	}
	switch in.PaymentMethod {
	case order.PaymentCOD, order.PaymentWallet, order.PaymentOnline:
	default:
		return errors.Errorf("unsupported payment method %q", in.PaymentMethod)
	}
	return nil
}

// Checkout prices the requested lines, snapshots shipping, applies the
// voucher (computed and recorded, not consumed) and persists each order as
// PENDING. Quota and stock are untouched until settlement.
func (c *Coordinator) Checkout(ctx context.Context, in CheckoutInput) ([]*order.Order, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	delivery, err := c.addresses.CustomerAddress(ctx, in.CustomerID, in.AddressID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve delivery address")
	}

	now := c.now()
	orders := make([]*order.Order, 0, len(in.Orders))
	for _, req := range in.Orders {
		o, err := c.buildOrder(ctx, in, req, delivery, now)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	err = c.store.InTx(ctx, func(st Store) error {
		for _, o := range orders {
			if err := st.CreateOrder(ctx, o); err != nil {
				return errors.Wrap(err, "create order")
			}
			o.Shipping.OrderID = o.ID
			if err := st.CreateShipping(ctx, o.Shipping); err != nil {
				return errors.Wrap(err, "create shipping")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (c *Coordinator) buildOrder(ctx context.Context, in CheckoutInput, req OrderRequest, delivery Address, now time.Time) (*order.Order, error) {
	ids := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.VariantID)
	}
	variants, err := c.store.GetVariants(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load variants")
	}
	byID := make(map[int64]Variant, len(variants))
	for _, v := range variants {
		byID[v.ID] = v
	}

	items := make([]order.Item, 0, len(req.Items))
	lines := make([]discount.Item, 0, len(req.Items))
	productIDs := make([]int64, 0, len(req.Items))
	subtotal := decimal.Zero
	for _, it := range req.Items {
		v, ok := byID[it.VariantID]
		if !ok {
			return nil, errors.Errorf("variant %d not found", it.VariantID)
		}
		if v.StoreID != req.StoreID {
			return nil, errors.Errorf("variant %d does not belong to store %d", it.VariantID, req.StoreID)
		}
		items = append(items, order.Item{
			VariantID: v.ID,
			ProductID: v.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: v.Price,
		})
		lines = append(lines, discount.Item{
			ProductID: v.ProductID,
			UnitPrice: v.Price,
			Quantity:  it.Quantity,
		})
		productIDs = append(productIDs, v.ProductID)
		subtotal = subtotal.Add(v.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	pickup, err := c.addresses.StorePickup(ctx, req.StoreID)
	if err != nil {
		return nil, errors.Wrap(err, "resolve pickup address")
	}

	shippingCost := decimal.Zero
	eta := now.Add(sameProvinceDelivery)
	if pickup.Province != delivery.Province {
		shippingCost = c.cfg.ShippingFee
		eta = now.Add(crossProvinceDelivery)
	}

	o := &order.Order{
		CustomerID:     in.CustomerID,
		StoreID:        req.StoreID,
		Status:         order.StatusPending,
		PaymentMethod:  in.PaymentMethod,
		ShippingMethod: in.ShippingMethod,
		DiscountAmount: decimal.Zero,
		ShippingCost:   shippingCost,
		Note:           req.Note,
		Items:          items,
		Shipping: &order.Shipping{
			PickupProvince:    pickup.Province,
			PickupDetail:      pickup.Detail,
			DeliveryProvince:  delivery.Province,
			DeliveryDetail:    delivery.Detail,
			ReceiverName:      delivery.Name,
			ReceiverPhone:     delivery.Phone,
			Cost:              shippingCost,
			EstimatedDelivery: eta,
		},
	}

	if req.DiscountCode != "" {
		code, amount, err := c.applyVoucher(ctx, req.DiscountCode, discount.EligibilityInput{
			StoreID:     req.StoreID,
			CustomerID:  in.CustomerID,
			ProductIDs:  productIDs,
			OrderAmount: subtotal,
			Now:         now,
		}, lines)
		if err != nil {
			return nil, err
		}
		o.DiscountCodeID = &code.ID
		o.DiscountAmount = amount
	}

	o.TotalAmount = subtotal.Sub(o.DiscountAmount).Add(shippingCost)
	return o, nil
}

func (c *Coordinator) applyVoucher(ctx context.Context, codeStr string, in discount.EligibilityInput, lines []discount.Item) (*discount.Code, decimal.Decimal, error) {
	code, err := c.store.GetDiscountByCode(ctx, codeStr)
	if err != nil {
		if errors.Is(err, discount.ErrNotFound) {
			return nil, decimal.Zero, &IneligibleDiscountError{Code: codeStr, Reason: discount.ReasonInactive}
		}
		return nil, decimal.Zero, errors.Wrap(err, "find discount code")
	}
	prior, err := c.store.CountCustomerUsage(ctx, code.ID, in.CustomerID)
	if err != nil {
		return nil, decimal.Zero, errors.Wrap(err, "count customer usage")
	}
	in.PriorUses = prior
	if ok, reason := discount.Eligible(code, in); !ok {
		return nil, decimal.Zero, &IneligibleDiscountError{Code: codeStr, Reason: reason}
	}
	return code, discount.Amount(code, in.OrderAmount, lines), nil
}

// SettleCOD settles a PENDING cash-on-delivery order: stock and quota are
// reserved atomically and the order moves to PROCESSING. Payment happens at
// the door.
func (c *Coordinator) SettleCOD(ctx context.Context, orderID, customerID int64) (*order.Order, error) {
	var settled *order.Order
	err := c.store.InTx(ctx, func(st Store) error {
		o, err := c.loadOwned(ctx, st, orderID, customerID)
		if err != nil {
			return err
		}
		if err := c.settleOrder(ctx, st, o); err != nil {
			return err
		}
		settled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.afterSettle(ctx, settled)
	return settled, nil
}

// SettleWallet settles a PENDING order against the customer's wallet. The
// balance check, debit, ledger entry, stock and quota all commit or roll
// back together.
func (c *Coordinator) SettleWallet(ctx context.Context, orderID, customerID int64) (*order.Order, error) {
	var settled *order.Order
	err := c.store.InTx(ctx, func(st Store) error {
		o, err := c.loadOwned(ctx, st, orderID, customerID)
		if err != nil {
			return err
		}
		if err := c.debitWallet(ctx, st, o); err != nil {
			return err
		}
		if err := c.settleOrder(ctx, st, o); err != nil {
			return err
		}
		settled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.afterSettle(ctx, settled)
	return settled, nil
}

func (c *Coordinator) debitWallet(ctx context.Context, st Store, o *order.Order) error {
	w, err := st.GetWalletByUser(ctx, o.CustomerID)
	if err != nil {
		return errors.Wrap(err, "load wallet")
	}
	balance, err := st.DebitWallet(ctx, w.ID, o.TotalAmount)
	if err != nil {
		return err
	}
	return st.InsertWalletTransaction(ctx, &wallet.Transaction{
		WalletID:     w.ID,
		Type:         wallet.TypePayment,
		Status:       wallet.StatusCompleted,
		Amount:       o.TotalAmount,
		BalanceAfter: balance,
		OrderID:      &o.ID,
		Description:  fmt.Sprintf("payment for order %d", o.ID),
	})
}

// settleOrder is the shared atomic unit: reserve stock, consume the discount
// quota, record usage history, move the order to PROCESSING. Must run inside
// a transaction.
func (c *Coordinator) settleOrder(ctx context.Context, st Store, o *order.Order) error {
	for _, it := range o.Items {
		if err := st.DecrementStock(ctx, it.VariantID, it.Quantity); err != nil {
			return err
		}
	}

	if o.DiscountCodeID != nil {
		code, err := st.GetDiscount(ctx, *o.DiscountCodeID)
		if err != nil {
			return errors.Wrap(err, "load discount")
		}
		if err := st.ConsumeUsage(ctx, code.ID, o.CustomerID, code.MaxUsesPerCustomer); err != nil {
			return err
		}
		original := o.TotalAmount.Add(o.DiscountAmount).Sub(o.ShippingCost)
		if err := st.InsertUsageHistory(ctx, &discount.UsageHistory{
			DiscountID:     code.ID,
			CustomerID:     o.CustomerID,
			OrderID:        o.ID,
			DiscountAmount: o.DiscountAmount,
			OriginalAmount: original,
			FinalAmount:    original.Sub(o.DiscountAmount),
			UsedAt:         c.now(),
		}); err != nil {
			return errors.Wrap(err, "record usage history")
		}
	}

	if err := st.UpdateOrderStatus(ctx, o.ID, order.StatusPending, order.StatusProcessing); err != nil {
		return err
	}
	o.Status = order.StatusProcessing
	return nil
}

// afterSettle runs the post-commit side effects. Failures are logged and
// never unwind the settled order.
func (c *Coordinator) afterSettle(ctx context.Context, o *order.Order) {
	if o == nil {
		return
	}
	if c.notifier != nil {
		c.notifier.OrderPlaced(ctx, o)
	}
	if c.carts != nil {
		ids := make([]int64, 0, len(o.Items))
		for _, it := range o.Items {
			ids = append(ids, it.VariantID)
		}
		if err := c.carts.ClearPurchased(ctx, o.CustomerID, ids); err != nil {
			zctx.From(ctx).Warn("Cart cleanup failed",
				zap.Int64("order_id", o.ID), zap.Error(err))
		}
	}
}

// InitiateOnline creates one PENDING gateway transaction per order under a
// shared reference base and returns the signed redirect URL for the combined
// amount. Nothing is reserved until the gateway confirms.
func (c *Coordinator) InitiateOnline(ctx context.Context, customerID int64, orderIDs []int64, clientIP string) (string, error) {
	if len(orderIDs) == 0 {
		return "", order.ErrEmptyOrder
	}
	base := c.newRef()
	total := decimal.Zero

	err := c.store.InTx(ctx, func(st Store) error {
		for _, id := range orderIDs {
			o, err := c.loadOwned(ctx, st, id, customerID)
			if err != nil {
				return err
			}
			if o.Status != order.StatusPending {
				return errors.Wrapf(order.ErrInvalidTransition, "order %d is %s", id, o.Status)
			}
			if err := st.CreatePayment(ctx, &payment.Transaction{
				OrderID:        &o.ID,
				UserID:         customerID,
				Purpose:        payment.PurposeOrder,
				Gateway:        gatewayName,
				Status:         payment.StatusPending,
				Amount:         o.TotalAmount,
				Currency:       currency,
				TransactionRef: fmt.Sprintf("%s-%d", base, o.ID),
			}); err != nil {
				return errors.Wrap(err, "create payment transaction")
			}
			total = total.Add(o.TotalAmount)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return c.gateway.PaymentURL(vnpay.PaymentRequest{
		TxnRef:    base,
		Amount:    total,
		OrderInfo: fmt.Sprintf("Thanh toan don hang %s", base),
		ClientIP:  clientIP,
		ReturnURL: c.cfg.OrderReturnURL,
	})
}

// DepositInput requests a wallet top-up. Request, when set, is a checkout to
// run automatically once the top-up is confirmed; it is stashed for 15
// minutes and consumed at most once.
type DepositInput struct {
	CustomerID int64
	Amount     decimal.Decimal
	ClientIP   string
	Request    *CheckoutInput
}

// InitiateDeposit creates a PENDING top-up transaction and returns the
// gateway redirect URL.
func (c *Coordinator) InitiateDeposit(ctx context.Context, in DepositInput) (string, string, error) {
	if in.Amount.LessThan(c.cfg.DepositMin) || in.Amount.GreaterThan(c.cfg.DepositMax) {
		return "", "", ErrDepositOutOfBounds
	}
	ref := "DEP-" + c.newRef()

	if err := c.store.CreatePayment(ctx, &payment.Transaction{
		UserID:         in.CustomerID,
		Purpose:        payment.PurposeTopUp,
		Gateway:        gatewayName,
		Status:         payment.StatusPending,
		Amount:         in.Amount,
		Currency:       currency,
		TransactionRef: ref,
	}); err != nil {
		return "", "", errors.Wrap(err, "create top-up transaction")
	}

	if in.Request != nil {
		body, err := json.Marshal(in.Request)
		if err != nil {
			return "", "", errors.Wrap(err, "stash order request")
		}
		if err := c.stash.Set(ctx, depositStashPrefix+ref, body, depositStashTTL); err != nil {
			return "", "", errors.Wrap(err, "stash order request")
		}
	}

	url, err := c.gateway.PaymentURL(vnpay.PaymentRequest{
		TxnRef:    ref,
		Amount:    in.Amount,
		OrderInfo: fmt.Sprintf("Nap vi %s", ref),
		ClientIP:  in.ClientIP,
		ReturnURL: c.cfg.WalletReturnURL,
	})
	if err != nil {
		return "", "", err
	}
	return url, ref, nil
}

// Cancel moves a PENDING or PROCESSING order to CANCELLED. A PROCESSING
// order has stock reserved and money captured, so cancellation restores
// stock and refunds wallet and online payments to the wallet.
func (c *Coordinator) Cancel(ctx context.Context, orderID, customerID int64) (*order.Order, error) {
	var cancelled *order.Order
	err := c.store.InTx(ctx, func(st Store) error {
		o, err := c.loadOwned(ctx, st, orderID, customerID)
		if err != nil {
			return err
		}
		from := o.Status
		if from != order.StatusPending && from != order.StatusProcessing {
			return errors.Wrapf(order.ErrInvalidTransition, "%s -> %s", from, order.StatusCancelled)
		}

		if from == order.StatusProcessing {
			for _, it := range o.Items {
				if err := st.RestoreStock(ctx, it.VariantID, it.Quantity); err != nil {
					return err
				}
			}
			if o.PaymentMethod == order.PaymentWallet || o.PaymentMethod == order.PaymentOnline {
				if err := c.refundToWallet(ctx, st, o); err != nil {
					return err
				}
			}
		}

		if err := st.UpdateOrderStatus(ctx, o.ID, from, order.StatusCancelled); err != nil {
			return err
		}
		o.Status = order.StatusCancelled
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.notifier != nil {
		c.notifier.OrderCancelled(ctx, cancelled)
	}
	return cancelled, nil
}

func (c *Coordinator) refundToWallet(ctx context.Context, st Store, o *order.Order) error {
	w, err := st.GetWalletByUser(ctx, o.CustomerID)
	if err != nil {
		return errors.Wrap(err, "load wallet")
	}
	balance, err := st.CreditWallet(ctx, w.ID, o.TotalAmount)
	if err != nil {
		return err
	}
	return st.InsertWalletTransaction(ctx, &wallet.Transaction{
		WalletID:     w.ID,
		Type:         wallet.TypeRefund,
		Status:       wallet.StatusCompleted,
		Amount:       o.TotalAmount,
		BalanceAfter: balance,
		OrderID:      &o.ID,
		Description:  fmt.Sprintf("refund for cancelled order %d", o.ID),
	})
}

func (c *Coordinator) loadOwned(ctx context.Context, st Store, orderID, customerID int64) (*order.Order, error) {
	o, err := st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, order.ErrNotOrderOwner
	}
	return o, nil
}
