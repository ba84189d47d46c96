package settlement

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/quadra/marketplace-api/internal/domain/discount"
	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/domain/payment"
	"github.com/quadra/marketplace-api/internal/domain/wallet"
)

// fakeStore is an in-memory TxStore with the same conditional-update
// semantics as the SQL implementation. InTx snapshots all state and restores
// it when fn fails, so rollback behavior can be asserted.
type fakeStore struct {
	variants   map[int64]*Variant
	orders     map[int64]*order.Order
	shippings  map[int64]*order.Shipping
	discounts  map[int64]*discount.Code
	usage      map[[2]int64]int
	history    []*discount.UsageHistory
	wallets    map[int64]*wallet.Wallet
	walletTxns []*wallet.Transaction
	payments   map[int64]*payment.Transaction

	nextOrderID   int64
	nextPaymentID int64
}

var _ TxStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		variants:      make(map[int64]*Variant),
		orders:        make(map[int64]*order.Order),
		shippings:     make(map[int64]*order.Shipping),
		discounts:     make(map[int64]*discount.Code),
		usage:         make(map[[2]int64]int),
		wallets:       make(map[int64]*wallet.Wallet),
		payments:      make(map[int64]*payment.Transaction),
		nextOrderID:   1,
		nextPaymentID: 1,
	}
}

func (f *fakeStore) snapshot() *fakeStore {
	s := newFakeStore()
	s.nextOrderID = f.nextOrderID
	s.nextPaymentID = f.nextPaymentID
	for id, v := range f.variants {
		cp := *v
		s.variants[id] = &cp
	}
	for id, o := range f.orders {
		s.orders[id] = cloneOrder(o)
	}
	for id, sh := range f.shippings {
		cp := *sh
		s.shippings[id] = &cp
	}
	for id, c := range f.discounts {
		s.discounts[id] = cloneCode(c)
	}
	for k, v := range f.usage {
		s.usage[k] = v
	}
	for _, h := range f.history {
		cp := *h
		s.history = append(s.history, &cp)
	}
	for id, w := range f.wallets {
		cp := *w
		s.wallets[id] = &cp
	}
	for _, t := range f.walletTxns {
		cp := *t
		s.walletTxns = append(s.walletTxns, &cp)
	}
	for id, t := range f.payments {
		cp := *t
		s.payments[id] = &cp
	}
	return s
}

func (f *fakeStore) restore(s *fakeStore) {
	*f = *s
}

func cloneOrder(o *order.Order) *order.Order {
	cp := *o
	cp.Items = append([]order.Item(nil), o.Items...)
	if o.DiscountCodeID != nil {
		id := *o.DiscountCodeID
		cp.DiscountCodeID = &id
	}
	if o.Shipping != nil {
		sh := *o.Shipping
		cp.Shipping = &sh
	}
	return &cp
}

func cloneCode(c *discount.Code) *discount.Code {
	cp := *c
	cp.ProductIDs = append([]int64(nil), c.ProductIDs...)
	if c.MaxDiscountValue != nil {
		v := *c.MaxDiscountValue
		cp.MaxDiscountValue = &v
	}
	return &cp
}

func (f *fakeStore) InTx(_ context.Context, fn func(Store) error) error {
	before := f.snapshot()
	if err := fn(f); err != nil {
		f.restore(before)
		return err
	}
	return nil
}

func (f *fakeStore) GetVariants(_ context.Context, ids []int64) ([]Variant, error) {
	out := make([]Variant, 0, len(ids))
	for _, id := range ids {
		if v, ok := f.variants[id]; ok {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateOrder(_ context.Context, o *order.Order) error {
	o.ID = f.nextOrderID
	f.nextOrderID++
	for i := range o.Items {
		o.Items[i].OrderID = o.ID
	}
	f.orders[o.ID] = cloneOrder(o)
	return nil
}

func (f *fakeStore) CreateShipping(_ context.Context, s *order.Shipping) error {
	cp := *s
	f.shippings[s.OrderID] = &cp
	return nil
}

func (f *fakeStore) GetOrder(_ context.Context, id int64) (*order.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (f *fakeStore) UpdateOrderStatus(_ context.Context, id int64, from, to order.Status) error {
	o, ok := f.orders[id]
	if !ok || o.Status != from {
		return errors.Wrapf(order.ErrInvalidTransition, "order %d", id)
	}
	o.Status = to
	return nil
}

func (f *fakeStore) DecrementStock(_ context.Context, variantID int64, qty int) error {
	v, ok := f.variants[variantID]
	if !ok || v.Stock < qty {
		return &order.InsufficientStockError{VariantID: variantID, Requested: qty}
	}
	v.Stock -= qty
	return nil
}

func (f *fakeStore) RestoreStock(_ context.Context, variantID int64, qty int) error {
	v, ok := f.variants[variantID]
	if !ok {
		return errors.Errorf("variant %d not found", variantID)
	}
	v.Stock += qty
	return nil
}

func (f *fakeStore) GetDiscount(_ context.Context, id int64) (*discount.Code, error) {
	c, ok := f.discounts[id]
	if !ok {
		return nil, discount.ErrNotFound
	}
	return cloneCode(c), nil
}

func (f *fakeStore) GetDiscountByCode(_ context.Context, codeStr string) (*discount.Code, error) {
	for _, c := range f.discounts {
		if c.Code == codeStr && c.Active {
			return cloneCode(c), nil
		}
	}
	return nil, discount.ErrNotFound
}

func (f *fakeStore) CountCustomerUsage(_ context.Context, discountID, customerID int64) (int, error) {
	return f.usage[[2]int64{discountID, customerID}], nil
}

func (f *fakeStore) ConsumeUsage(_ context.Context, discountID, customerID int64, perCustomerCap int) error {
	c, ok := f.discounts[discountID]
	if !ok {
		return discount.ErrNotFound
	}
	if c.UsedCount >= c.MaxUses {
		return discount.ErrQuotaExhausted
	}
	key := [2]int64{discountID, customerID}
	if f.usage[key] >= perCustomerCap {
		return discount.ErrCustomerCapReached
	}
	c.UsedCount++
	f.usage[key]++
	return nil
}

func (f *fakeStore) InsertUsageHistory(_ context.Context, h *discount.UsageHistory) error {
	for _, existing := range f.history {
		if existing.DiscountID == h.DiscountID && existing.OrderID == h.OrderID {
			return errors.Errorf("duplicate usage history for discount %d order %d", h.DiscountID, h.OrderID)
		}
	}
	cp := *h
	f.history = append(f.history, &cp)
	return nil
}

func (f *fakeStore) GetWalletByUser(_ context.Context, userID int64) (*wallet.Wallet, error) {
	for _, w := range f.wallets {
		if w.UserID == userID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, wallet.ErrNotFound
}

func (f *fakeStore) DebitWallet(_ context.Context, walletID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	w, ok := f.wallets[walletID]
	if !ok || w.Balance.LessThan(amount) {
		return decimal.Zero, wallet.ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(amount)
	return w.Balance, nil
}

func (f *fakeStore) CreditWallet(_ context.Context, walletID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	w, ok := f.wallets[walletID]
	if !ok {
		return decimal.Zero, wallet.ErrNotFound
	}
	w.Balance = w.Balance.Add(amount)
	return w.Balance, nil
}

func (f *fakeStore) InsertWalletTransaction(_ context.Context, t *wallet.Transaction) error {
	cp := *t
	f.walletTxns = append(f.walletTxns, &cp)
	return nil
}

func (f *fakeStore) ListWalletTransactions(_ context.Context, walletID int64, _, _ int) ([]*wallet.Transaction, error) {
	var out []*wallet.Transaction
	for _, t := range f.walletTxns {
		if t.WalletID == walletID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CreatePayment(_ context.Context, t *payment.Transaction) error {
	for _, existing := range f.payments {
		if existing.TransactionRef == t.TransactionRef {
			return errors.Errorf("duplicate transaction ref %s", t.TransactionRef)
		}
	}
	t.ID = f.nextPaymentID
	f.nextPaymentID++
	cp := *t
	f.payments[t.ID] = &cp
	return nil
}

func (f *fakeStore) GetPaymentByRef(_ context.Context, ref string) (*payment.Transaction, error) {
	for _, t := range f.payments {
		if t.TransactionRef == ref {
			cp := *t
			return &cp, nil
		}
	}
	return nil, payment.ErrNotFound
}

func (f *fakeStore) ListPaymentsByRefBase(_ context.Context, base string) ([]*payment.Transaction, error) {
	var out []*payment.Transaction
	for _, t := range f.payments {
		if t.TransactionRef == base || len(t.TransactionRef) > len(base)+1 &&
			t.TransactionRef[:len(base)+1] == base+"-" {
			cp := *t
			out = append(out, &cp)
		}
	}
	// The SQL implementation orders by id.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) MarkPaymentTerminal(_ context.Context, id int64, status payment.Status, gatewayTxnNo, response string, paidAt *time.Time) error {
	t, ok := f.payments[id]
	if !ok {
		return payment.ErrNotFound
	}
	if t.Status != payment.StatusPending {
		return payment.ErrAlreadySettled
	}
	t.Status = status
	t.GatewayTxnNo = gatewayTxnNo
	t.GatewayResponse = response
	t.PaidAt = paidAt
	return nil
}

// fakeAddressBook resolves addresses from fixed maps.
type fakeAddressBook struct {
	pickups    map[int64]Address
	deliveries map[int64]Address
}

func (f *fakeAddressBook) StorePickup(_ context.Context, storeID int64) (Address, error) {
	a, ok := f.pickups[storeID]
	if !ok {
		return Address{}, errors.Wrapf(ErrAddressNotFound, "store %d", storeID)
	}
	return a, nil
}

func (f *fakeAddressBook) CustomerAddress(_ context.Context, _, addressID int64) (Address, error) {
	a, ok := f.deliveries[addressID]
	if !ok {
		return Address{}, errors.Wrapf(ErrAddressNotFound, "address %d", addressID)
	}
	return a, nil
}

type fakeNotifier struct {
	placed    []int64
	cancelled []int64
}

func (f *fakeNotifier) OrderPlaced(_ context.Context, o *order.Order) {
	f.placed = append(f.placed, o.ID)
}

func (f *fakeNotifier) OrderCancelled(_ context.Context, o *order.Order) {
	f.cancelled = append(f.cancelled, o.ID)
}

type fakeCarts struct {
	cleared map[int64][]int64
}

func (f *fakeCarts) ClearPurchased(_ context.Context, customerID int64, variantIDs []int64) error {
	if f.cleared == nil {
		f.cleared = make(map[int64][]int64)
	}
	f.cleared[customerID] = append(f.cleared[customerID], variantIDs...)
	return nil
}
