package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/settlement"
)

const (
	insertOrderSQL = `INSERT INTO orders (customer_id, store_id, status, payment_method,
		shipping_method, discount_code_id, discount_amount, shipping_cost, total_amount, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`

	insertOrderItemSQL = `INSERT INTO order_items (order_id, variant_id, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`

	insertShippingSQL = `INSERT INTO order_shipping (order_id, pickup_province, pickup_detail,
		delivery_province, delivery_detail, receiver_name, receiver_phone, cost, estimated_delivery)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getOrderSQL = `SELECT id, customer_id, store_id, status, payment_method, shipping_method,
		discount_code_id, discount_amount, shipping_cost, total_amount, note, created_at, updated_at
		FROM orders WHERE id = $1`

	getOrderItemsSQL = `SELECT id, order_id, variant_id, product_id, quantity, unit_price
		FROM order_items WHERE order_id = $1 ORDER BY id`

	updateOrderStatusSQL = `UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`

	// Stock can only be taken while enough remains; the WHERE clause is the
	// oversell guard.
	decrementStockSQL = `UPDATE product_variants SET stock_quantity = stock_quantity - $2
		WHERE id = $1 AND stock_quantity >= $2`

	restoreStockSQL = `UPDATE product_variants SET stock_quantity = stock_quantity + $2
		WHERE id = $1`

	getVariantsSQL = `SELECT v.id, v.product_id, p.store_id, v.price, v.stock_quantity
		FROM product_variants v
		JOIN products p ON p.id = v.product_id
		WHERE v.id = ANY($1)`
)

func (s *Store) CreateOrder(ctx context.Context, o *order.Order) error {
	err := s.db.QueryRow(ctx, insertOrderSQL,
		o.CustomerID, o.StoreID, o.Status, o.PaymentMethod, o.ShippingMethod,
		o.DiscountCodeID, o.DiscountAmount, o.ShippingCost, o.TotalAmount, o.Note,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		if err := s.db.QueryRow(ctx, insertOrderItemSQL,
			o.ID, it.VariantID, it.ProductID, it.Quantity, it.UnitPrice,
		).Scan(&it.ID); err != nil {
			return fmt.Errorf("inserting order %d item: %w", o.ID, err)
		}
	}
	return nil
}

func (s *Store) CreateShipping(ctx context.Context, sh *order.Shipping) error {
	_, err := s.db.Exec(ctx, insertShippingSQL,
		sh.OrderID, sh.PickupProvince, sh.PickupDetail,
		sh.DeliveryProvince, sh.DeliveryDetail,
		sh.ReceiverName, sh.ReceiverPhone, sh.Cost, sh.EstimatedDelivery,
	)
	if err != nil {
		return fmt.Errorf("inserting shipping for order %d: %w", sh.OrderID, err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*order.Order, error) {
	var (
		o      order.Order
		status string
		method string
	)
	err := s.db.QueryRow(ctx, getOrderSQL, id).Scan(
		&o.ID, &o.CustomerID, &o.StoreID, &status, &method, &o.ShippingMethod,
		&o.DiscountCodeID, &o.DiscountAmount, &o.ShippingCost, &o.TotalAmount,
		&o.Note, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("loading order %d: %w", id, err)
	}
	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(method)

	rows, err := s.db.Query(ctx, getOrderItemsSQL, id)
	if err != nil {
		return nil, fmt.Errorf("loading order %d items: %w", id, err)
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Item, error) {
		var it order.Item
		err := row.Scan(&it.ID, &it.OrderID, &it.VariantID, &it.ProductID, &it.Quantity, &it.UnitPrice)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("loading order %d items: %w", id, err)
	}
	return &o, nil
}

// UpdateOrderStatus moves the order from one status to another only if it is
// still in the expected status.
func (s *Store) UpdateOrderStatus(ctx context.Context, id int64, from, to order.Status) error {
	tag, err := s.db.Exec(ctx, updateOrderStatusSQL, id, from, to)
	if err != nil {
		return fmt.Errorf("transitioning order %d to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(order.ErrInvalidTransition, "order %d is not %s", id, from)
	}
	return nil
}

func (s *Store) DecrementStock(ctx context.Context, variantID int64, qty int) error {
	tag, err := s.db.Exec(ctx, decrementStockSQL, variantID, qty)
	if err != nil {
		return fmt.Errorf("decrementing stock of variant %d: %w", variantID, err)
	}
	if tag.RowsAffected() == 0 {
		return &order.InsufficientStockError{VariantID: variantID, Requested: qty}
	}
	return nil
}

func (s *Store) RestoreStock(ctx context.Context, variantID int64, qty int) error {
	if _, err := s.db.Exec(ctx, restoreStockSQL, variantID, qty); err != nil {
		return fmt.Errorf("restoring stock of variant %d: %w", variantID, err)
	}
	return nil
}

func (s *Store) GetVariants(ctx context.Context, ids []int64) ([]settlement.Variant, error) {
	rows, err := s.db.Query(ctx, getVariantsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("loading variants: %w", err)
	}
	variants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (settlement.Variant, error) {
		var v settlement.Variant
		err := row.Scan(&v.ID, &v.ProductID, &v.StoreID, &v.Price, &v.Stock)
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("loading variants: %w", err)
	}
	return variants, nil
}
