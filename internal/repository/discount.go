package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quadra/marketplace-api/internal/domain/discount"
)

const (
	discountColumns = `d.id, d.store_id, d.code, d.description, d.kind, d.value,
		d.min_order_amount, d.max_discount_value, d.start_at, d.end_at,
		d.quantity, d.max_uses, d.used_count, d.max_uses_per_customer,
		d.scope, d.auto_apply, d.priority, d.active, d.created_at, d.updated_at,
		COALESCE(array_agg(dp.product_id) FILTER (WHERE dp.product_id IS NOT NULL), '{}') AS product_ids`

	discountFrom = ` FROM discount_codes d
		LEFT JOIN discount_code_products dp ON dp.discount_id = d.id`

	discountGroup = ` GROUP BY d.id`

	insertDiscountSQL = `INSERT INTO discount_codes (store_id, code, description, kind, value,
		min_order_amount, max_discount_value, start_at, end_at, quantity, max_uses,
		max_uses_per_customer, scope, auto_apply, priority, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`

	insertDiscountProductSQL = `INSERT INTO discount_code_products (discount_id, product_id) VALUES ($1, $2)`

	deleteDiscountProductsSQL = `DELETE FROM discount_code_products WHERE discount_id = $1`

	updateDiscountSQL = `UPDATE discount_codes SET description = $2, value = $3,
		min_order_amount = $4, max_discount_value = $5, start_at = $6, end_at = $7,
		auto_apply = $8, priority = $9, active = $10, updated_at = now()
		WHERE id = $1`

	deactivateDiscountSQL = `UPDATE discount_codes SET active = FALSE, updated_at = now() WHERE id = $1`

	// Valid means: active, window contains now (half-open), quota remaining,
	// and for product-scoped codes at least one covered product in the order.
	findValidDiscountsSQL = `SELECT ` + discountColumns + discountFrom + `
		WHERE d.store_id = $1 AND d.active = TRUE
		AND d.start_at <= $3 AND d.end_at > $3
		AND d.used_count < d.max_uses
		AND (d.scope = 'SHOP' OR EXISTS (
			SELECT 1 FROM discount_code_products x
			WHERE x.discount_id = d.id AND x.product_id = ANY($2)
		))` + discountGroup

	consumeQuotaSQL = `UPDATE discount_codes SET used_count = used_count + 1, updated_at = now()
		WHERE id = $1 AND used_count < max_uses`

	consumeCustomerQuotaSQL = `INSERT INTO user_discounts (discount_id, user_id, uses)
		VALUES ($1, $2, 1)
		ON CONFLICT (discount_id, user_id)
		DO UPDATE SET uses = user_discounts.uses + 1
		WHERE user_discounts.uses < $3`

	countCustomerUsageSQL = `SELECT COALESCE((SELECT uses FROM user_discounts
		WHERE discount_id = $1 AND user_id = $2), 0)`

	insertUsageHistorySQL = `INSERT INTO discount_usage_history (discount_id, user_id, order_id,
		discount_amount, original_amount, final_amount, used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements the discount catalog backed by PostgreSQL.
// Usage counters are mutated only through Store.ConsumeUsage.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository using the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

func (r *DiscountRepository) Create(ctx context.Context, c *discount.Code) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, insertDiscountSQL,
			c.StoreID, c.Code, c.Description, c.Kind, c.Value,
			c.MinOrderAmount, c.MaxDiscountValue, c.StartAt, c.EndAt,
			c.Quantity, c.MaxUses, c.MaxUsesPerCustomer,
			c.Scope, c.AutoApply, c.Priority, c.Active,
		).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return discount.ErrCodeExists
			}
			return fmt.Errorf("inserting discount code %q: %w", c.Code, err)
		}
		for _, productID := range c.ProductIDs {
			if _, err := tx.Exec(ctx, insertDiscountProductSQL, c.ID, productID); err != nil {
				return fmt.Errorf("linking discount %d to product %d: %w", c.ID, productID, err)
			}
		}
		return nil
	})
}

func (r *DiscountRepository) Update(ctx context.Context, c *discount.Code) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateDiscountSQL,
			c.ID, c.Description, c.Value, c.MinOrderAmount, c.MaxDiscountValue,
			c.StartAt, c.EndAt, c.AutoApply, c.Priority, c.Active,
		)
		if err != nil {
			return fmt.Errorf("updating discount %d: %w", c.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return discount.ErrNotFound
		}
		if c.Scope == discount.ScopeProducts {
			if _, err := tx.Exec(ctx, deleteDiscountProductsSQL, c.ID); err != nil {
				return fmt.Errorf("clearing discount %d products: %w", c.ID, err)
			}
			for _, productID := range c.ProductIDs {
				if _, err := tx.Exec(ctx, insertDiscountProductSQL, c.ID, productID); err != nil {
					return fmt.Errorf("linking discount %d to product %d: %w", c.ID, productID, err)
				}
			}
		}
		return nil
	})
}

func (r *DiscountRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deactivateDiscountSQL, id)
	if err != nil {
		return fmt.Errorf("deactivating discount %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

func (r *DiscountRepository) GetByID(ctx context.Context, id int64) (*discount.Code, error) {
	query := `SELECT ` + discountColumns + discountFrom + ` WHERE d.id = $1` + discountGroup
	return collectDiscount(ctx, r.pool, query, id)
}

func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Code, error) {
	query := `SELECT ` + discountColumns + discountFrom +
		` WHERE UPPER(d.code) = UPPER($1) AND d.active = TRUE` + discountGroup
	return collectDiscount(ctx, r.pool, query, code)
}

func (r *DiscountRepository) ListByStore(ctx context.Context, storeID int64, limit, offset int) ([]*discount.Code, error) {
	query := `SELECT ` + discountColumns + discountFrom +
		` WHERE d.store_id = $1` + discountGroup +
		` ORDER BY d.created_at DESC, d.id DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, storeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing discounts for store %d: %w", storeID, err)
	}
	codes, err := pgx.CollectRows(rows, scanDiscountPtr)
	if err != nil {
		return nil, fmt.Errorf("listing discounts for store %d: %w", storeID, err)
	}
	return codes, nil
}

func (r *DiscountRepository) FindValid(ctx context.Context, storeID int64, productIDs []int64, now time.Time) ([]*discount.Code, error) {
	query := findValidDiscountsSQL + ` ORDER BY d.priority DESC, d.created_at ASC, d.id ASC`
	rows, err := r.pool.Query(ctx, query, storeID, productIDs, now)
	if err != nil {
		return nil, fmt.Errorf("finding valid discounts for store %d: %w", storeID, err)
	}
	codes, err := pgx.CollectRows(rows, scanDiscountPtr)
	if err != nil {
		return nil, fmt.Errorf("finding valid discounts for store %d: %w", storeID, err)
	}
	return codes, nil
}

func (r *DiscountRepository) FindAutoApply(ctx context.Context, storeID int64, productIDs []int64, now time.Time) ([]*discount.Code, error) {
	codes, err := r.FindValid(ctx, storeID, productIDs, now)
	if err != nil {
		return nil, err
	}
	auto := codes[:0]
	for _, c := range codes {
		if c.AutoApply {
			auto = append(auto, c)
		}
	}
	return auto, nil
}

func (r *DiscountRepository) CountCustomerUsage(ctx context.Context, discountID, customerID int64) (int, error) {
	var uses int
	if err := r.pool.QueryRow(ctx, countCustomerUsageSQL, discountID, customerID).Scan(&uses); err != nil {
		return 0, fmt.Errorf("counting usage of discount %d by user %d: %w", discountID, customerID, err)
	}
	return uses, nil
}

// Settlement-side discount methods on Store. These run inside the settlement
// transaction.

func (s *Store) GetDiscount(ctx context.Context, id int64) (*discount.Code, error) {
	query := `SELECT ` + discountColumns + discountFrom + ` WHERE d.id = $1` + discountGroup
	return collectDiscount(ctx, s.db, query, id)
}

func (s *Store) GetDiscountByCode(ctx context.Context, code string) (*discount.Code, error) {
	query := `SELECT ` + discountColumns + discountFrom +
		` WHERE UPPER(d.code) = UPPER($1) AND d.active = TRUE` + discountGroup
	return collectDiscount(ctx, s.db, query, code)
}

func (s *Store) CountCustomerUsage(ctx context.Context, discountID, customerID int64) (int, error) {
	var uses int
	if err := s.db.QueryRow(ctx, countCustomerUsageSQL, discountID, customerID).Scan(&uses); err != nil {
		return 0, fmt.Errorf("counting usage of discount %d by user %d: %w", discountID, customerID, err)
	}
	return uses, nil
}

// ConsumeUsage increments the global and per-customer usage counters with
// conditional updates, so two concurrent redemptions of the last use cannot
// both succeed.
func (s *Store) ConsumeUsage(ctx context.Context, discountID, customerID int64, perCustomerCap int) error {
	tag, err := s.db.Exec(ctx, consumeQuotaSQL, discountID)
	if err != nil {
		return fmt.Errorf("consuming quota of discount %d: %w", discountID, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrQuotaExhausted
	}

	tag, err = s.db.Exec(ctx, consumeCustomerQuotaSQL, discountID, customerID, perCustomerCap)
	if err != nil {
		return fmt.Errorf("consuming per-customer quota of discount %d: %w", discountID, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrCustomerCapReached
	}
	return nil
}

func (s *Store) InsertUsageHistory(ctx context.Context, h *discount.UsageHistory) error {
	err := s.db.QueryRow(ctx, insertUsageHistorySQL,
		h.DiscountID, h.CustomerID, h.OrderID,
		h.DiscountAmount, h.OriginalAmount, h.FinalAmount, h.UsedAt,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("inserting usage history for discount %d: %w", h.DiscountID, err)
	}
	return nil
}

func collectDiscount(ctx context.Context, q Querier, query string, arg any) (*discount.Code, error) {
	rows, err := q.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying discount: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("querying discount: %w", err)
	}
	return &c, nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Code, error) {
	var (
		c     discount.Code
		kind  string
		scope string
	)
	err := row.Scan(
		&c.ID, &c.StoreID, &c.Code, &c.Description, &kind, &c.Value,
		&c.MinOrderAmount, &c.MaxDiscountValue, &c.StartAt, &c.EndAt,
		&c.Quantity, &c.MaxUses, &c.UsedCount, &c.MaxUsesPerCustomer,
		&scope, &c.AutoApply, &c.Priority, &c.Active, &c.CreatedAt, &c.UpdatedAt,
		&c.ProductIDs,
	)
	c.Kind = discount.Kind(kind)
	c.Scope = discount.Scope(scope)
	return c, err
}

func scanDiscountPtr(row pgx.CollectableRow) (*discount.Code, error) {
	c, err := scanDiscount(row)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
