package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quadra/marketplace-api/internal/settlement"
)

const clearPurchasedSQL = `DELETE FROM cart_items WHERE user_id = $1 AND variant_id = ANY($2)`

var _ settlement.Carts = (*CartRepository)(nil)

// CartRepository removes purchased lines from carts after settlement.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository using the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

func (r *CartRepository) ClearPurchased(ctx context.Context, customerID int64, variantIDs []int64) error {
	if len(variantIDs) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, clearPurchasedSQL, customerID, variantIDs); err != nil {
		return fmt.Errorf("clearing purchased cart lines for user %d: %w", customerID, err)
	}
	return nil
}
