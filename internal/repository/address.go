package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quadra/marketplace-api/internal/settlement"
)

const (
	getStorePickupSQL = `SELECT pickup_province, pickup_detail, name, phone
		FROM stores WHERE id = $1`

	getCustomerAddressSQL = `SELECT province, detail, receiver_name, receiver_phone
		FROM addresses WHERE id = $1 AND user_id = $2`

	storeOwnedBySQL = `SELECT EXISTS (SELECT 1 FROM stores WHERE id = $1 AND owner_id = $2)`
)

var _ settlement.AddressBook = (*AddressRepository)(nil)

// AddressRepository resolves store pickup and customer delivery addresses,
// and answers store ownership checks for the discount catalog.
type AddressRepository struct {
	pool *pgxpool.Pool
}

// NewAddressRepository returns an AddressRepository using the given pool.
func NewAddressRepository(pool *pgxpool.Pool) *AddressRepository {
	return &AddressRepository{pool: pool}
}

func (r *AddressRepository) StorePickup(ctx context.Context, storeID int64) (settlement.Address, error) {
	var a settlement.Address
	err := r.pool.QueryRow(ctx, getStorePickupSQL, storeID).Scan(&a.Province, &a.Detail, &a.Name, &a.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Address{}, errors.Wrapf(settlement.ErrAddressNotFound, "store %d", storeID)
		}
		return settlement.Address{}, fmt.Errorf("loading pickup address of store %d: %w", storeID, err)
	}
	return a, nil
}

func (r *AddressRepository) CustomerAddress(ctx context.Context, customerID, addressID int64) (settlement.Address, error) {
	var a settlement.Address
	err := r.pool.QueryRow(ctx, getCustomerAddressSQL, addressID, customerID).Scan(&a.Province, &a.Detail, &a.Name, &a.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.Address{}, errors.Wrapf(settlement.ErrAddressNotFound, "address %d for user %d", addressID, customerID)
		}
		return settlement.Address{}, fmt.Errorf("loading address %d: %w", addressID, err)
	}
	return a, nil
}

// StoreOwnedBy reports whether the store belongs to the seller.
func (r *AddressRepository) StoreOwnedBy(ctx context.Context, storeID, sellerID int64) (bool, error) {
	var owned bool
	if err := r.pool.QueryRow(ctx, storeOwnedBySQL, storeID, sellerID).Scan(&owned); err != nil {
		return false, fmt.Errorf("checking ownership of store %d: %w", storeID, err)
	}
	return owned, nil
}
