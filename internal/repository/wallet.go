package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/quadra/marketplace-api/internal/domain/wallet"
)

const (
	getWalletByUserSQL = `SELECT id, user_id, balance, updated_at FROM wallets WHERE user_id = $1`

	// Balance can only be spent while enough remains; the WHERE clause is
	// the overdraft guard.
	debitWalletSQL = `UPDATE wallets SET balance = balance - $2, updated_at = now()
		WHERE id = $1 AND balance >= $2 RETURNING balance`

	creditWalletSQL = `UPDATE wallets SET balance = balance + $2, updated_at = now()
		WHERE id = $1 RETURNING balance`

	insertWalletTxnSQL = `INSERT INTO wallet_transactions (wallet_id, type, status, amount,
		balance_after, order_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`

	listWalletTxnsSQL = `SELECT id, wallet_id, type, status, amount, balance_after, order_id,
		description, created_at
		FROM wallet_transactions WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
)

func (s *Store) GetWalletByUser(ctx context.Context, userID int64) (*wallet.Wallet, error) {
	var w wallet.Wallet
	err := s.db.QueryRow(ctx, getWalletByUserSQL, userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wallet.ErrNotFound
		}
		return nil, fmt.Errorf("loading wallet of user %d: %w", userID, err)
	}
	return &w, nil
}

func (s *Store) DebitWallet(ctx context.Context, walletID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, debitWalletSQL, walletID, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, wallet.ErrInsufficientFunds
		}
		return decimal.Zero, fmt.Errorf("debiting wallet %d: %w", walletID, err)
	}
	return balance, nil
}

func (s *Store) CreditWallet(ctx context.Context, walletID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, creditWalletSQL, walletID, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, wallet.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("crediting wallet %d: %w", walletID, err)
	}
	return balance, nil
}

func (s *Store) InsertWalletTransaction(ctx context.Context, t *wallet.Transaction) error {
	err := s.db.QueryRow(ctx, insertWalletTxnSQL,
		t.WalletID, t.Type, t.Status, t.Amount, t.BalanceAfter, t.OrderID, t.Description,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting wallet transaction: %w", err)
	}
	return nil
}

func (s *Store) ListWalletTransactions(ctx context.Context, walletID int64, limit, offset int) ([]*wallet.Transaction, error) {
	rows, err := s.db.Query(ctx, listWalletTxnsSQL, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing wallet %d transactions: %w", walletID, err)
	}
	txns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*wallet.Transaction, error) {
		var (
			t      wallet.Transaction
			typ    string
			status string
		)
		err := row.Scan(&t.ID, &t.WalletID, &typ, &status, &t.Amount, &t.BalanceAfter,
			&t.OrderID, &t.Description, &t.CreatedAt)
		t.Type = wallet.TransactionType(typ)
		t.Status = wallet.TransactionStatus(status)
		return &t, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing wallet %d transactions: %w", walletID, err)
	}
	return txns, nil
}
