package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/quadra/marketplace-api/internal/domain/payment"
)

const (
	insertPaymentSQL = `INSERT INTO payment_transactions (order_id, user_id, purpose, gateway,
		status, amount, currency, transaction_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at, updated_at`

	paymentColumns = `id, order_id, user_id, purpose, gateway, status, amount, currency,
		transaction_ref, gateway_txn_no, gateway_response, paid_at, created_at, updated_at`

	getPaymentByRefSQL = `SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE transaction_ref = $1`

	listPaymentsByRefBaseSQL = `SELECT ` + paymentColumns + ` FROM payment_transactions
		WHERE transaction_ref = $1 OR transaction_ref LIKE $1 || '-%'
		ORDER BY id`

	// A transaction leaves PENDING exactly once.
	markPaymentTerminalSQL = `UPDATE payment_transactions
		SET status = $2, gateway_txn_no = $3, gateway_response = $4, paid_at = $5, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`
)

func (s *Store) CreatePayment(ctx context.Context, t *payment.Transaction) error {
	err := s.db.QueryRow(ctx, insertPaymentSQL,
		t.OrderID, t.UserID, t.Purpose, t.Gateway, t.Status,
		t.Amount, t.Currency, t.TransactionRef,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting payment transaction %s: %w", t.TransactionRef, err)
	}
	return nil
}

func (s *Store) GetPaymentByRef(ctx context.Context, ref string) (*payment.Transaction, error) {
	rows, err := s.db.Query(ctx, getPaymentByRefSQL, ref)
	if err != nil {
		return nil, fmt.Errorf("loading payment transaction %s: %w", ref, err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, fmt.Errorf("loading payment transaction %s: %w", ref, err)
	}
	return t, nil
}

func (s *Store) ListPaymentsByRefBase(ctx context.Context, base string) ([]*payment.Transaction, error) {
	rows, err := s.db.Query(ctx, listPaymentsByRefBaseSQL, base)
	if err != nil {
		return nil, fmt.Errorf("listing payment transactions for %s: %w", base, err)
	}
	txns, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return nil, fmt.Errorf("listing payment transactions for %s: %w", base, err)
	}
	return txns, nil
}

func (s *Store) MarkPaymentTerminal(ctx context.Context, id int64, status payment.Status, gatewayTxnNo, response string, paidAt *time.Time) error {
	tag, err := s.db.Exec(ctx, markPaymentTerminalSQL, id, status, gatewayTxnNo, response, paidAt)
	if err != nil {
		return fmt.Errorf("settling payment transaction %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrAlreadySettled
	}
	return nil
}

func scanPayment(row pgx.CollectableRow) (*payment.Transaction, error) {
	var (
		t       payment.Transaction
		purpose string
		status  string
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.UserID, &purpose, &t.Gateway, &status,
		&t.Amount, &t.Currency, &t.TransactionRef, &t.GatewayTxnNo,
		&t.GatewayResponse, &t.PaidAt, &t.CreatedAt, &t.UpdatedAt,
	)
	t.Purpose = payment.Purpose(purpose)
	t.Status = payment.Status(status)
	return &t, err
}
