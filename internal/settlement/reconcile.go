package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/domain/payment"
	"github.com/quadra/marketplace-api/internal/domain/wallet"
	"github.com/quadra/marketplace-api/internal/gateway/vnpay"
)

// ReconciliationError marks a gateway notification that contradicts local
// state: an unknown reference or a mismatched amount. It is never resolved
// automatically; operators investigate.
type ReconciliationError struct {
	TxnRef string
	Detail string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation conflict for %s: %s", e.TxnRef, e.Detail)
}

// ReturnResult is the outcome reported back to the buyer after a gateway
// redirect.
type ReturnResult struct {
	TxnRef   string
	Success  bool
	OrderIDs []int64
	// Replayed is true when the notification was a redelivery of an already
	// settled outcome.
	Replayed bool
}

// HandleOrderReturn processes the buyer-facing gateway redirect for an order
// payment. The signature is verified before anything else; a bad signature
// changes no state.
func (c *Coordinator) HandleOrderReturn(ctx context.Context, values url.Values) (*ReturnResult, error) {
	cb, err := c.gateway.VerifyCallback(values)
	if err != nil {
		c.logSignatureFailure(ctx, values, err)
		return nil, err
	}
	return c.settleGatewayOutcome(ctx, cb)
}

// settleGatewayOutcome applies a verified order-payment callback. Each order
// under the reference base settles in its own transaction; a redelivered
// callback for already-terminal transactions is a no-op returning the prior
// outcome.
func (c *Coordinator) settleGatewayOutcome(ctx context.Context, cb *vnpay.Callback) (*ReturnResult, error) {
	lg := zctx.From(ctx)

	txns, err := c.store.ListPaymentsByRefBase(ctx, cb.TxnRef)
	if err != nil {
		return nil, errors.Wrap(err, "load payment transactions")
	}
	if len(txns) == 0 {
		recErr := &ReconciliationError{TxnRef: cb.TxnRef, Detail: "no transaction with this reference"}
		lg.Error("Reconciliation conflict",
			zap.String("txn_ref", cb.TxnRef),
			zap.String("conflict", "unknown_reference"))
		return nil, recErr
	}

	result := &ReturnResult{TxnRef: cb.TxnRef, Success: cb.Success()}

	// The gateway echoes the amount of the whole payment, so the check sums
	// every transaction under the base. A redelivery after a partial
	// settlement still matches and settles the remainder.
	var pending []*payment.Transaction
	expected := decimal.Zero
	for _, t := range txns {
		if t.OrderID != nil {
			result.OrderIDs = append(result.OrderIDs, *t.OrderID)
		}
		expected = expected.Add(t.Amount)
		if t.Status.Terminal() {
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		// Redelivery: every transaction already reached its terminal status.
		result.Success = txns[0].Status == payment.StatusCompleted
		result.Replayed = true
		return result, nil
	}

	if cb.Success() && !expected.Equal(cb.Amount) {
		recErr := &ReconciliationError{
			TxnRef: cb.TxnRef,
			Detail: fmt.Sprintf("amount mismatch: gateway %s, expected %s", cb.Amount, expected),
		}
		lg.Error("Reconciliation conflict",
			zap.String("txn_ref", cb.TxnRef),
			zap.String("conflict", "amount_mismatch"),
			zap.String("gateway_amount", cb.Amount.String()),
			zap.String("expected_amount", expected.String()))
		return nil, recErr
	}

	for _, t := range pending {
		if err := c.applyOutcome(ctx, t, cb); err != nil {
			if errors.Is(err, payment.ErrAlreadySettled) {
				// Lost the race with a concurrent delivery of the same
				// callback; the other delivery settled it.
				continue
			}
			if cb.Success() {
				// The buyer paid but our side could not settle; the
				// transaction stays PENDING and the gateway will redeliver.
				lg.Error("Settlement failed after confirmed payment",
					zap.String("txn_ref", t.TransactionRef),
					zap.Int64p("order_id", t.OrderID),
					zap.Bool("payment_captured", true),
					zap.Error(err))
			}
			return nil, err
		}
	}
	return result, nil
}

// applyOutcome settles or fails one order transaction atomically.
func (c *Coordinator) applyOutcome(ctx context.Context, t *payment.Transaction, cb *vnpay.Callback) error {
	if cb.Success() {
		var settled *order.Order
		err := c.store.InTx(ctx, func(st Store) error {
			paidAt := c.now()
			if err := st.MarkPaymentTerminal(ctx, t.ID, payment.StatusCompleted, cb.TransactionNo, cb.ResponseCode, &paidAt); err != nil {
				return err
			}
			o, err := st.GetOrder(ctx, *t.OrderID)
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
			return err
		}
		c.afterSettle(ctx, settled)
		return nil
	}

	return c.store.InTx(ctx, func(st Store) error {
		if err := st.MarkPaymentTerminal(ctx, t.ID, payment.StatusFailed, cb.TransactionNo, cb.ResponseCode, nil); err != nil {
			return err
		}
		// Payment declined: the order never left PENDING, release it.
		if err := st.UpdateOrderStatus(ctx, *t.OrderID, order.StatusPending, order.StatusCancelled); err != nil && !errors.Is(err, order.ErrInvalidTransition) {
			return err
		}
		return nil
	})
}

// HandleWalletReturn processes the gateway redirect for a wallet top-up:
// credit the wallet once, then run the stashed checkout if one exists.
func (c *Coordinator) HandleWalletReturn(ctx context.Context, values url.Values) (*ReturnResult, error) {
	cb, err := c.gateway.VerifyCallback(values)
	if err != nil {
		c.logSignatureFailure(ctx, values, err)
		return nil, err
	}

	lg := zctx.From(ctx)
	t, err := c.store.GetPaymentByRef(ctx, cb.TxnRef)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			lg.Error("Reconciliation conflict",
				zap.String("txn_ref", cb.TxnRef),
				zap.String("conflict", "unknown_reference"))
			return nil, &ReconciliationError{TxnRef: cb.TxnRef, Detail: "no transaction with this reference"}
		}
		return nil, errors.Wrap(err, "load top-up transaction")
	}

	result := &ReturnResult{TxnRef: cb.TxnRef, Success: cb.Success()}
	if t.Status.Terminal() {
		result.Success = t.Status == payment.StatusCompleted
		result.Replayed = true
		return result, nil
	}

	if !cb.Success() {
		err := c.store.InTx(ctx, func(st Store) error {
			return st.MarkPaymentTerminal(ctx, t.ID, payment.StatusFailed, cb.TransactionNo, cb.ResponseCode, nil)
		})
		if err != nil && !errors.Is(err, payment.ErrAlreadySettled) {
			return nil, err
		}
		return result, nil
	}

	if !t.Amount.Equal(cb.Amount) {
		lg.Error("Reconciliation conflict",
			zap.String("txn_ref", cb.TxnRef),
			zap.String("conflict", "amount_mismatch"),
			zap.String("gateway_amount", cb.Amount.String()),
			zap.String("expected_amount", t.Amount.String()))
		return nil, &ReconciliationError{
			TxnRef: cb.TxnRef,
			Detail: fmt.Sprintf("amount mismatch: gateway %s, expected %s", cb.Amount, t.Amount),
		}
	}

	err = c.store.InTx(ctx, func(st Store) error {
		paidAt := c.now()
		if err := st.MarkPaymentTerminal(ctx, t.ID, payment.StatusCompleted, cb.TransactionNo, cb.ResponseCode, &paidAt); err != nil {
			return err
		}
		w, err := st.GetWalletByUser(ctx, t.UserID)
		if err != nil {
			return errors.Wrap(err, "load wallet")
		}
		balance, err := st.CreditWallet(ctx, w.ID, t.Amount)
		if err != nil {
			return err
		}
		return st.InsertWalletTransaction(ctx, &wallet.Transaction{
			WalletID:     w.ID,
			Type:         wallet.TypeTopUp,
			Status:       wallet.StatusCompleted,
			Amount:       t.Amount,
			BalanceAfter: balance,
			Description:  fmt.Sprintf("wallet top-up %s", cb.TxnRef),
		})
	})
	if err != nil {
		if errors.Is(err, payment.ErrAlreadySettled) {
			result.Replayed = true
			return result, nil
		}
		return nil, err
	}

	c.runStashedCheckout(ctx, cb.TxnRef, t.UserID, result)
	return result, nil
}

// runStashedCheckout consumes the order request stashed at deposit time, if
// any, and settles it from the freshly topped-up wallet. The stash is
// deleted on read, so a redelivered callback cannot place the order twice.
// Failures leave the money in the wallet and are logged for the buyer to
// retry checkout manually.
func (c *Coordinator) runStashedCheckout(ctx context.Context, ref string, customerID int64, result *ReturnResult) {
	lg := zctx.From(ctx)

	body, ok, err := c.stash.Take(ctx, depositStashPrefix+ref)
	if err != nil {
		lg.Warn("Deposit stash read failed", zap.String("txn_ref", ref), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	var in CheckoutInput
	if err := json.Unmarshal(body, &in); err != nil {
		lg.Warn("Deposit stash corrupted", zap.String("txn_ref", ref), zap.Error(err))
		return
	}
	in.CustomerID = customerID
	in.PaymentMethod = order.PaymentWallet

	orders, err := c.Checkout(ctx, in)
	if err != nil {
		lg.Warn("Stashed checkout failed", zap.String("txn_ref", ref), zap.Error(err))
		return
	}
	for _, o := range orders {
		settled, err := c.SettleWallet(ctx, o.ID, customerID)
		if err != nil {
			lg.Warn("Stashed order settlement failed",
				zap.String("txn_ref", ref),
				zap.Int64("order_id", o.ID),
				zap.Error(err))
			continue
		}
		result.OrderIDs = append(result.OrderIDs, settled.ID)
	}
}

// IPNAck is the machine acknowledgement body the gateway expects.
type IPNAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// HandleIPN processes a server-to-server gateway notification. It always
// returns an acknowledgement; the gateway retries delivery on any code other
// than "00" or "02".
func (c *Coordinator) HandleIPN(ctx context.Context, values url.Values) IPNAck {
	lg := zctx.From(ctx)

	cb, err := c.gateway.VerifyCallback(values)
	if err != nil {
		c.logSignatureFailure(ctx, values, err)
		return IPNAck{RspCode: vnpay.IPNInvalidChecksum, Message: "Invalid Checksum"}
	}

	result, err := c.settleGatewayOutcome(ctx, cb)
	switch {
	case err == nil && result.Replayed:
		return IPNAck{RspCode: vnpay.IPNAlreadyUpdated, Message: "Order already confirmed"}
	case err == nil:
		return IPNAck{RspCode: vnpay.IPNOK, Message: "Confirm Success"}
	}

	var recErr *ReconciliationError
	if errors.As(err, &recErr) {
		if recErr.Detail == "no transaction with this reference" {
			return IPNAck{RspCode: vnpay.IPNOrderNotFound, Message: "Order not found"}
		}
		return IPNAck{RspCode: vnpay.IPNInvalidAmount, Message: "Invalid Amount"}
	}
	lg.Error("IPN settlement failed", zap.String("txn_ref", cb.TxnRef), zap.Error(err))
	return IPNAck{RspCode: vnpay.IPNUnknownError, Message: "Unknown error"}
}

func (c *Coordinator) logSignatureFailure(ctx context.Context, values url.Values, err error) {
	zctx.From(ctx).Error("Gateway callback rejected",
		zap.String("txn_ref", values.Get("vnp_TxnRef")),
		zap.Bool("security_event", true),
		zap.Error(err))
}
