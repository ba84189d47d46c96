package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

type walletResponse struct {
	ID      int64           `json:"id"`
	Balance decimal.Decimal `json:"balance"`
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wa, err := s.wallets.GetWalletByUser(r.Context(), identityFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, walletResponse{ID: wa.ID, Balance: wa.Balance})
}

type walletTransactionResponse struct {
	ID           int64           `json:"id"`
	Type         string          `json:"type"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	OrderID      *int64          `json:"order_id,omitempty"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (s *Server) listWalletTransactions(w http.ResponseWriter, r *http.Request) {
	wa, err := s.wallets.GetWalletByUser(r.Context(), identityFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	limit, offset := pagination(r)
	txns, err := s.wallets.ListWalletTransactions(r.Context(), wa.ID, limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]walletTransactionResponse, 0, len(txns))
	for _, t := range txns {
		out = append(out, walletTransactionResponse{
			ID:           t.ID,
			Type:         string(t.Type),
			Status:       string(t.Status),
			Amount:       t.Amount,
			BalanceAfter: t.BalanceAfter,
			OrderID:      t.OrderID,
			Description:  t.Description,
			CreatedAt:    t.CreatedAt,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}
