// Package handler exposes the HTTP API: seller discount catalog management,
// buyer discount queries, checkout and the gateway callback endpoints.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/quadra/marketplace-api/internal/domain/discount"
	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/domain/payment"
	"github.com/quadra/marketplace-api/internal/domain/wallet"
	"github.com/quadra/marketplace-api/internal/settlement"
)

// Server holds the handler dependencies and builds the router.
type Server struct {
	discounts  *discount.Service
	settlement *settlement.Coordinator
	wallets    WalletReader
}

// WalletReader is the read side of the wallet API.
type WalletReader interface {
	GetWalletByUser(ctx context.Context, userID int64) (*wallet.Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID int64, limit, offset int) ([]*wallet.Transaction, error)
}

// NewServer creates a Server.
func NewServer(discounts *discount.Service, coord *settlement.Coordinator, wallets WalletReader) *Server {
	return &Server{discounts: discounts, settlement: coord, wallets: wallets}
}

// Router builds the API routes. Identity-bearing routes require the
// authenticated user id; gateway callbacks are unauthenticated.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/seller/discount-codes", func(r chi.Router) {
		r.Use(requireIdentity)
		r.Post("/", s.createDiscount)
		r.Put("/{id}", s.updateDiscount)
		r.Delete("/{id}", s.deactivateDiscount)
		r.Get("/store/{storeID}", s.listStoreDiscounts)
	})

	r.Route("/buyer/discount-codes", func(r chi.Router) {
		r.Use(requireIdentity)
		r.Post("/apply", s.applyDiscount)
		r.Get("/store/{storeID}", s.applicableDiscounts)
		r.Get("/store/{storeID}/auto-best", s.autoBestDiscount)
	})

	r.Route("/payment", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/create-orders", s.createOrders)
			r.Post("/create-deposit", s.createDeposit)
			r.Post("/orders/{id}/cancel", s.cancelOrder)
		})
		r.Get("/return-order", s.returnOrder)
		r.Get("/return-wallet", s.returnWallet)
		// The gateway delivers IPN calls as POST; GET stays for manual replays.
		r.Post("/ipn", s.handleIPN)
		r.Get("/ipn", s.handleIPN)
	})

	r.Route("/buyer/wallet", func(r chi.Router) {
		r.Use(requireIdentity)
		r.Get("/", s.getWallet)
		r.Get("/transactions", s.listWalletTransactions)
	})

	return r
}

type identityKey struct{}

// requireIdentity reads the authenticated user id placed in the X-User-ID
// header by the edge proxy. Authentication itself happens upstream.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get("X-User-ID"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusUnauthorized, "missing or invalid user identity")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(identityKey{}).(int64)
	return id
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zctx.From(r.Context()).Warn("Response encoding failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

// writeDomainError maps known domain errors to HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ineligible *settlement.IneligibleDiscountError
		stock      *order.InsufficientStockError
	)
	switch {
	case errors.As(err, &ineligible):
		writeError(w, r, http.StatusUnprocessableEntity, ineligible.Error())
	case errors.As(err, &stock):
		writeError(w, r, http.StatusConflict, stock.Error())
	case errors.Is(err, discount.ErrQuotaExhausted),
		errors.Is(err, discount.ErrCustomerCapReached):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, wallet.ErrInsufficientFunds):
		writeError(w, r, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, discount.ErrNotFound),
		errors.Is(err, order.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, wallet.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, discount.ErrCodeExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, discount.ErrNotStoreOwner),
		errors.Is(err, order.ErrNotOrderOwner):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, discount.ErrInvalidRequest),
		errors.Is(err, order.ErrEmptyOrder),
		errors.Is(err, settlement.ErrAddressNotFound),
		errors.Is(err, settlement.ErrDepositOutOfBounds):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, order.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}
