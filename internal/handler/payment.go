package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/gateway/vnpay"
	"github.com/quadra/marketplace-api/internal/settlement"
)

type createOrdersRequest struct {
	AddressID      int64                `json:"address_id"`
	PaymentMethod  string               `json:"payment_method"`
	ShippingMethod string               `json:"shipping_method"`
	Orders         []createOrderRequest `json:"orders"`
}

type createOrderRequest struct {
	StoreID      int64              `json:"store_id"`
	Items        []orderItemRequest `json:"items"`
	DiscountCode string             `json:"discount_code"`
	Note         string             `json:"note"`
}

type orderItemRequest struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
}

type orderResponse struct {
	ID                int64           `json:"id"`
	StoreID           int64           `json:"store_id"`
	Status            string          `json:"status"`
	PaymentMethod     string          `json:"payment_method"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	ShippingCost      decimal.Decimal `json:"shipping_cost"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery,omitempty"`
}

type createOrdersResponse struct {
	Orders     []orderResponse `json:"orders"`
	PaymentURL string          `json:"payment_url,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		StoreID:        o.StoreID,
		Status:         string(o.Status),
		PaymentMethod:  string(o.PaymentMethod),
		DiscountAmount: o.DiscountAmount,
		ShippingCost:   o.ShippingCost,
		TotalAmount:    o.TotalAmount,
	}
	if o.Shipping != nil {
		resp.EstimatedDelivery = &o.Shipping.EstimatedDelivery
	}
	return resp
}

// createOrders finalizes the cart into per-store orders and settles them
// according to the chosen payment method. COD and wallet settle
// synchronously; online payment returns a gateway redirect URL.
func (s *Server) createOrders(w http.ResponseWriter, r *http.Request) {
	var req createOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	customerID := identityFrom(r)

	in := settlement.CheckoutInput{
		CustomerID:     customerID,
		AddressID:      req.AddressID,
		PaymentMethod:  order.PaymentMethod(req.PaymentMethod),
		ShippingMethod: req.ShippingMethod,
	}
	for _, o := range req.Orders {
		items := make([]settlement.ItemRequest, 0, len(o.Items))
		for _, it := range o.Items {
			items = append(items, settlement.ItemRequest{VariantID: it.VariantID, Quantity: it.Quantity})
		}
		in.Orders = append(in.Orders, settlement.OrderRequest{
			StoreID:      o.StoreID,
			Items:        items,
			DiscountCode: o.DiscountCode,
			Note:         o.Note,
		})
	}

	orders, err := s.settlement.Checkout(r.Context(), in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	resp := createOrdersResponse{}
	switch in.PaymentMethod {
	case order.PaymentCOD, order.PaymentWallet:
		for _, o := range orders {
			var settled *order.Order
			if in.PaymentMethod == order.PaymentCOD {
				settled, err = s.settlement.SettleCOD(r.Context(), o.ID, customerID)
			} else {
				settled, err = s.settlement.SettleWallet(r.Context(), o.ID, customerID)
			}
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			settled.Shipping = o.Shipping
			resp.Orders = append(resp.Orders, toOrderResponse(settled))
		}
	case order.PaymentOnline:
		ids := make([]int64, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, o.ID)
			resp.Orders = append(resp.Orders, toOrderResponse(o))
		}
		url, err := s.settlement.InitiateOnline(r.Context(), customerID, ids, clientIP(r))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		resp.PaymentURL = url
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

type createDepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
	// Order, when set, is placed automatically after the top-up succeeds.
	Order *createOrdersRequest `json:"order"`
}

type createDepositResponse struct {
	PaymentURL     string `json:"payment_url"`
	TransactionRef string `json:"transaction_ref"`
}

func (s *Server) createDeposit(w http.ResponseWriter, r *http.Request) {
	var req createDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	customerID := identityFrom(r)

	in := settlement.DepositInput{
		CustomerID: customerID,
		Amount:     req.Amount,
		ClientIP:   clientIP(r),
	}
	if req.Order != nil {
		stashed := settlement.CheckoutInput{
			CustomerID:     customerID,
			AddressID:      req.Order.AddressID,
			PaymentMethod:  order.PaymentWallet,
			ShippingMethod: req.Order.ShippingMethod,
		}
		for _, o := range req.Order.Orders {
			items := make([]settlement.ItemRequest, 0, len(o.Items))
			for _, it := range o.Items {
				items = append(items, settlement.ItemRequest{VariantID: it.VariantID, Quantity: it.Quantity})
			}
			stashed.Orders = append(stashed.Orders, settlement.OrderRequest{
				StoreID:      o.StoreID,
				Items:        items,
				DiscountCode: o.DiscountCode,
				Note:         o.Note,
			})
		}
		in.Request = &stashed
	}

	url, ref, err := s.settlement.InitiateDeposit(r.Context(), in)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, createDepositResponse{PaymentURL: url, TransactionRef: ref})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid order id")
		return
	}
	cancelled, err := s.settlement.Cancel(r.Context(), id, identityFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toOrderResponse(cancelled))
}

type returnResponse struct {
	TransactionRef string  `json:"transaction_ref"`
	Success        bool    `json:"success"`
	Replayed       bool    `json:"replayed,omitempty"`
	OrderIDs       []int64 `json:"order_ids,omitempty"`
}

func (s *Server) returnOrder(w http.ResponseWriter, r *http.Request) {
	result, err := s.settlement.HandleOrderReturn(r.Context(), r.URL.Query())
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, returnResponse{
		TransactionRef: result.TxnRef,
		Success:        result.Success,
		Replayed:       result.Replayed,
		OrderIDs:       result.OrderIDs,
	})
}

func (s *Server) returnWallet(w http.ResponseWriter, r *http.Request) {
	result, err := s.settlement.HandleWalletReturn(r.Context(), r.URL.Query())
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, returnResponse{
		TransactionRef: result.TxnRef,
		Success:        result.Success,
		Replayed:       result.Replayed,
		OrderIDs:       result.OrderIDs,
	})
}

// handleIPN acknowledges server-to-server gateway notifications. The body is
// always 200 with a gateway response code; the gateway retries until it sees
// a conclusive code.
func (s *Server) handleIPN(w http.ResponseWriter, r *http.Request) {
	ack := s.settlement.HandleIPN(r.Context(), r.URL.Query())
	writeJSON(w, r, http.StatusOK, ack)
}

func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	var recErr *settlement.ReconciliationError
	switch {
	case errors.As(err, &recErr):
		writeError(w, r, http.StatusConflict, recErr.Error())
	case errors.Is(err, vnpay.ErrInvalidSignature), errors.Is(err, vnpay.ErrMissingParam):
		writeError(w, r, http.StatusBadRequest, "invalid gateway callback")
	default:
		writeDomainError(w, r, err)
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
