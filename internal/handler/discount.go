package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quadra/marketplace-api/internal/domain/discount"
)

type discountResponse struct {
	ID                 int64            `json:"id"`
	StoreID            int64            `json:"store_id"`
	Code               string           `json:"code"`
	Description        string           `json:"description"`
	Kind               string           `json:"kind"`
	Value              decimal.Decimal  `json:"value"`
	MinOrderAmount     decimal.Decimal  `json:"min_order_amount"`
	MaxDiscountValue   *decimal.Decimal `json:"max_discount_value,omitempty"`
	StartAt            time.Time        `json:"start_at"`
	EndAt              time.Time        `json:"end_at"`
	MaxUses            int              `json:"max_uses"`
	UsedCount          int              `json:"used_count"`
	MaxUsesPerCustomer int              `json:"max_uses_per_customer"`
	Scope              string           `json:"scope"`
	ProductIDs         []int64          `json:"product_ids,omitempty"`
	AutoApply          bool             `json:"auto_apply"`
	Priority           int              `json:"priority"`
	Active             bool             `json:"active"`
}

func toDiscountResponse(c *discount.Code) discountResponse {
	return discountResponse{
		ID:                 c.ID,
		StoreID:            c.StoreID,
		Code:               c.Code,
		Description:        c.Description,
		Kind:               string(c.Kind),
		Value:              c.Value,
		MinOrderAmount:     c.MinOrderAmount,
		MaxDiscountValue:   c.MaxDiscountValue,
		StartAt:            c.StartAt,
		EndAt:              c.EndAt,
		MaxUses:            c.MaxUses,
		UsedCount:          c.UsedCount,
		MaxUsesPerCustomer: c.MaxUsesPerCustomer,
		Scope:              string(c.Scope),
		ProductIDs:         c.ProductIDs,
		AutoApply:          c.AutoApply,
		Priority:           c.Priority,
		Active:             c.Active,
	}
}

type createDiscountRequest struct {
	StoreID            int64            `json:"store_id"`
	Code               string           `json:"code"`
	Description        string           `json:"description"`
	Kind               string           `json:"kind"`
	Value              decimal.Decimal  `json:"value"`
	MinOrderAmount     decimal.Decimal  `json:"min_order_amount"`
	MaxDiscountValue   *decimal.Decimal `json:"max_discount_value"`
	StartAt            time.Time        `json:"start_at"`
	EndAt              time.Time        `json:"end_at"`
	Quantity           int              `json:"quantity"`
	MaxUses            int              `json:"max_uses"`
	MaxUsesPerCustomer int              `json:"max_uses_per_customer"`
	Scope              string           `json:"scope"`
	ProductIDs         []int64          `json:"product_ids"`
	AutoApply          bool             `json:"auto_apply"`
	Priority           int              `json:"priority"`
}

func (s *Server) createDiscount(w http.ResponseWriter, r *http.Request) {
	var req createDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	code, err := s.discounts.Create(r.Context(), discount.CreateInput{
		StoreID:            req.StoreID,
		Code:               strings.ToUpper(strings.TrimSpace(req.Code)),
		Description:        req.Description,
		Kind:               discount.Kind(req.Kind),
		Value:              req.Value,
		MinOrderAmount:     req.MinOrderAmount,
		MaxDiscountValue:   req.MaxDiscountValue,
		StartAt:            req.StartAt,
		EndAt:              req.EndAt,
		Quantity:           req.Quantity,
		MaxUses:            req.MaxUses,
		MaxUsesPerCustomer: req.MaxUsesPerCustomer,
		Scope:              discount.Scope(req.Scope),
		ProductIDs:         req.ProductIDs,
		AutoApply:          req.AutoApply,
		Priority:           req.Priority,
	}, identityFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toDiscountResponse(code))
}

type updateDiscountRequest struct {
	Description      *string          `json:"description"`
	Value            *decimal.Decimal `json:"value"`
	MinOrderAmount   *decimal.Decimal `json:"min_order_amount"`
	MaxDiscountValue *decimal.Decimal `json:"max_discount_value"`
	StartAt          *time.Time       `json:"start_at"`
	EndAt            *time.Time       `json:"end_at"`
	AutoApply        *bool            `json:"auto_apply"`
	Priority         *int             `json:"priority"`
	Active           *bool            `json:"active"`
	ProductIDs       []int64          `json:"product_ids"`
}

func (s *Server) updateDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid discount id")
		return
	}
	var req updateDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	code, err := s.discounts.Update(r.Context(), id, discount.UpdateInput{
		Description:      req.Description,
		Value:            req.Value,
		MinOrderAmount:   req.MinOrderAmount,
		MaxDiscountValue: req.MaxDiscountValue,
		StartAt:          req.StartAt,
		EndAt:            req.EndAt,
		AutoApply:        req.AutoApply,
		Priority:         req.Priority,
		Active:           req.Active,
		ProductIDs:       req.ProductIDs,
	}, identityFrom(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toDiscountResponse(code))
}

func (s *Server) deactivateDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid discount id")
		return
	}
	if err := s.discounts.Deactivate(r.Context(), id, identityFrom(r)); err != nil {
		writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listStoreDiscounts(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathID(r, "storeID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid store id")
		return
	}
	limit, offset := pagination(r)
	codes, err := s.discounts.ListByStore(r.Context(), storeID, limit, offset)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]discountResponse, 0, len(codes))
	for _, c := range codes {
		out = append(out, toDiscountResponse(c))
	}
	writeJSON(w, r, http.StatusOK, out)
}

type applyDiscountRequest struct {
	Code        string          `json:"code"`
	StoreID     int64           `json:"store_id"`
	OrderAmount decimal.Decimal `json:"order_amount"`
	Items       []itemRequest   `json:"items"`
}

type itemRequest struct {
	ProductID int64           `json:"product_id"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

type applyDiscountResponse struct {
	Usable         bool            `json:"usable"`
	Reason         string          `json:"reason,omitempty"`
	Message        string          `json:"message"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
}

// applyDiscount validates and computes a code for the buyer's current cart.
// Nothing is consumed; this is a preview.
func (s *Server) applyDiscount(w http.ResponseWriter, r *http.Request) {
	var req applyDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	items := make([]discount.Item, 0, len(req.Items))
	productIDs := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, discount.Item{ProductID: it.ProductID, UnitPrice: it.UnitPrice, Quantity: it.Quantity})
		productIDs = append(productIDs, it.ProductID)
	}

	calc, err := s.discounts.Preview(r.Context(), req.Code, discount.EligibilityInput{
		StoreID:     req.StoreID,
		CustomerID:  identityFrom(r),
		ProductIDs:  productIDs,
		OrderAmount: req.OrderAmount,
	}, items)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, applyDiscountResponse{
		Usable:         calc.Applied(),
		Reason:         string(calc.Reason),
		Message:        calc.Reason.Message(),
		DiscountAmount: calc.DiscountAmount,
		FinalAmount:    calc.FinalAmount,
	})
}

type selectionResponse struct {
	Discount discountResponse `json:"discount"`
	Amount   decimal.Decimal  `json:"amount"`
}

func (s *Server) autoBestDiscount(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathID(r, "storeID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid store id")
		return
	}
	productIDs, orderAmount, items, err := discountQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	best, err := s.discounts.AutoBest(r.Context(), storeID, identityFrom(r), productIDs, orderAmount, items)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if best == nil {
		writeError(w, r, http.StatusNotFound, "no applicable discount code")
		return
	}
	writeJSON(w, r, http.StatusOK, selectionResponse{
		Discount: toDiscountResponse(best.Code),
		Amount:   best.Amount,
	})
}

func (s *Server) applicableDiscounts(w http.ResponseWriter, r *http.Request) {
	storeID, ok := pathID(r, "storeID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid store id")
		return
	}
	productIDs, orderAmount, items, err := discountQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ranked, err := s.discounts.Applicable(r.Context(), storeID, identityFrom(r), productIDs, orderAmount, items)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	out := make([]selectionResponse, 0, len(ranked))
	for _, sel := range ranked {
		out = append(out, selectionResponse{Discount: toDiscountResponse(sel.Code), Amount: sel.Amount})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// discountQuery parses the buyer context query parameters: repeated
// productId, orderAmount, and optional repeated item entries of the form
// productID:quantity:unitPrice for per-line computation.
func discountQuery(r *http.Request) ([]int64, decimal.Decimal, []discount.Item, error) {
	q := r.URL.Query()

	var productIDs []int64
	for _, raw := range q["productId"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, decimal.Zero, nil, errInvalidQuery("productId", raw)
		}
		productIDs = append(productIDs, id)
	}

	orderAmount := decimal.Zero
	if raw := q.Get("orderAmount"); raw != "" {
		var err error
		orderAmount, err = decimal.NewFromString(raw)
		if err != nil {
			return nil, decimal.Zero, nil, errInvalidQuery("orderAmount", raw)
		}
	}

	var items []discount.Item
	for _, raw := range q["item"] {
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) != 3 {
			return nil, decimal.Zero, nil, errInvalidQuery("item", raw)
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, decimal.Zero, nil, errInvalidQuery("item", raw)
		}
		qty, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, decimal.Zero, nil, errInvalidQuery("item", raw)
		}
		price, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, decimal.Zero, nil, errInvalidQuery("item", raw)
		}
		items = append(items, discount.Item{ProductID: id, Quantity: qty, UnitPrice: price})
	}

	return productIDs, orderAmount, items, nil
}

type queryError struct {
	param string
	value string
}

func (e queryError) Error() string {
	return "invalid query parameter " + e.param + "=" + e.value
}

func errInvalidQuery(param, value string) error {
	return queryError{param: param, value: value}
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}
