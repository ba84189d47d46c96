package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for catalog mutations.
var (
	ErrNotStoreOwner  = errors.New("store does not belong to this seller")
	ErrInvalidRequest = errors.New("invalid discount code request")
)

// StoreOwnership answers whether a seller owns a store. Implemented by the
// store repository; injected so catalog mutations can enforce ownership
// without pulling the whole store model in.
type StoreOwnership interface {
	StoreOwnedBy(ctx context.Context, storeID, sellerID int64) (bool, error)
}

// Service implements the discount catalog operations and the buyer-facing
// eligibility queries. It never consumes usage quota; consumption happens
// only inside settlement.
type Service struct {
	repo   Repository
	stores StoreOwnership
	now    func() time.Time
}

// NewService creates a discount Service.
func NewService(repo Repository, stores StoreOwnership) *Service {
	return &Service{repo: repo, stores: stores, now: time.Now}
}

// CreateInput carries the seller-supplied fields for a new code.
type CreateInput struct {
	StoreID            int64
	Code               string
	Description        string
	Kind               Kind
	Value              decimal.Decimal
	MinOrderAmount     decimal.Decimal
	MaxDiscountValue   *decimal.Decimal
	StartAt            time.Time
	EndAt              time.Time
	Quantity           int
	MaxUses            int
	MaxUsesPerCustomer int
	Scope              Scope
	ProductIDs         []int64
	AutoApply          bool
	Priority           int
}

func (in *CreateInput) validate() error {
	if in.Kind == KindPercentage {
		one := decimal.NewFromInt(1)
		if in.Value.LessThan(one) || in.Value.GreaterThan(hundred) {
			return errors.Wrap(ErrInvalidRequest, "percentage value must be between 1 and 100")
		}
		if in.MaxDiscountValue == nil {
			return errors.Wrap(ErrInvalidRequest, "percentage codes require a maximum discount value")
		}
	}
	if !in.StartAt.Before(in.EndAt) {
		return errors.Wrap(ErrInvalidRequest, "end time must be after start time")
	}
	if in.Scope == ScopeProducts && len(in.ProductIDs) == 0 {
		return errors.Wrap(ErrInvalidRequest, "product-scoped codes require at least one product")
	}
	if in.MaxUses <= 0 || in.MaxUsesPerCustomer <= 0 {
		return errors.Wrap(ErrInvalidRequest, "usage limits must be positive")
	}
	return nil
}

// Create validates and persists a new discount code for the seller's store.
func (s *Service) Create(ctx context.Context, in CreateInput, sellerID int64) (*Code, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	owned, err := s.stores.StoreOwnedBy(ctx, in.StoreID, sellerID)
	if err != nil {
		return nil, errors.Wrap(err, "check store ownership")
	}
	if !owned {
		return nil, ErrNotStoreOwner
	}

	c := &Code{
		StoreID:            in.StoreID,
		Code:               in.Code,
		Description:        in.Description,
		Kind:               in.Kind,
		Value:              in.Value,
		MinOrderAmount:     in.MinOrderAmount,
		MaxDiscountValue:   in.MaxDiscountValue,
		StartAt:            in.StartAt,
		EndAt:              in.EndAt,
		Quantity:           in.Quantity,
		MaxUses:            in.MaxUses,
		MaxUsesPerCustomer: in.MaxUsesPerCustomer,
		Scope:              in.Scope,
		ProductIDs:         in.ProductIDs,
		AutoApply:          in.AutoApply,
		Priority:           in.Priority,
		Active:             true,
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, errors.Wrap(err, "create discount code")
	}
	return c, nil
}

// UpdateInput carries optional field updates; nil means unchanged.
type UpdateInput struct {
	Description      *string
	Value            *decimal.Decimal
	MinOrderAmount   *decimal.Decimal
	MaxDiscountValue *decimal.Decimal
	StartAt          *time.Time
	EndAt            *time.Time
	AutoApply        *bool
	Priority         *int
	Active           *bool
	ProductIDs       []int64
}

// Update applies a partial update to an existing code owned by the seller.
func (s *Service) Update(ctx context.Context, id int64, in UpdateInput, sellerID int64) (*Code, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, c.StoreID, sellerID); err != nil {
		return nil, err
	}

	if in.Description != nil {
		c.Description = *in.Description
	}
	if in.Value != nil {
		c.Value = *in.Value
	}
	if in.MinOrderAmount != nil {
		c.MinOrderAmount = *in.MinOrderAmount
	}
	if in.MaxDiscountValue != nil {
		c.MaxDiscountValue = in.MaxDiscountValue
	}
	if in.StartAt != nil {
		c.StartAt = *in.StartAt
	}
	if in.EndAt != nil {
		c.EndAt = *in.EndAt
	}
	if in.AutoApply != nil {
		c.AutoApply = *in.AutoApply
	}
	if in.Priority != nil {
		c.Priority = *in.Priority
	}
	if in.Active != nil {
		c.Active = *in.Active
	}
	if in.ProductIDs != nil && c.Scope == ScopeProducts {
		c.ProductIDs = in.ProductIDs
	}
	if !c.StartAt.Before(c.EndAt) {
		return nil, errors.Wrap(ErrInvalidRequest, "end time must be after start time")
	}

	if err := s.repo.Update(ctx, c); err != nil {
		return nil, errors.Wrap(err, "update discount code")
	}
	return c, nil
}

// Deactivate soft-deletes a code. Codes are never hard-deleted.
func (s *Service) Deactivate(ctx context.Context, id, sellerID int64) error {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, c.StoreID, sellerID); err != nil {
		return err
	}
	return s.repo.Deactivate(ctx, id)
}

// ListByStore returns the store's codes, newest first.
func (s *Service) ListByStore(ctx context.Context, storeID int64, limit, offset int) ([]*Code, error) {
	return s.repo.ListByStore(ctx, storeID, limit, offset)
}

// Calculation is the outcome of validating and computing a code against an
// order context. Failure is a populated Reason, not an error.
type Calculation struct {
	Code           *Code
	Reason         Reason
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

// Applied reports whether the calculation produced a usable discount.
func (c *Calculation) Applied() bool {
	return c.Reason == ReasonNone && c.DiscountAmount.IsPositive()
}

// Preview validates a code against the order context and computes the
// discount, without consuming any quota. Consumption happens only during
// settlement.
func (s *Service) Preview(ctx context.Context, codeStr string, in EligibilityInput, items []Item) (*Calculation, error) {
	calc := &Calculation{
		OriginalAmount: in.OrderAmount,
		FinalAmount:    in.OrderAmount,
	}

	c, err := s.repo.FindByCode(ctx, codeStr)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			calc.Reason = ReasonInactive
			return calc, nil
		}
		return nil, errors.Wrap(err, "find discount code")
	}
	calc.Code = c

	if in.Now.IsZero() {
		in.Now = s.now()
	}
	prior, err := s.repo.CountCustomerUsage(ctx, c.ID, in.CustomerID)
	if err != nil {
		return nil, errors.Wrap(err, "count customer usage")
	}
	in.PriorUses = prior

	if ok, reason := Eligible(c, in); !ok {
		calc.Reason = reason
		return calc, nil
	}

	calc.DiscountAmount = s.amountFor(c, in.OrderAmount, items)
	calc.FinalAmount = in.OrderAmount.Sub(calc.DiscountAmount)
	return calc, nil
}

// AutoBest finds the best auto-apply code for the order context, or nil when
// none applies.
func (s *Service) AutoBest(ctx context.Context, storeID, customerID int64, productIDs []int64, orderAmount decimal.Decimal, items []Item) (*Selection, error) {
	now := s.now()
	candidates, err := s.repo.FindAutoApply(ctx, storeID, productIDs, now)
	if err != nil {
		return nil, errors.Wrap(err, "find auto-apply codes")
	}

	eligible, err := s.filterEligible(ctx, candidates, EligibilityInput{
		StoreID:     storeID,
		CustomerID:  customerID,
		ProductIDs:  productIDs,
		OrderAmount: orderAmount,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}

	if len(items) == 0 {
		// No line detail supplied: rank product-scoped codes over the whole
		// order amount instead of dropping them.
		best := s.bestByShopAmount(eligible, orderAmount)
		return best, nil
	}
	return SelectBest(eligible, orderAmount, items), nil
}

// Applicable returns every code the customer could use for the order context,
// best first.
func (s *Service) Applicable(ctx context.Context, storeID, customerID int64, productIDs []int64, orderAmount decimal.Decimal, items []Item) ([]Selection, error) {
	now := s.now()
	candidates, err := s.repo.FindValid(ctx, storeID, productIDs, now)
	if err != nil {
		return nil, errors.Wrap(err, "find valid codes")
	}
	eligible, err := s.filterEligible(ctx, candidates, EligibilityInput{
		StoreID:     storeID,
		CustomerID:  customerID,
		ProductIDs:  productIDs,
		OrderAmount: orderAmount,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}
	return Rank(eligible, orderAmount, items), nil
}

func (s *Service) filterEligible(ctx context.Context, candidates []*Code, in EligibilityInput) ([]*Code, error) {
	eligible := make([]*Code, 0, len(candidates))
	for _, c := range candidates {
		prior, err := s.repo.CountCustomerUsage(ctx, c.ID, in.CustomerID)
		if err != nil {
			return nil, errors.Wrap(err, "count customer usage")
		}
		in.PriorUses = prior
		if ok, _ := Eligible(c, in); ok {
			eligible = append(eligible, c)
		}
	}
	return eligible, nil
}

func (s *Service) amountFor(c *Code, orderAmount decimal.Decimal, items []Item) decimal.Decimal {
	if c.Scope == ScopeProducts && len(items) == 0 {
		return decimal.Min(shopAmount(c, orderAmount), orderAmount).Round(2)
	}
	return Amount(c, orderAmount, items)
}

func (s *Service) bestByShopAmount(candidates []*Code, orderAmount decimal.Decimal) *Selection {
	var best *Selection
	for _, c := range candidates {
		amount := decimal.Min(shopAmount(c, orderAmount), orderAmount).Round(2)
		if amount.IsZero() {
			continue
		}
		switch {
		case best == nil,
			amount.GreaterThan(best.Amount),
			amount.Equal(best.Amount) && c.Priority > best.Code.Priority,
			amount.Equal(best.Amount) && c.Priority == best.Code.Priority && c.CreatedAt.Before(best.Code.CreatedAt):
			best = &Selection{Code: c, Amount: amount}
		}
	}
	return best
}

func (s *Service) requireOwner(ctx context.Context, storeID, sellerID int64) error {
	owned, err := s.stores.StoreOwnedBy(ctx, storeID, sellerID)
	if err != nil {
		return errors.Wrap(err, "check store ownership")
	}
	if !owned {
		return ErrNotStoreOwner
	}
	return nil
}
