package discount

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reason explains why a code cannot be used for a given order context.
// The zero value means eligible. Reasons are data, not errors: "this code
// does not apply" is a normal outcome that checkout UIs display verbatim.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonWrongStore     Reason = "wrong_store"
	ReasonInactive       Reason = "inactive"
	ReasonOutsideWindow  Reason = "outside_window"
	ReasonQuotaExhausted Reason = "quota_exhausted"
	ReasonMinOrderNotMet Reason = "min_order_not_met"
	ReasonScopeMismatch  Reason = "scope_mismatch"
	ReasonCustomerCap    Reason = "customer_cap_reached"
)

// Message returns the buyer-facing explanation for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return "discount code can be used"
	case ReasonWrongStore:
		return "discount code does not apply to this store"
	case ReasonInactive:
		return "discount code is no longer active"
	case ReasonOutsideWindow:
		return "discount code is outside its validity period"
	case ReasonQuotaExhausted:
		return "discount code has no remaining uses"
	case ReasonMinOrderNotMet:
		return "order amount is below the minimum for this code"
	case ReasonScopeMismatch:
		return "discount code does not apply to any product in the order"
	case ReasonCustomerCap:
		return "you have already used this code the maximum number of times"
	default:
		return "discount code cannot be used"
	}
}

// EligibilityInput is the order context a code is evaluated against.
// PriorUses is the customer's redemption count for this code, fetched by the
// caller so the evaluator stays a pure function.
type EligibilityInput struct {
	StoreID     int64
	CustomerID  int64
	ProductIDs  []int64
	OrderAmount decimal.Decimal
	PriorUses   int
	Now         time.Time
}

// Eligible evaluates the code against the order context. Checks run in a
// fixed order and short-circuit on the first failure; the returned Reason
// identifies that failure. No side effects.
func Eligible(c *Code, in EligibilityInput) (bool, Reason) {
	if c.StoreID != in.StoreID {
		return false, ReasonWrongStore
	}
	if !c.Active {
		return false, ReasonInactive
	}
	if in.Now.Before(c.StartAt) || !in.Now.Before(c.EndAt) {
		return false, ReasonOutsideWindow
	}
	if c.UsedCount >= c.MaxUses {
		return false, ReasonQuotaExhausted
	}
	if in.OrderAmount.LessThan(c.MinOrderAmount) {
		return false, ReasonMinOrderNotMet
	}
	if c.Scope == ScopeProducts && !c.AppliesToAny(in.ProductIDs) {
		return false, ReasonScopeMismatch
	}
	if in.PriorUses >= c.MaxUsesPerCustomer {
		return false, ReasonCustomerCap
	}
	return true, ReasonNone
}
