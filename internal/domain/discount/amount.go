package discount

import (
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Item is one order line for amount computation: the product it resolves to,
// the unit price captured at order time, and the quantity.
type Item struct {
	ProductID int64
	UnitPrice decimal.Decimal
	Quantity  int
}

// Subtotal returns unit price times quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Amount computes the monetary discount the code grants for the given order.
//
// Shop scope discounts the whole order amount: percentage clamped first to
// MaxDiscountValue, then to the order amount; fixed clamped to the order
// amount. Products scope is computed per qualifying line item and summed:
// percentage is capped at MaxDiscountValue per item, fixed is multiplied by
// the item quantity, and each item's discount is clamped to its own subtotal.
// The result never exceeds orderAmount and is rounded to 2 places.
func Amount(c *Code, orderAmount decimal.Decimal, items []Item) decimal.Decimal {
	var amount decimal.Decimal
	switch c.Scope {
	case ScopeProducts:
		amount = productsAmount(c, items)
	default:
		amount = shopAmount(c, orderAmount)
	}
	return decimal.Min(amount, orderAmount).Round(2)
}

func shopAmount(c *Code, orderAmount decimal.Decimal) decimal.Decimal {
	if c.Kind == KindPercentage {
		amount := orderAmount.Mul(c.Value).Div(hundred)
		if c.MaxDiscountValue != nil {
			amount = decimal.Min(amount, *c.MaxDiscountValue)
		}
		return amount
	}
	return c.Value
}

func productsAmount(c *Code, items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		if !c.AppliesToProduct(item.ProductID) {
			continue
		}
		subtotal := item.Subtotal()

		var itemDiscount decimal.Decimal
		if c.Kind == KindPercentage {
			itemDiscount = subtotal.Mul(c.Value).Div(hundred)
			// The cap is per qualifying item, not per order.
			if c.MaxDiscountValue != nil {
				itemDiscount = decimal.Min(itemDiscount, *c.MaxDiscountValue)
			}
		} else {
			itemDiscount = c.Value.Mul(decimal.NewFromInt(int64(item.Quantity)))
		}

		total = total.Add(decimal.Min(itemDiscount, subtotal))
	}
	return total
}

// Selection pairs a candidate code with its computed discount amount.
type Selection struct {
	Code   *Code
	Amount decimal.Decimal
}

// Rank computes the discount amount for every candidate and returns them
// sorted best-first: amount descending, then priority descending, then
// creation order (older first, id as the final stable key). Candidates whose
// computed amount is zero are dropped.
func Rank(candidates []*Code, orderAmount decimal.Decimal, items []Item) []Selection {
	ranked := make([]Selection, 0, len(candidates))
	for _, c := range candidates {
		amount := Amount(c, orderAmount, items)
		if amount.IsZero() {
			continue
		}
		ranked = append(ranked, Selection{Code: c, Amount: amount})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if !a.Amount.Equal(b.Amount) {
			return a.Amount.GreaterThan(b.Amount)
		}
		if a.Code.Priority != b.Code.Priority {
			return a.Code.Priority > b.Code.Priority
		}
		if !a.Code.CreatedAt.Equal(b.Code.CreatedAt) {
			return a.Code.CreatedAt.Before(b.Code.CreatedAt)
		}
		return a.Code.ID < b.Code.ID
	})
	return ranked
}

// SelectBest returns the best applicable candidate, or nil when no candidate
// yields a discount. An empty result is a normal outcome, not an error.
func SelectBest(candidates []*Code, orderAmount decimal.Decimal, items []Item) *Selection {
	ranked := Rank(candidates, orderAmount, items)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}
