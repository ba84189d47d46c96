package discount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func testCode(mutate ...func(*Code)) *Code {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cap := decimal.NewFromInt(50000)
	c := &Code{
		ID:                 1,
		StoreID:            10,
		Code:               "SUMMER10",
		Kind:               KindPercentage,
		Value:              decimal.NewFromInt(10),
		MinOrderAmount:     decimal.NewFromInt(100000),
		MaxDiscountValue:   &cap,
		StartAt:            fixedNow.Add(-24 * time.Hour),
		EndAt:              fixedNow.Add(24 * time.Hour),
		MaxUses:            100,
		UsedCount:          0,
		MaxUsesPerCustomer: 2,
		Scope:              ScopeShop,
		Active:             true,
		CreatedAt:          fixedNow.Add(-48 * time.Hour),
	}
	for _, fn := range mutate {
		fn(c)
	}
	return c
}

func testInput(mutate ...func(*EligibilityInput)) EligibilityInput {
	in := EligibilityInput{
		StoreID:     10,
		CustomerID:  7,
		ProductIDs:  []int64{100, 101},
		OrderAmount: decimal.NewFromInt(500000),
		PriorUses:   0,
		Now:         time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	for _, fn := range mutate {
		fn(&in)
	}
	return in
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name       string
		code       *Code
		in         EligibilityInput
		wantReason Reason
	}{
		{
			name:       "eligible code passes all checks",
			code:       testCode(),
			in:         testInput(),
			wantReason: ReasonNone,
		},
		{
			name:       "different store",
			code:       testCode(func(c *Code) { c.StoreID = 99 }),
			in:         testInput(),
			wantReason: ReasonWrongStore,
		},
		{
			name:       "deactivated code",
			code:       testCode(func(c *Code) { c.Active = false }),
			in:         testInput(),
			wantReason: ReasonInactive,
		},
		{
			name: "before window opens",
			code: testCode(),
			in: testInput(func(in *EligibilityInput) {
				in.Now = time.Date(2025, 6, 14, 11, 59, 59, 0, time.UTC)
			}),
			wantReason: ReasonOutsideWindow,
		},
		{
			name: "exactly at window start is valid",
			code: testCode(),
			in: testInput(func(in *EligibilityInput) {
				in.Now = time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
			}),
			wantReason: ReasonNone,
		},
		{
			name: "exactly at window end is expired",
			code: testCode(),
			in: testInput(func(in *EligibilityInput) {
				in.Now = time.Date(2025, 6, 16, 12, 0, 0, 0, time.UTC)
			}),
			wantReason: ReasonOutsideWindow,
		},
		{
			name:       "quota fully consumed",
			code:       testCode(func(c *Code) { c.UsedCount = 100 }),
			in:         testInput(),
			wantReason: ReasonQuotaExhausted,
		},
		{
			name: "order below minimum",
			code: testCode(),
			in: testInput(func(in *EligibilityInput) {
				in.OrderAmount = decimal.NewFromInt(99999)
			}),
			wantReason: ReasonMinOrderNotMet,
		},
		{
			name: "order exactly at minimum passes",
			code: testCode(),
			in: testInput(func(in *EligibilityInput) {
				in.OrderAmount = decimal.NewFromInt(100000)
			}),
			wantReason: ReasonNone,
		},
		{
			name: "product scope with no covered product",
			code: testCode(func(c *Code) {
				c.Scope = ScopeProducts
				c.ProductIDs = []int64{555}
			}),
			in:         testInput(),
			wantReason: ReasonScopeMismatch,
		},
		{
			name: "product scope with one covered product passes",
			code: testCode(func(c *Code) {
				c.Scope = ScopeProducts
				c.ProductIDs = []int64{101, 555}
			}),
			in:         testInput(),
			wantReason: ReasonNone,
		},
		{
			name:       "customer reached personal cap",
			code:       testCode(),
			in:         testInput(func(in *EligibilityInput) { in.PriorUses = 2 }),
			wantReason: ReasonCustomerCap,
		},
		{
			name: "wrong store reported before inactive",
			code: testCode(func(c *Code) {
				c.StoreID = 99
				c.Active = false
			}),
			in:         testInput(),
			wantReason: ReasonWrongStore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := Eligible(tt.code, tt.in)
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantReason == ReasonNone, ok)
		})
	}
}

func TestReasonMessage(t *testing.T) {
	assert.Equal(t, "discount code can be used", ReasonNone.Message())
	assert.NotEmpty(t, Reason("something_else").Message())
}
