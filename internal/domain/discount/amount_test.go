package discount

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestAmount_ShopScope(t *testing.T) {
	t.Run("uncapped percentage of order amount", func(t *testing.T) {
		c := testCode(func(c *Code) { c.MaxDiscountValue = nil })
		got := Amount(c, d(500000), nil)
		assert.True(t, d(50000).Equal(got), "got %s", got)
	})

	t.Run("percentage clamped to max discount value", func(t *testing.T) {
		cap := d(30000)
		c := testCode(func(c *Code) { c.MaxDiscountValue = &cap })
		got := Amount(c, d(500000), nil)
		assert.True(t, d(30000).Equal(got), "got %s", got)
	})

	t.Run("fixed amount", func(t *testing.T) {
		c := testCode(func(c *Code) {
			c.Kind = KindFixed
			c.Value = d(20000)
		})
		got := Amount(c, d(500000), nil)
		assert.True(t, d(20000).Equal(got), "got %s", got)
	})

	t.Run("fixed amount never exceeds order amount", func(t *testing.T) {
		c := testCode(func(c *Code) {
			c.Kind = KindFixed
			c.Value = d(200000)
		})
		got := Amount(c, d(150000), nil)
		assert.True(t, d(150000).Equal(got), "got %s", got)
	})
}

func TestAmount_ProductsScope(t *testing.T) {
	items := []Item{
		{ProductID: 1, UnitPrice: d(150000), Quantity: 2}, // covered, subtotal 300000
		{ProductID: 3, UnitPrice: d(80000), Quantity: 1},  // not covered
	}

	t.Run("percentage capped per covered item", func(t *testing.T) {
		cap := d(20000)
		c := testCode(func(c *Code) {
			c.Scope = ScopeProducts
			c.ProductIDs = []int64{1, 2}
			c.MaxDiscountValue = &cap
		})
		// 10% of 300000 = 30000, capped at 20000; uncovered item contributes 0.
		got := Amount(c, d(380000), items)
		assert.True(t, d(20000).Equal(got), "got %s", got)
	})

	t.Run("fixed multiplied by quantity", func(t *testing.T) {
		c := testCode(func(c *Code) {
			c.Scope = ScopeProducts
			c.ProductIDs = []int64{1}
			c.Kind = KindFixed
			c.Value = d(5000)
		})
		got := Amount(c, d(380000), items)
		assert.True(t, d(10000).Equal(got), "got %s", got)
	})

	t.Run("item discount clamped to item subtotal", func(t *testing.T) {
		c := testCode(func(c *Code) {
			c.Scope = ScopeProducts
			c.ProductIDs = []int64{3}
			c.Kind = KindFixed
			c.Value = d(100000)
		})
		// 100000 x 1 exceeds the 80000 subtotal of the covered line.
		got := Amount(c, d(380000), items)
		assert.True(t, d(80000).Equal(got), "got %s", got)
	})

	t.Run("no covered items yields zero", func(t *testing.T) {
		c := testCode(func(c *Code) {
			c.Scope = ScopeProducts
			c.ProductIDs = []int64{99}
		})
		got := Amount(c, d(380000), items)
		assert.True(t, got.IsZero(), "got %s", got)
	})
}

func TestRank_OrderingAndTies(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	orderAmount := d(500000)

	fixed := func(id int64, value int64, priority int, createdAt time.Time) *Code {
		return testCode(func(c *Code) {
			c.ID = id
			c.Kind = KindFixed
			c.Value = d(value)
			c.Priority = priority
			c.CreatedAt = createdAt
			c.MaxDiscountValue = nil
		})
	}

	t.Run("higher amount wins", func(t *testing.T) {
		a := fixed(1, 40000, 0, base)
		b := fixed(2, 45000, 0, base)
		best := SelectBest([]*Code{a, b}, orderAmount, nil)
		require.NotNil(t, best)
		assert.Equal(t, int64(2), best.Code.ID)
		assert.True(t, d(45000).Equal(best.Amount))
	})

	t.Run("equal amount falls back to priority", func(t *testing.T) {
		a := fixed(1, 40000, 1, base)
		b := fixed(2, 40000, 5, base)
		best := SelectBest([]*Code{a, b}, orderAmount, nil)
		require.NotNil(t, best)
		assert.Equal(t, int64(2), best.Code.ID)
	})

	t.Run("equal amount and priority prefers older code", func(t *testing.T) {
		a := fixed(1, 40000, 1, base.Add(time.Hour))
		b := fixed(2, 40000, 1, base)
		best := SelectBest([]*Code{a, b}, orderAmount, nil)
		require.NotNil(t, best)
		assert.Equal(t, int64(2), best.Code.ID)
	})

	t.Run("full tie resolved by id", func(t *testing.T) {
		a := fixed(2, 40000, 1, base)
		b := fixed(1, 40000, 1, base)
		best := SelectBest([]*Code{a, b}, orderAmount, nil)
		require.NotNil(t, best)
		assert.Equal(t, int64(1), best.Code.ID)
	})

	t.Run("zero amount candidates dropped", func(t *testing.T) {
		a := testCode(func(c *Code) {
			c.Scope = ScopeProducts
			c.ProductIDs = []int64{99}
		})
		ranked := Rank([]*Code{a}, orderAmount, []Item{{ProductID: 1, UnitPrice: d(100), Quantity: 1}})
		assert.Empty(t, ranked)
	})

	t.Run("empty candidate set returns nil", func(t *testing.T) {
		assert.Nil(t, SelectBest(nil, orderAmount, nil))
	})
}
