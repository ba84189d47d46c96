package discount

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	codes      map[string]*Code
	byID       map[int64]*Code
	usage      map[[2]int64]int
	created    *Code
	updated    *Code
	nextID     int64
	findErr    error
	autoCodes  []*Code
	validCodes []*Code
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		codes:  make(map[string]*Code),
		byID:   make(map[int64]*Code),
		usage:  make(map[[2]int64]int),
		nextID: 1,
	}
}

func (m *mockRepo) add(c *Code) *Code {
	if c.ID == 0 {
		c.ID = m.nextID
		m.nextID++
	}
	m.codes[c.Code] = c
	m.byID[c.ID] = c
	return c
}

func (m *mockRepo) Create(_ context.Context, c *Code) error {
	if _, exists := m.codes[c.Code]; exists {
		return ErrCodeExists
	}
	m.created = m.add(c)
	return nil
}

func (m *mockRepo) Update(_ context.Context, c *Code) error {
	m.updated = c
	return nil
}

func (m *mockRepo) Deactivate(_ context.Context, id int64) error {
	c, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Active = false
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id int64) (*Code, error) {
	c, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockRepo) FindByCode(_ context.Context, code string) (*Code, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	c, ok := m.codes[code]
	if !ok || !c.Active {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *mockRepo) ListByStore(_ context.Context, _ int64, _, _ int) ([]*Code, error) {
	var out []*Code
	for _, c := range m.byID {
		out = append(out, c)
	}
	return out, nil
}

func (m *mockRepo) FindValid(_ context.Context, _ int64, _ []int64, _ time.Time) ([]*Code, error) {
	return m.validCodes, nil
}

func (m *mockRepo) FindAutoApply(_ context.Context, _ int64, _ []int64, _ time.Time) ([]*Code, error) {
	return m.autoCodes, nil
}

func (m *mockRepo) CountCustomerUsage(_ context.Context, discountID, customerID int64) (int, error) {
	return m.usage[[2]int64{discountID, customerID}], nil
}

type mockOwnership struct {
	owned map[[2]int64]bool
	err   error
}

func (m *mockOwnership) StoreOwnedBy(_ context.Context, storeID, sellerID int64) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.owned[[2]int64{storeID, sellerID}], nil
}

func newTestService(repo *mockRepo) *Service {
	owner := &mockOwnership{owned: map[[2]int64]bool{{10, 1}: true}}
	svc := NewService(repo, owner)
	svc.now = func() time.Time { return time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC) }
	return svc
}

func validCreateInput() CreateInput {
	cap := decimal.NewFromInt(50000)
	return CreateInput{
		StoreID:            10,
		Code:               "SUMMER10",
		Kind:               KindPercentage,
		Value:              decimal.NewFromInt(10),
		MaxDiscountValue:   &cap,
		StartAt:            time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndAt:              time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		Quantity:           100,
		MaxUses:            100,
		MaxUsesPerCustomer: 2,
		Scope:              ScopeShop,
	}
}

func TestService_Create(t *testing.T) {
	t.Run("valid input creates active code", func(t *testing.T) {
		repo := newMockRepo()
		svc := newTestService(repo)

		c, err := svc.Create(context.Background(), validCreateInput(), 1)
		require.NoError(t, err)
		assert.True(t, c.Active)
		assert.NotNil(t, repo.created)
	})

	t.Run("percentage outside 1..100 rejected", func(t *testing.T) {
		svc := newTestService(newMockRepo())
		in := validCreateInput()
		in.Value = decimal.NewFromInt(150)

		_, err := svc.Create(context.Background(), in, 1)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("percentage without cap rejected", func(t *testing.T) {
		svc := newTestService(newMockRepo())
		in := validCreateInput()
		in.MaxDiscountValue = nil

		_, err := svc.Create(context.Background(), in, 1)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("end before start rejected", func(t *testing.T) {
		svc := newTestService(newMockRepo())
		in := validCreateInput()
		in.EndAt = in.StartAt.Add(-time.Hour)

		_, err := svc.Create(context.Background(), in, 1)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("product scope without products rejected", func(t *testing.T) {
		svc := newTestService(newMockRepo())
		in := validCreateInput()
		in.Scope = ScopeProducts

		_, err := svc.Create(context.Background(), in, 1)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("foreign store rejected", func(t *testing.T) {
		svc := newTestService(newMockRepo())

		_, err := svc.Create(context.Background(), validCreateInput(), 99)
		assert.ErrorIs(t, err, ErrNotStoreOwner)
	})

	t.Run("duplicate code surfaces ErrCodeExists", func(t *testing.T) {
		repo := newMockRepo()
		svc := newTestService(repo)

		_, err := svc.Create(context.Background(), validCreateInput(), 1)
		require.NoError(t, err)
		_, err = svc.Create(context.Background(), validCreateInput(), 1)
		assert.ErrorIs(t, err, ErrCodeExists)
	})
}

func TestService_Deactivate(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	c := repo.add(testCode())

	t.Run("foreign seller forbidden", func(t *testing.T) {
		err := svc.Deactivate(context.Background(), c.ID, 99)
		assert.ErrorIs(t, err, ErrNotStoreOwner)
		assert.True(t, c.Active)
	})

	t.Run("owner deactivates", func(t *testing.T) {
		err := svc.Deactivate(context.Background(), c.ID, 1)
		require.NoError(t, err)
		assert.False(t, c.Active)
	})
}

func TestService_Preview(t *testing.T) {
	t.Run("eligible code computes amount without consuming", func(t *testing.T) {
		repo := newMockRepo()
		svc := newTestService(repo)
		c := repo.add(testCode())
		before := c.UsedCount

		calc, err := svc.Preview(context.Background(), "SUMMER10", testInput(), nil)
		require.NoError(t, err)
		assert.True(t, calc.Applied())
		assert.True(t, d(50000).Equal(calc.DiscountAmount), "got %s", calc.DiscountAmount)
		assert.True(t, d(450000).Equal(calc.FinalAmount), "got %s", calc.FinalAmount)
		assert.Equal(t, before, c.UsedCount)
	})

	t.Run("unknown code reports inactive, not an error", func(t *testing.T) {
		svc := newTestService(newMockRepo())

		calc, err := svc.Preview(context.Background(), "NOPE", testInput(), nil)
		require.NoError(t, err)
		assert.False(t, calc.Applied())
		assert.Equal(t, ReasonInactive, calc.Reason)
		assert.True(t, calc.FinalAmount.Equal(calc.OriginalAmount))
	})

	t.Run("ineligible code carries the reason", func(t *testing.T) {
		repo := newMockRepo()
		svc := newTestService(repo)
		repo.add(testCode())
		repo.usage[[2]int64{1, 7}] = 2

		calc, err := svc.Preview(context.Background(), "SUMMER10", testInput(), nil)
		require.NoError(t, err)
		assert.Equal(t, ReasonCustomerCap, calc.Reason)
	})

	t.Run("repository failure is an error", func(t *testing.T) {
		repo := newMockRepo()
		repo.findErr = errors.New("connection reset")
		svc := newTestService(repo)

		_, err := svc.Preview(context.Background(), "SUMMER10", testInput(), nil)
		assert.Error(t, err)
	})
}

func TestService_AutoBest(t *testing.T) {
	t.Run("returns highest amount candidate", func(t *testing.T) {
		repo := newMockRepo()
		svc := newTestService(repo)
		a := repo.add(testCode(func(c *Code) {
			c.ID = 1
			c.Code = "FIXED40"
			c.Kind = KindFixed
			c.Value = d(40000)
			c.MaxDiscountValue = nil
			c.AutoApply = true
		}))
		b := repo.add(testCode(func(c *Code) {
			c.ID = 2
			c.Code = "FIXED45"
			c.Kind = KindFixed
			c.Value = d(45000)
			c.MaxDiscountValue = nil
			c.AutoApply = true
		}))
		repo.autoCodes = []*Code{a, b}

		best, err := svc.AutoBest(context.Background(), 10, 7, []int64{100}, d(500000), nil)
		require.NoError(t, err)
		require.NotNil(t, best)
		assert.Equal(t, "FIXED45", best.Code.Code)
	})

	t.Run("no candidates is a nil result", func(t *testing.T) {
		svc := newTestService(newMockRepo())

		best, err := svc.AutoBest(context.Background(), 10, 7, []int64{100}, d(500000), nil)
		require.NoError(t, err)
		assert.Nil(t, best)
	})

	t.Run("candidates at their customer cap are skipped", func(t *testing.T) {
		repo := newMockRepo()
		svc := newTestService(repo)
		a := repo.add(testCode(func(c *Code) {
			c.ID = 1
			c.Code = "CAPPED"
			c.AutoApply = true
		}))
		repo.autoCodes = []*Code{a}
		repo.usage[[2]int64{1, 7}] = 2

		best, err := svc.AutoBest(context.Background(), 10, 7, []int64{100}, d(500000), nil)
		require.NoError(t, err)
		assert.Nil(t, best)
	})
}
