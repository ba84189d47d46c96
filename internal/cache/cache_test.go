package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory() (*Memory, *time.Time) {
	m := NewMemory(0)
	current := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }
	return m, &current
}

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	got, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok, err = m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m, current := newTestMemory()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	*current = current.Add(61 * time.Second)
	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry past its TTL must not be returned")
}

func TestMemory_Take(t *testing.T) {
	ctx := context.Background()
	m, current := newTestMemory()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))

	got, ok, err := m.Take(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok, err = m.Take(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "a key can be taken at most once")

	require.NoError(t, m.Set(ctx, "stale", []byte("v"), time.Minute))
	*current = current.Add(2 * time.Minute)
	_, ok, err = m.Take(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries cannot be taken")
}

func TestMemory_Delete(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMemory()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, m.Delete(ctx, "k"))

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_Sweep(t *testing.T) {
	ctx := context.Background()
	m, current := newTestMemory()

	require.NoError(t, m.Set(ctx, "old", []byte("v"), time.Minute))
	require.NoError(t, m.Set(ctx, "fresh", []byte("v"), time.Hour))

	*current = current.Add(2 * time.Minute)
	m.sweep()

	m.mu.Lock()
	_, oldKept := m.entries["old"]
	_, freshKept := m.entries["fresh"]
	m.mu.Unlock()
	assert.False(t, oldKept)
	assert.True(t, freshKept)
}
