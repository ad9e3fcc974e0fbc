package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryExpiresEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	m := NewMemory(10 * time.Second)
	m.now = func() time.Time { return now }

	m.Set(ctx, "list?page=1", []byte(`{"page":1}`))

	got, ok := m.Get(ctx, "list?page=1")
	assert.True(t, ok)
	assert.JSONEq(t, `{"page":1}`, string(got))

	now = now.Add(10 * time.Second)
	_, ok = m.Get(ctx, "list?page=1")
	assert.False(t, ok, "entry at its expiry instant is stale")
	assert.Equal(t, 0, m.Len())
}

func TestMemoryInvalidate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	m.Set(ctx, "a", []byte("1"))
	m.Set(ctx, "b", []byte("2"))
	m.Set(ctx, "c", []byte("3"))

	m.Invalidate(ctx, "a", "missing")
	_, ok := m.Get(ctx, "a")
	assert.False(t, ok)
	assert.Equal(t, 2, m.Len())

	m.Invalidate(ctx)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	value := []byte("abc")
	m.Set(ctx, "k", value)
	value[0] = 'x'

	got, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(got))

	got[1] = 'y'
	again, _ := m.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryDisabledWithZeroTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	m.Set(ctx, "k", []byte("v"))
	_, ok := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisWithoutClientDegrades(t *testing.T) {
	ctx := context.Background()
	var r Redis

	r.Set(ctx, "k", []byte("v"))
	_, ok := r.Get(ctx, "k")
	assert.False(t, ok)
	r.Invalidate(ctx)
	assert.NoError(t, r.Close())
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis(context.Background(), "not-a-redis-url", "p:", time.Minute)
	assert.Error(t, err)
}

var (
	_ Cache = Nop{}
	_ Cache = (*Memory)(nil)
	_ Cache = (*Redis)(nil)
)
