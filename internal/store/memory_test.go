package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetWithTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	// Advance past the TTL.
	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetNXIsAtomicCheckAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "cooldown:threat:1.2.3.4", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first SetNX should win")

	ok, err = s.SetNX(ctx, "cooldown:threat:1.2.3.4", "1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX within TTL should lose")
}

func TestSetNXAfterExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	ok, err := s.SetNX(ctx, "k", "1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	s.now = func() time.Time { return base.Add(2 * time.Second) }

	ok, err = s.SetNX(ctx, "k", "1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "SetNX should succeed after TTL expiry")
}

func TestIncr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.Incr(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestListPushTrimRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.ListPush(ctx, "history", v))
	}

	// Newest first.
	all, err := s.ListRange(ctx, "history", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b", "a"}, all)

	// Keep the two most recent.
	require.NoError(t, s.ListTrim(ctx, "history", 0, 1))
	all, err = s.ListRange(ctx, "history", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, all)
}

func TestSetOperations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "blacklist", "10.0.0.1", "10.0.0.2"))
	require.NoError(t, s.SetAdd(ctx, "blacklist", "10.0.0.1")) // duplicate

	card, err := s.SetCard(ctx, "blacklist")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	member, err := s.SetIsMember(ctx, "blacklist", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, member)

	member, err = s.SetIsMember(ctx, "blacklist", "10.0.0.99")
	require.NoError(t, err)
	assert.False(t, member)
}
