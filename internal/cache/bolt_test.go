package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBolt(t *testing.T) *BoltBackend {
	t.Helper()
	b, err := NewBoltBackend(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBoltRoundTrip(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", "v", 0))
	got, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok, err = b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Delete(ctx, "k"))
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltTTLEnforcedOnRead(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	// A nanosecond TTL lands the deadline in the current second, which the
	// read-side check already treats as expired.
	require.NoError(t, b.Set(ctx, "k", "v", time.Nanosecond))
	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Set(ctx, "k", "v", time.Hour))
	_, ok, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBoltCappedList(t *testing.T) {
	b := newTestBolt(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.PushCapped(ctx, "recent", v, 3))
	}

	got, err := b.GetRange(ctx, "recent", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, got)

	got, err = b.GetRange(ctx, "recent", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, got)

	require.NoError(t, b.Delete(ctx, "recent"))
	got, err = b.GetRange(ctx, "recent", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
