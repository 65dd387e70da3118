package storage

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	Backend
	rangeReads atomic.Int64
}

func (c *countingBackend) GetRange(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	c.rangeReads.Add(1)
	return c.Backend.GetRange(ctx, path, offset, length)
}

func newCounting(t *testing.T) *countingBackend {
	local, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	return &countingBackend{Backend: local}
}

func TestCachedBackend_HitsAndInvalidation(t *testing.T) {
	inner := newCounting(t)
	cached, err := NewCachedBackend(inner, 1024)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cached.PutObject(ctx, "seg/data", []byte("0123456789")))

	for i := 0; i < 3; i++ {
		data, err := cached.GetRange(ctx, "seg/data", 2, 4)
		require.NoError(t, err)
		assert.Equal(t, "2345", string(data))
	}
	assert.Equal(t, int64(1), inner.rangeReads.Load())
	hits, misses, _, size := cached.Metrics()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
	assert.Equal(t, int64(4), size)

	require.NoError(t, cached.DeleteObject(ctx, "seg/data"))
	_, err = cached.GetRange(ctx, "seg/data", 2, 4)
	assert.True(t, IsNotFound(err), "deleted objects must not be served from cache")
}

func TestCachedBackend_EvictsLeastRecentlyUsed(t *testing.T) {
	inner := newCounting(t)
	cached, err := NewCachedBackend(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cached.PutObject(ctx, "a", []byte("aaaa")))
	require.NoError(t, cached.PutObject(ctx, "b", []byte("bbbb")))
	require.NoError(t, cached.PutObject(ctx, "c", []byte("cccc")))

	for _, p := range []string{"a", "b", "a", "c"} {
		_, err := cached.GetRange(ctx, p, 0, 4)
		require.NoError(t, err)
	}
	_, _, evictions, size := cached.Metrics()
	assert.Equal(t, int64(1), evictions)
	assert.Equal(t, int64(8), size)

	// "b" was least recently used and must be refetched.
	before := inner.rangeReads.Load()
	_, err = cached.GetRange(ctx, "b", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, before+1, inner.rangeReads.Load())
}

func TestFetchRanges(t *testing.T) {
	local, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, local.PutObject(ctx, "obj", []byte("abcdefghij")))

	out, err := FetchRanges(ctx, local, []RangeRequest{
		{Path: "obj", Offset: 0, Length: 3},
		{Path: "obj", Offset: 3, Length: 3},
		{Path: "obj", Offset: 6, Length: 4},
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"abc", "def", "ghij"}, []string{string(out[0]), string(out[1]), string(out[2])})

	_, err = FetchRanges(ctx, local, []RangeRequest{{Path: "obj", Offset: 0, Length: 1}, {Path: "gone", Offset: 0, Length: 1}}, 4)
	assert.True(t, IsNotFound(err))
}
