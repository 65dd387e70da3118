package segment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReclaimer_WaitsForReaders(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seg := writeTestSegment(t, store, 1, 1, 2)

	r := NewReclaimer(store, time.Hour)
	r.Acquire(seg)
	r.Acquire(seg)
	r.Retire(seg)
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, 0, r.DeleteReady(ctx))

	r.Release(seg)
	assert.Equal(t, 0, r.DeleteReady(ctx), "one reader still holds the segment")
	_, err := store.ReadColumns(ctx, seg, []string{"id"})
	require.NoError(t, err)

	r.Release(seg)
	assert.Equal(t, 1, r.DeleteReady(ctx))
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, int64(1), r.Deleted())

	exists, err := store.Backend().Exists(ctx, seg.ManifestPath())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReclaimer_BackgroundDeletion(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seg := writeTestSegment(t, store, 1, 1)

	r := NewReclaimer(store, 10*time.Millisecond)
	r.Start()
	defer r.Stop(ctx)

	r.Retire(seg)
	assert.Eventually(t, func() bool { return r.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	exists, err := store.Backend().Exists(ctx, seg.DataPath())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReclaimer_StopWithoutStart(t *testing.T) {
	store := newStore(t)
	seg := writeTestSegment(t, store, 1, 1)
	r := NewReclaimer(store, time.Hour)
	r.Retire(seg)
	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, 0, r.Pending())
}

func TestReclaimer_Reservations(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	seg := writeTestSegment(t, store, 1, 1)
	r := NewReclaimer(store, time.Hour)

	r.Reserve(seg)
	assert.True(t, r.Tracks(seg.Dir()))
	assert.Equal(t, 0, r.Pending())
	r.Unreserve(seg)
	assert.False(t, r.Tracks(seg.Dir()))

	// Retire takes the reservation over; the segment stays tracked until
	// it is deleted.
	r.Reserve(seg)
	r.Acquire(seg)
	r.Retire(seg)
	assert.True(t, r.Tracks(seg.Dir()))
	r.Release(seg)
	assert.Equal(t, 1, r.DeleteReady(ctx))
	assert.False(t, r.Tracks(seg.Dir()))
}
