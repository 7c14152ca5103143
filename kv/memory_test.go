package kv_test

import (
	"context"
	"testing"

	"github.com/rivetkit/actorcore/kv"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetDelete(t *testing.T) {
	ctx := context.Background()
	d := kv.NewMemory()

	_, ok, err := d.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.Set(ctx, []byte("a"), []byte("1")))
	v, ok, err := d.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, d.Delete(ctx, []byte("a")))
	_, ok, err = d.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestMemoryListOrdering covers P1: list(p) returns entries in lexicographic
// key order.
func TestMemoryListOrdering(t *testing.T) {
	ctx := context.Background()
	d := kv.NewMemory()

	for _, k := range []string{"p/c", "p/a", "p/b", "q/z"} {
		require.NoError(t, d.Set(ctx, []byte(k), []byte("v")))
	}

	entries, err := d.List(ctx, []byte("p/"))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, []byte("p/a"), entries[0].Key)
	require.Equal(t, []byte("p/b"), entries[1].Key)
	require.Equal(t, []byte("p/c"), entries[2].Key)
}

func TestMemoryListRange(t *testing.T) {
	ctx := context.Background()
	d := kv.NewMemory()
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Set(ctx, []byte(k), []byte(k)))
	}

	entries, err := d.ListRange(ctx, []byte("b"), []byte("d"), kv.ListRangeOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("b"), entries[0].Key)
	require.Equal(t, []byte("c"), entries[1].Key)

	reversed, err := d.ListRange(ctx, []byte("a"), nil, kv.ListRangeOptions{Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, reversed, 2)
	require.Equal(t, []byte("d"), reversed[0].Key)
	require.Equal(t, []byte("c"), reversed[1].Key)
}

func TestMemoryDeletePrefix(t *testing.T) {
	ctx := context.Background()
	d := kv.NewMemory()
	require.NoError(t, d.Set(ctx, []byte("p/a"), []byte("1")))
	require.NoError(t, d.Set(ctx, []byte("p/b"), []byte("1")))
	require.NoError(t, d.Set(ctx, []byte("q/a"), []byte("1")))

	require.NoError(t, d.DeletePrefix(ctx, []byte("p/")))

	entries, err := d.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("q/a"), entries[0].Key)
}

func TestMemoryBatchAtomicity(t *testing.T) {
	ctx := context.Background()
	d := kv.NewMemory()
	require.NoError(t, d.Set(ctx, []byte("a"), []byte("old")))

	err := d.Batch(ctx, []kv.Write{
		{Key: []byte("a"), Value: []byte("new")},
		{Key: []byte("b"), Value: []byte("b-val")},
		{Key: []byte("a"), Value: nil}, // later writes in the batch win
	})
	require.NoError(t, err)

	_, ok, err := d.Get(ctx, []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err := d.Get(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("b-val"), v)
}

func TestMemoryAlarms(t *testing.T) {
	ctx := context.Background()
	d := kv.NewMemory()

	_, ok, err := d.NextAlarm(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.SetAlarm(ctx, "wf-1", 5000))
	require.NoError(t, d.SetAlarm(ctx, "wf-2", 1000))

	at, ok, err := d.NextAlarm(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1000), at)

	require.NoError(t, d.ClearAlarm(ctx, "wf-2"))
	at, ok, err = d.NextAlarm(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5000), at)
}
