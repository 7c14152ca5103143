package trace_test

import (
	"context"
	"testing"
	"time"

	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/trace"
	"github.com/stretchr/testify/require"
)

func TestSinkStartEventEndRoundTrip(t *testing.T) {
	ctx := context.Background()
	sink := trace.NewSink(kv.NewMemory(), trace.DefaultConfig())

	start := time.Now().UnixNano()
	require.NoError(t, sink.StartSpan(ctx, "span-1", "", "charge-card", start, map[string]string{"order": "42"}))
	require.NoError(t, sink.AddEvent(ctx, "span-1", "validated", start+1_000_000, nil))
	require.NoError(t, sink.EndSpan(ctx, "span-1", start+5_000_000, true, ""))

	views, clamped, err := sink.ReadRange(ctx, (start-int64(time.Second))/int64(time.Millisecond), (start+int64(time.Second))/int64(time.Millisecond), 10)
	require.NoError(t, err)
	require.False(t, clamped)
	require.Len(t, views, 1)
	require.Equal(t, "span-1", views[0].SpanID)
	require.Equal(t, "charge-card", views[0].Name)
	require.True(t, views[0].Ended)
	require.True(t, views[0].StatusOK)
	require.Len(t, views[0].Events, 1)
	require.Equal(t, "42", views[0].Attributes["order"])
}

func TestSinkReadRangeClampsToMaxReadLimit(t *testing.T) {
	ctx := context.Background()
	cfg := trace.DefaultConfig()
	cfg.MaxReadLimit = 2
	sink := trace.NewSink(kv.NewMemory(), cfg)

	base := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, sink.StartSpan(ctx, id, "", "op-"+id, base+int64(i), nil))
	}

	views, clamped, err := sink.ReadRange(ctx, base/int64(time.Millisecond), (base+int64(time.Second))/int64(time.Millisecond), 100)
	require.NoError(t, err)
	require.True(t, clamped, "an unbounded caller limit must still be clamped to MaxReadLimit")
	require.Len(t, views, 2)
}

func TestSinkEvictsDeepestSpanOnOverflow(t *testing.T) {
	ctx := context.Background()
	cfg := trace.DefaultConfig()
	cfg.MaxActiveSpans = 2
	sink := trace.NewSink(kv.NewMemory(), cfg)

	base := time.Now().UnixNano()
	require.NoError(t, sink.StartSpan(ctx, "root", "", "root", base, nil))
	require.NoError(t, sink.StartSpan(ctx, "child", "root", "child", base+1, nil))
	// Starting a third span over the cap must evict the deepest existing
	// span ("child", depth 1) rather than "root" (depth 0).
	require.NoError(t, sink.StartSpan(ctx, "sibling", "root", "sibling", base+2, nil))

	// The evicted span's End is silently ignored: it never reappears as a
	// tracked span, so subsequent events against it are no-ops rather than
	// errors.
	require.NoError(t, sink.AddEvent(ctx, "child", "ignored", base+3, nil))
	require.NoError(t, sink.EndSpan(ctx, "child", base+4, true, ""))

	views, _, err := sink.ReadRange(ctx, base/int64(time.Millisecond), (base+int64(time.Second))/int64(time.Millisecond), 10)
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, v := range views {
		ids[v.SpanID] = true
	}
	require.True(t, ids["root"])
	require.True(t, ids["sibling"])
	require.True(t, ids["child"], "child's SpanStart record was already durably written before eviction")
	var child trace.SpanView
	for _, v := range views {
		if v.SpanID == "child" {
			child = v
		}
	}
	require.False(t, child.Ended, "eviction stops further records, including the eventual End, from being recorded")
}

func TestSinkFlushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sink := trace.NewSink(kv.NewMemory(), trace.DefaultConfig())
	require.NoError(t, sink.Flush(ctx))
	require.NoError(t, sink.StartSpan(ctx, "span-1", "", "op", time.Now().UnixNano(), nil))
	require.NoError(t, sink.Flush(ctx))
	require.NoError(t, sink.Flush(ctx))
}
