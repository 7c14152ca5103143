package queue_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/queue"
	"github.com/stretchr/testify/require"
)

func TestSendRejectsUnknownQueue(t *testing.T) {
	ctx := context.Background()
	q := queue.New(kv.NewMemory(), map[string]bool{"jobs": true})

	err := q.Send(ctx, "ghosts", json.RawMessage(`{}`))
	require.Error(t, err)
	actorErr, ok := actorerr.As(err)
	require.True(t, ok)
	require.Equal(t, actorerr.UnknownQueue, actorErr.Code)
}

// TestNextFIFOOrder covers P5: a single producer's messages are observed by
// consumers in send order.
func TestNextFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := queue.New(kv.NewMemory(), nil)

	require.NoError(t, q.Send(ctx, "jobs", json.RawMessage(`1`)))
	require.NoError(t, q.Send(ctx, "jobs", json.RawMessage(`2`)))
	require.NoError(t, q.Send(ctx, "jobs", json.RawMessage(`3`)))

	msgs, err := q.Next(ctx, queue.NextOptions{Names: []string{"jobs"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.JSONEq(t, "1", string(msgs[0].Body))
	require.JSONEq(t, "2", string(msgs[1].Body))
	require.JSONEq(t, "3", string(msgs[2].Body))
}

func TestNextFiltersByName(t *testing.T) {
	ctx := context.Background()
	q := queue.New(kv.NewMemory(), nil)

	require.NoError(t, q.Send(ctx, "a", json.RawMessage(`"a1"`)))
	require.NoError(t, q.Send(ctx, "b", json.RawMessage(`"b1"`)))

	msgs, err := q.Next(ctx, queue.NextOptions{Names: []string{"b"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "b", msgs[0].Name)
}

// TestNextConsumesExactlyOnce covers the happy-path half of P6: a message
// returned by Next is no longer visible to a subsequent Next or Peek call.
func TestNextConsumesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q := queue.New(kv.NewMemory(), nil)
	require.NoError(t, q.Send(ctx, "jobs", json.RawMessage(`1`)))

	first, err := q.Next(ctx, queue.NextOptions{Names: []string{"jobs"}})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Next(ctx, queue.NextOptions{Names: []string{"jobs"}})
	require.NoError(t, err)
	require.Empty(t, second)
}

// TestPeekMessagesIsNonConsuming covers P6's "observed by peekMessages until
// explicitly consumed" half: peeking does not remove the message.
func TestPeekMessagesIsNonConsuming(t *testing.T) {
	ctx := context.Background()
	q := queue.New(kv.NewMemory(), nil)
	require.NoError(t, q.Send(ctx, "jobs", json.RawMessage(`1`)))

	peeked, err := q.PeekMessages(ctx, []string{"jobs"}, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 1)

	again, err := q.Next(ctx, queue.NextOptions{Names: []string{"jobs"}})
	require.NoError(t, err)
	require.Len(t, again, 1)
}

func TestCompleterRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := queue.NewCompleter()

	ch := c.Register("req-1")
	require.NoError(t, c.Complete(ctx, "req-1", json.RawMessage(`{"status":"ok"}`)))

	select {
	case resp := <-ch:
		require.JSONEq(t, `{"status":"ok"}`, string(resp))
	default:
		t.Fatal("expected completion to be immediately available")
	}
}

func TestCompleterRejectsUnknownID(t *testing.T) {
	ctx := context.Background()
	c := queue.NewCompleter()
	err := c.Complete(ctx, "missing", json.RawMessage(`{}`))
	require.Error(t, err)
}
