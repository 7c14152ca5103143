package conn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/conn"
	"github.com/rivetkit/actorcore/wire"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	defaultWait = time.Second
	defaultTick = 10 * time.Millisecond
)

type fakeTransport struct {
	sent   [][]byte
	closed bool
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(ctx context.Context, closeCode int) error {
	f.closed = true
	return nil
}

// TestReattachReusesExistingConnNoSecondOnConnect covers P7: a hibernatable
// connection that reconnects with the same request id is handed back the
// original Conn record, and onConnect fires exactly once.
func TestReattachReusesExistingConnNoSecondOnConnect(t *testing.T) {
	ctx := context.Background()
	var onConnectCalls int
	m := conn.NewManager(conn.Hooks{
		OnConnect: func(ctx context.Context, c *conn.Conn) { onConnectCalls++ },
	}, 10, 16, rate.Limit(100))

	firstTransport := &fakeTransport{}
	first, err := m.PrepareAndConnect(ctx, "conn-1", conn.ConnectRequest{
		RequestID:    "req-abc",
		Hibernatable: true,
		Encoding:     wire.EncodingJSON,
		Transport:    firstTransport,
	})
	require.NoError(t, err)
	require.Equal(t, 1, onConnectCalls)

	first.Suspend()
	require.Equal(t, conn.StateSuspended, first.State())

	secondTransport := &fakeTransport{}
	second, err := m.PrepareAndConnect(ctx, "conn-2", conn.ConnectRequest{
		RequestID:    "req-abc",
		Hibernatable: true,
		Encoding:     wire.EncodingJSON,
		Transport:    secondTransport,
	})
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, onConnectCalls, "reattach must not fire onConnect again")
	require.Equal(t, conn.StateOpen, second.State())
}

func TestPrepareAndConnectRejectsOnBeforeConnectFailure(t *testing.T) {
	ctx := context.Background()
	m := conn.NewManager(conn.Hooks{
		OnBeforeConnect: func(ctx context.Context, params conn.Params) error {
			return errors.New("bad token")
		},
	}, 10, 16, rate.Limit(100))

	_, err := m.PrepareAndConnect(ctx, "conn-1", conn.ConnectRequest{
		Transport: &fakeTransport{},
	})
	require.Error(t, err)
	actorErr, ok := actorerr.As(err)
	require.True(t, ok)
	require.Equal(t, actorerr.Forbidden, actorErr.Code)
}

// TestHibernatableLRUEvictsOldestBeyondCap covers the configurable
// per-actor hibernatable-conn cap with LRU eviction.
func TestHibernatableLRUEvictsOldestBeyondCap(t *testing.T) {
	ctx := context.Background()
	m := conn.NewManager(conn.Hooks{}, 2, 16, rate.Limit(100))

	_, err := m.PrepareAndConnect(ctx, "c1", conn.ConnectRequest{RequestID: "r1", Hibernatable: true, Transport: &fakeTransport{}})
	require.NoError(t, err)
	_, err = m.PrepareAndConnect(ctx, "c2", conn.ConnectRequest{RequestID: "r2", Hibernatable: true, Transport: &fakeTransport{}})
	require.NoError(t, err)
	_, err = m.PrepareAndConnect(ctx, "c3", conn.ConnectRequest{RequestID: "r3", Hibernatable: true, Transport: &fakeTransport{}})
	require.NoError(t, err)

	ids := m.HibernatableRequestIDs()
	require.Len(t, ids, 2)
	require.NotContains(t, ids, "r1", "oldest entry should have been evicted")
	require.Contains(t, ids, "r2")
	require.Contains(t, ids, "r3")
}

func TestBroadcastOnlyReachesSubscribedOpenConns(t *testing.T) {
	ctx := context.Background()
	m := conn.NewManager(conn.Hooks{}, 10, 16, rate.Limit(100))

	transportA := &fakeTransport{}
	connA, err := m.PrepareAndConnect(ctx, "a", conn.ConnectRequest{Transport: transportA})
	require.NoError(t, err)
	connA.Subscribe("tick", true)
	go connA.Run(ctx)

	transportB := &fakeTransport{}
	connB, err := m.PrepareAndConnect(ctx, "b", conn.ConnectRequest{Transport: transportB})
	require.NoError(t, err)
	go connB.Run(ctx)

	require.Eventually(t, func() bool {
		return connA.State() == conn.StateOpen && connB.State() == conn.StateOpen
	}, defaultWait, defaultTick)

	err = m.Broadcast("tick", func(enc wire.Encoding) ([]byte, error) { return []byte("payload"), nil })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(transportA.sent) == 1
	}, defaultWait, defaultTick)
	require.Empty(t, transportB.sent, "unsubscribed connection must not receive the broadcast")
}

func TestDisconnectRemovesFromLiveAndHibernatableSets(t *testing.T) {
	ctx := context.Background()
	m := conn.NewManager(conn.Hooks{}, 10, 16, rate.Limit(100))

	transport := &fakeTransport{}
	c, err := m.PrepareAndConnect(ctx, "a", conn.ConnectRequest{RequestID: "req-1", Hibernatable: true, Transport: transport})
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(ctx, c, 1000))
	require.True(t, transport.closed)

	_, ok := m.Get("a")
	require.False(t, ok)
	require.Empty(t, m.HibernatableRequestIDs())
}
