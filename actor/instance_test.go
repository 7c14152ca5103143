package actor_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivetkit/actorcore/actor"
	"github.com/rivetkit/actorcore/config"
	"github.com/rivetkit/actorcore/conn"
	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/workflow"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.WorkerPollInterval = time.Hour
	return cfg
}

// TestInvokeActionMutatesStateSerially covers §4.7: an action handler reads
// and durably mutates the actor's state via its ActionContext.
func TestInvokeActionMutatesStateSerially(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()

	inst := actor.New("counter-1", testConfig(), driver, nil, actor.Hooks{
		CreateState: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"count":0}`), nil
		},
		Actions: map[string]actor.ActionFunc{
			"increment": func(ac *actor.ActionContext, args json.RawMessage) (json.RawMessage, error) {
				var out json.RawMessage
				err := ac.MutateState(func(current json.RawMessage) (json.RawMessage, error) {
					var s struct {
						Count int `json:"count"`
					}
					_ = json.Unmarshal(current, &s)
					s.Count++
					next, _ := json.Marshal(s)
					out = next
					return next, nil
				})
				return out, err
			},
		},
	}, nil)

	require.NoError(t, inst.Start(ctx, nil))

	out, err := inst.InvokeAction(ctx, "increment", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"count":1}`, string(out))

	out2, err := inst.InvokeAction(ctx, "increment", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"count":2}`, string(out2))
}

// TestInvokeActionUnknownNameIsRejected covers the ActionNotFound contract.
func TestInvokeActionUnknownNameIsRejected(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	inst := actor.New("counter-2", testConfig(), driver, nil, actor.Hooks{}, nil)
	require.NoError(t, inst.Start(ctx, nil))

	_, err := inst.InvokeAction(ctx, "does-not-exist", nil)
	require.Error(t, err)
}

// TestConnectSubscriptionRespectsCanInvoke covers the §4.7 canInvoke guard
// surfacing through the subscriptionTarget adapter protocol.Dispatcher uses.
func TestConnectSubscriptionRespectsCanInvoke(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()

	inst := actor.New("room-1", testConfig(), driver, nil, actor.Hooks{
		CanInvoke: func(ctx context.Context, c *conn.Conn, kind, name string) bool {
			return name != "forbidden-event"
		},
	}, nil)
	require.NoError(t, inst.Start(ctx, nil))

	c, target, err := inst.Connect(ctx, "c1", conn.ConnectRequest{Transport: &discardTransport{}})
	require.NoError(t, err)
	require.NotNil(t, c)

	require.True(t, target.CanInvoke(ctx, "subscribe", "allowed-event"))
	require.False(t, target.CanInvoke(ctx, "subscribe", "forbidden-event"))
}

// TestBroadcastReachesSubscribedConnection covers §4.5/§4.7 broadcast().
func TestBroadcastReachesSubscribedConnection(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	inst := actor.New("room-2", testConfig(), driver, nil, actor.Hooks{}, nil)
	require.NoError(t, inst.Start(ctx, nil))

	transport := &discardTransport{}
	c, target, err := inst.Connect(ctx, "c1", conn.ConnectRequest{Transport: transport})
	require.NoError(t, err)
	target.Subscribe("tick", true)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = c.Run(runCtx) }()
	require.Eventually(t, func() bool { return c.State() == conn.StateOpen }, time.Second, time.Millisecond)

	require.NoError(t, inst.Broadcast("tick", json.RawMessage(`{"n":1}`)))
	require.Eventually(t, func() bool {
		return transport.sent() > 0
	}, time.Second, time.Millisecond)
}

// TestHostedWorkflowCompletesAndClearsAlarm covers the actor/workflow
// hosting glue: a Run func ticks to completion through the mailbox and no
// wake alarm is left behind.
func TestHostedWorkflowCompletesAndClearsAlarm(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()

	fn := func(wfCtx *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		return wfCtx.Step("charge", func(context.Context) (json.RawMessage, error) {
			return json.RawMessage(`{"charged":true}`), nil
		}, workflow.StepOptions{})
	}

	inst := actor.New("order-1", testConfig(), driver, nil, actor.Hooks{Run: fn}, nil)
	require.NoError(t, inst.Start(ctx, json.RawMessage(`{"orderId":"o1"}`)))

	_, ok, err := driver.NextAlarm(ctx)
	require.NoError(t, err)
	require.False(t, ok, "a completed hosted workflow must not leave a wake alarm behind")
}

type discardTransport struct {
	count atomic.Int64
}

func (d *discardTransport) Send(ctx context.Context, data []byte) error {
	d.count.Add(1)
	return nil
}

func (d *discardTransport) Close(ctx context.Context, closeCode int) error { return nil }

func (d *discardTransport) sent() int64 { return d.count.Load() }
