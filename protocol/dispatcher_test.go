package protocol_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/config"
	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/protocol"
	"github.com/rivetkit/actorcore/queue"
	"github.com/rivetkit/actorcore/telemetry"
	"github.com/rivetkit/actorcore/wire"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	outputs map[string]json.RawMessage
	schemas map[string][]byte
	calls   []string
}

func (f *fakeInvoker) InvokeAction(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	f.calls = append(f.calls, name)
	out, ok := f.outputs[name]
	if !ok {
		return nil, actorerr.ActionNotFoundErr(name)
	}
	return out, nil
}

func (f *fakeInvoker) ActionParamSchema(name string) []byte {
	return f.schemas[name]
}

type fakeSubscriber struct {
	allow bool
	subs  map[string]bool
}

func newFakeSubscriber(allow bool) *fakeSubscriber {
	return &fakeSubscriber{allow: allow, subs: make(map[string]bool)}
}

func (f *fakeSubscriber) CanInvoke(ctx context.Context, kind, name string) bool { return f.allow }
func (f *fakeSubscriber) Subscribe(eventName string, subscribe bool) {
	if subscribe {
		f.subs[eventName] = true
	} else {
		delete(f.subs, eventName)
	}
}

func testCfg() config.Config {
	cfg := config.Default()
	cfg.ActionTimeout = time.Second
	cfg.MaxIncomingMessageSize = 1024
	cfg.MaxOutgoingMessageSize = 1024
	return cfg
}

func TestDispatchActionRequestReturnsActionResponse(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	invoker := &fakeInvoker{outputs: map[string]json.RawMessage{"ping": json.RawMessage(`"pong"`)}}

	body, ok := d.DispatchFrame(context.Background(), invoker, nil, wire.ActionRequest{ID: 7, Name: "ping", Args: json.RawMessage(`null`)})
	require.True(t, ok)
	resp, ok := body.(wire.ActionResponse)
	require.True(t, ok)
	require.Equal(t, uint64(7), resp.ID)
	require.JSONEq(t, `"pong"`, string(resp.Output))
}

func TestDispatchActionRequestUnknownNameReturnsErrorFrame(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	invoker := &fakeInvoker{outputs: map[string]json.RawMessage{}}

	body, ok := d.DispatchFrame(context.Background(), invoker, nil, wire.ActionRequest{ID: 1, Name: "ghost", Args: json.RawMessage(`null`)})
	require.True(t, ok)
	errFrame, ok := body.(wire.ErrorFrame)
	require.True(t, ok)
	require.Equal(t, string(actorerr.ActionNotFound), errFrame.Code)
	require.NotNil(t, errFrame.ActionID)
	require.Equal(t, uint64(1), *errFrame.ActionID)
}

func TestDispatchActionRequestRejectsInvalidParams(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	invoker := &fakeInvoker{
		outputs: map[string]json.RawMessage{"create": json.RawMessage(`{}`)},
		schemas: map[string][]byte{"create": []byte(`{"type":"object","required":["name"]}`)},
	}

	body, ok := d.DispatchFrame(context.Background(), invoker, nil, wire.ActionRequest{ID: 2, Name: "create", Args: json.RawMessage(`{}`)})
	require.True(t, ok)
	errFrame, ok := body.(wire.ErrorFrame)
	require.True(t, ok)
	require.Equal(t, string(actorerr.InvalidParams), errFrame.Code)
	require.Empty(t, invoker.calls, "invoker must not be called when params fail validation")
}

func TestDispatchSubscriptionRequestUpdatesSetWithNoReply(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	sub := newFakeSubscriber(true)

	body, ok := d.DispatchFrame(context.Background(), nil, sub, wire.SubscriptionRequest{EventName: "tick", Subscribe: true})
	require.False(t, ok, "a successful subscription change has no reply frame")
	require.Nil(t, body)
	require.True(t, sub.subs["tick"])
}

func TestDispatchSubscriptionRequestDeniedReturnsForbidden(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	sub := newFakeSubscriber(false)

	body, ok := d.DispatchFrame(context.Background(), nil, sub, wire.SubscriptionRequest{EventName: "tick", Subscribe: true})
	require.True(t, ok)
	errFrame, ok := body.(wire.ErrorFrame)
	require.True(t, ok)
	require.Equal(t, string(actorerr.Forbidden), errFrame.Code)
	require.False(t, sub.subs["tick"])
}

// TestDecodeRejectsOversizedFrame covers P10 (incoming size enforcement).
func TestDecodeRejectsOversizedFrame(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	cfg := testCfg()
	cfg.MaxIncomingMessageSize = 4
	d := protocol.NewDispatcher(cfg, logger)

	_, err := d.Decode(wire.EncodingJSON, []byte(`{"much":"too","long":"a payload"}`))
	require.Error(t, err)
	ae, ok := actorerr.As(err)
	require.True(t, ok)
	require.Equal(t, actorerr.IncomingTooLong, ae.Code)
}

// TestEncodeRejectsOversizedFrame covers the outgoing half of P10.
func TestEncodeRejectsOversizedFrame(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	cfg := testCfg()
	cfg.MaxOutgoingMessageSize = 4
	d := protocol.NewDispatcher(cfg, logger)

	_, err := d.Encode(wire.EncodingJSON, wire.Frame{Body: wire.Event{Name: "tick", Args: json.RawMessage(`{"n":1}`)}})
	require.Error(t, err)
	ae, ok := actorerr.As(err)
	require.True(t, ok)
	require.Equal(t, actorerr.OutgoingTooLong, ae.Code)
}

func TestEncodeDecodeRoundTripsThroughBothEncodings(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)

	for _, enc := range []wire.Encoding{wire.EncodingJSON, wire.EncodingBare} {
		frame := wire.Frame{Body: wire.ActionResponse{ID: 9, Output: json.RawMessage(`{"ok":true}`)}}
		data, err := d.Encode(enc, frame)
		require.NoError(t, err)

		decoded, err := d.Decode(enc, data)
		require.NoError(t, err)
		resp, ok := decoded.Body.(wire.ActionResponse)
		require.True(t, ok)
		require.Equal(t, uint64(9), resp.ID)
	}
}

func TestNegotiateEncodingDefaultsToJSON(t *testing.T) {
	require.Equal(t, wire.EncodingJSON, protocol.NegotiateEncoding(""))
	require.Equal(t, wire.EncodingJSON, protocol.NegotiateEncoding("anything-else"))
	require.Equal(t, wire.EncodingBare, protocol.NegotiateEncoding(string(wire.EncodingBare)))
}

func TestHandleHTTPActionValidatesAndInvokes(t *testing.T) {
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	invoker := &fakeInvoker{outputs: map[string]json.RawMessage{"ping": json.RawMessage(`"pong"`)}}

	out, err := d.HandleHTTPAction(context.Background(), invoker, "ping", json.RawMessage(`null`))
	require.NoError(t, err)
	require.JSONEq(t, `"pong"`, string(out))
}

func TestHandleQueueSendNonWaitingReturnsSent(t *testing.T) {
	ctx := context.Background()
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	q := queue.New(kv.NewMemory(), map[string]bool{"jobs": true})
	completer := queue.NewCompleter()

	resp, err := d.HandleQueueSend(ctx, q, completer, wire.HTTPQueueSendRequest{Name: "jobs", Body: json.RawMessage(`{"n":1}`)}, nil)
	require.NoError(t, err)
	require.Equal(t, "sent", resp.Status)
}

func TestHandleQueueSendWaitingResolvesOnComplete(t *testing.T) {
	ctx := context.Background()
	logger, _, _ := telemetry.Noop()
	cfg := testCfg()
	cfg.ActionTimeout = 5 * time.Second
	d := protocol.NewDispatcher(cfg, logger)
	q := queue.New(kv.NewMemory(), map[string]bool{"jobs": true})
	completer := queue.NewCompleter()

	resultCh := make(chan wire.HTTPQueueSendResponse, 1)
	go func() {
		resp, err := d.HandleQueueSend(ctx, q, completer, wire.HTTPQueueSendRequest{Name: "jobs", Body: json.RawMessage(`{}`), Wait: true, Timeout: 2000}, nil)
		require.NoError(t, err)
		resultCh <- resp
	}()

	var completionID string
	require.Eventually(t, func() bool {
		msgs, err := q.PeekMessages(ctx, []string{"jobs"}, 1)
		require.NoError(t, err)
		if len(msgs) == 0 || msgs[0].CompletionID == "" {
			return false
		}
		completionID = msgs[0].CompletionID
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, completer.Complete(ctx, completionID, json.RawMessage(`{"status":"done"}`)))

	select {
	case resp := <-resultCh:
		require.Equal(t, "completed", resp.Status)
		require.JSONEq(t, `{"status":"done"}`, string(resp.Response))
	case <-time.After(time.Second):
		t.Fatal("expected HandleQueueSend to resolve after completion")
	}
}

func TestHandleQueueSendWaitingTimesOut(t *testing.T) {
	ctx := context.Background()
	logger, _, _ := telemetry.Noop()
	d := protocol.NewDispatcher(testCfg(), logger)
	q := queue.New(kv.NewMemory(), map[string]bool{"jobs": true})
	completer := queue.NewCompleter()

	resp, err := d.HandleQueueSend(ctx, q, completer, wire.HTTPQueueSendRequest{Name: "jobs", Body: json.RawMessage(`{}`), Wait: true, Timeout: 20}, nil)
	require.NoError(t, err)
	require.Equal(t, "timedOut", resp.Status)
}
