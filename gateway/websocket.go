package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rivetkit/actorcore/actor"
	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/conn"
	"github.com/rivetkit/actorcore/protocol"
	"github.com/rivetkit/actorcore/wire"
)

// upgrader is shared across requests; CheckOrigin is permissive because the
// gateway has no notion of a single trusted origin (actor definitions apply
// their own authorization in OnBeforeConnect/CanInvoke).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsTransport adapts a gorilla/websocket connection to conn.Transport
// (§4.5), grounded on the teacher's stream.Sink WebSocket implementation:
// binary frames carry the already-encoded wire payload verbatim.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = t.ws.SetWriteDeadline(dl)
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close(ctx context.Context, closeCode int) error {
	deadline := time.Now().Add(5 * time.Second)
	_ = t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""), deadline)
	return t.ws.Close()
}

// handleWebSocket upgrades the request and drives the full-duplex framed
// stream (§6.2 `GET /websocket[/…]`): negotiate encoding/params from the
// subprotocol list (params fall back to the parallel HTTP header; an absent
// encoding subprotocol means json), connect,
// send the Init frame, then pump inbound frames to the dispatcher while a
// second goroutine drains the connection's send queue to the socket.
func (rt *Router) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst := instanceFromContext(ctx)

	n, err := negotiateWebSocket(r.Header.Get("Sec-WebSocket-Protocol"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if n.params == nil {
		if hn, herr := negotiateHTTP(r.Header.Get(headerEncoding), r.Header.Get(headerConnParams)); herr == nil {
			n.params = hn.params
		}
	}

	var responseHeader http.Header
	if len(n.echoSubprotocols) > 0 {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {strings.Join(n.echoSubprotocols, ", ")}}
	}

	requestID := r.Header.Get(headerRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	ws, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		rt.logger.Warn(ctx, "gateway: websocket upgrade failed", "error", err.Error())
		return
	}

	transport := &wsTransport{ws: ws}
	c, sub, err := inst.Connect(ctx, uuid.NewString(), conn.ConnectRequest{
		RequestID:    requestID,
		Hibernatable: true,
		Encoding:     n.encoding,
		Params:       n.params,
		Transport:    transport,
	})
	if err != nil {
		_ = ws.Close()
		return
	}

	rt.runWebSocket(ctx, inst, c, sub, ws, n.encoding)
}

func (rt *Router) runWebSocket(ctx context.Context, inst *actor.Instance, c *conn.Conn, sub protocol.SubscriptionTarget, ws *websocket.Conn, enc wire.Encoding) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()

	dispatcher := inst.Dispatcher()
	if init, err := dispatcher.Encode(enc, wire.Frame{Body: wire.Init{ActorID: inst.ID(), ConnectionID: c.ID}}); err == nil {
		_ = c.Enqueue(init)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		frame, err := dispatcher.Decode(enc, data)
		if err != nil {
			if reply, err := dispatcher.Encode(enc, wire.Frame{Body: errFrame(ctx, err)}); err == nil {
				_ = c.Enqueue(reply)
			}
			continue
		}
		body, ok := dispatcher.DispatchFrame(runCtx, inst, sub, frame.Body)
		if !ok {
			continue
		}
		if reply, err := dispatcher.Encode(enc, wire.Frame{Body: body}); err == nil {
			_ = c.Enqueue(reply)
		}
	}

	cancel()
	<-done
	_ = inst.Disconnect(ctx, c, 1000)
}

func errFrame(ctx context.Context, err error) wire.ErrorFrame {
	ae, ok := actorerr.As(err)
	if !ok {
		ae = actorerr.InternalErr(err)
	}
	ae = actorerr.Sanitize(ctx, ae)
	return wire.ErrorFrame{Group: string(ae.Group), Code: string(ae.Code), Message: ae.Message, Metadata: ae.Metadata}
}
