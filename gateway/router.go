package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rivetkit/actorcore/actor"
	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/config"
	"github.com/rivetkit/actorcore/hibernate"
	"github.com/rivetkit/actorcore/protocol"
	"github.com/rivetkit/actorcore/telemetry"
	"github.com/rivetkit/actorcore/wire"
)

// Router is the actor gateway's http.Handler (§6.1, §6.2): it parses the
// `/gateway/<actor-id>[@<token>]/…` path, acquires the addressed instance
// through the Hibernation Controller, and dispatches the remaining path to
// one of the action/queue-send/resolve/websocket/raw routes.
//
// Grounded on the teacher's example/cmd/assistant/http.go wiring shape (one
// http.Handler mounting a set of generated sub-handlers on a shared mux),
// adapted from goa's generated Muxer to the stdlib net/http 1.22+
// pattern-based ServeMux, since no third-party HTTP router is part of the
// dependency pack.
type Router struct {
	ctrl   *hibernate.Controller
	cfg    config.Config
	logger telemetry.Logger
	mux    *http.ServeMux
}

// New builds a Router dispatching through ctrl. The path's decoded
// `@<token>` segment, if present, is carried in the request context
// (TokenFromContext) for the actor definition's own hooks to authorize;
// the gateway itself does not interpret it.
func New(ctrl *hibernate.Controller, cfg config.Config, logger telemetry.Logger) *Router {
	if logger == nil {
		logger, _, _ = telemetry.Noop()
	}
	rt := &Router{ctrl: ctrl, cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /action/{name}", rt.handleAction)
	mux.HandleFunc("POST /queue-send", rt.handleQueueSend)
	mux.HandleFunc("POST /queue-send/{name}", rt.handleQueueSend)
	mux.HandleFunc("POST /resolve", rt.handleResolve)
	mux.HandleFunc("GET /websocket", rt.handleWebSocket)
	mux.HandleFunc("GET /websocket/{rest...}", rt.handleWebSocket)
	mux.HandleFunc("/raw/{rest...}", rt.handleRaw)
	rt.mux = mux
	return rt
}

type (
	instanceCtxKey  struct{}
	actorPathCtxKey struct{}
)

// ServeHTTP implements http.Handler: parse the gateway path, acquire the
// instance, and replay the remaining path through the route mux (§6.1 step
// 1, §6.2).
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		raw += "?" + r.URL.RawQuery
	}
	ap, ok := ParseActorPath(raw)
	if !ok {
		writeError(w, ctx, actorerr.InvalidRequestErr("malformed gateway path"))
		return
	}

	inst, err := rt.ctrl.Acquire(ctx, ap.ActorID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	subPath := ap.RemainingPath
	if i := strings.IndexByte(subPath, '?'); i >= 0 {
		subPath = subPath[:i]
	}

	ctx = context.WithValue(ctx, instanceCtxKey{}, inst)
	ctx = context.WithValue(ctx, actorPathCtxKey{}, ap)

	r2 := r.Clone(ctx)
	r2.URL.Path = subPath
	r2.URL.RawPath = subPath
	rt.mux.ServeHTTP(w, r2)
}

func instanceFromContext(ctx context.Context) *actor.Instance {
	inst, _ := ctx.Value(instanceCtxKey{}).(*actor.Instance)
	return inst
}

func actorPathFromContext(ctx context.Context) ActorPath {
	ap, _ := ctx.Value(actorPathCtxKey{}).(ActorPath)
	return ap
}

// TokenFromContext returns the `@<token>` segment decoded from the
// incoming gateway path, or "" if the request carried none (§6.1).
func TokenFromContext(ctx context.Context) string {
	return actorPathFromContext(ctx).Token
}

// handleAction implements `POST /action/{name}` (§6.2): the single-shot
// HTTP equivalent of a live ActionRequest/ActionResponse round trip.
func (rt *Router) handleAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst := instanceFromContext(ctx)
	name := r.PathValue("name")

	body, err := readBody(w, r, rt.cfg.MaxIncomingMessageSize)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	n, err := negotiateHTTP(r.Header.Get(headerEncoding), r.Header.Get(headerConnParams))
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	args, err := decodeHTTPRequest[wire.HTTPActionRequest](inst.Dispatcher(), n.encoding, body)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	out, err := inst.Dispatcher().HandleHTTPAction(ctx, inst, name, args.Args)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeHTTPResponse(w, ctx, inst.Dispatcher(), n.encoding, wire.HTTPActionResponse{Output: out})
}

// handleQueueSend implements `POST /queue-send[/{name}]` (§6.2, §4.9).
func (rt *Router) handleQueueSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst := instanceFromContext(ctx)

	body, err := readBody(w, r, rt.cfg.MaxIncomingMessageSize)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	n, err := negotiateHTTP(r.Header.Get(headerEncoding), r.Header.Get(headerConnParams))
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	req, err := decodeHTTPRequest[wire.HTTPQueueSendRequest](inst.Dispatcher(), n.encoding, body)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if name := r.PathValue("name"); name != "" {
		req.Name = name
	}

	resp, err := inst.Dispatcher().HandleQueueSend(ctx, inst.Queue(), inst.Completer(), req, inst.QueueBodySchema(req.Name))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeHTTPResponse(w, ctx, inst.Dispatcher(), n.encoding, resp)
}

// handleResolve implements `POST /resolve` (§6.2): the path has already
// resolved Key to ActorId by the time a handler runs (ParseActorPath +
// Acquire), so this simply echoes that identity back in the documented
// envelope shape.
func (rt *Router) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst := instanceFromContext(ctx)
	n, err := negotiateHTTP(r.Header.Get(headerEncoding), r.Header.Get(headerConnParams))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	writeHTTPResponse(w, ctx, inst.Dispatcher(), n.encoding, wire.HTTPResolveResponse{ActorID: inst.ID()})
}

// handleRaw implements `ANY /raw/…` (§6.2): forwarded verbatim to the actor
// definition's RawHandler, bypassing the action/queue-send protocol.
func (rt *Router) handleRaw(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst := instanceFromContext(ctx)
	handler := inst.RawHandler()
	if handler == nil {
		writeError(w, ctx, actorerr.InvalidRequestErr("no raw handler registered for this actor"))
		return
	}
	handler(w, r, "/"+r.PathValue("rest"))
}

func readBody(w http.ResponseWriter, r *http.Request, max int) ([]byte, error) {
	body := r.Body
	if max > 0 {
		body = http.MaxBytesReader(w, r.Body, int64(max))
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, actorerr.IncomingMessageTooLongErr(len(data)+1, max)
	}
	return data, nil
}

func writeError(w http.ResponseWriter, ctx context.Context, err error) {
	ae, ok := actorerr.As(err)
	if !ok {
		ae = actorerr.InternalErr(err)
	}
	ae = actorerr.Sanitize(ctx, ae)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForGroup(ae.Group))
	_ = json.NewEncoder(w).Encode(wire.ErrorFrame{Group: string(ae.Group), Code: string(ae.Code), Message: ae.Message, Metadata: ae.Metadata})
}

func statusForGroup(g actorerr.Group) int {
	switch g {
	case actorerr.GroupUser:
		return http.StatusBadRequest
	case actorerr.GroupTransport:
		return http.StatusRequestEntityTooLarge
	case actorerr.GroupLifecycle:
		return http.StatusServiceUnavailable
	case actorerr.GroupWorkflow:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeHTTPRequest decodes an HTTP request body into T: for bare encoding
// the body is a fully versioned wire.Frame (consistent with every other
// transport); for json encoding it is the flat `{args: ...}`-shaped struct
// directly, so curl and other ad-hoc JSON clients stay usable without
// constructing a version-prefixed envelope (§6.1).
func decodeHTTPRequest[T wire.Body](d *protocol.Dispatcher, enc wire.Encoding, body []byte) (T, error) {
	var zero T
	if enc == wire.EncodingBare {
		frame, err := d.Decode(enc, body)
		if err != nil {
			return zero, err
		}
		t, ok := frame.Body.(T)
		if !ok {
			return zero, actorerr.InvalidRequestErr(fmt.Sprintf("unexpected body kind %T", frame.Body))
		}
		return t, nil
	}
	if len(body) == 0 {
		return zero, nil
	}
	var t T
	if err := json.Unmarshal(body, &t); err != nil {
		return zero, actorerr.InvalidRequestErr(err.Error())
	}
	return t, nil
}

func writeHTTPResponse(w http.ResponseWriter, ctx context.Context, d *protocol.Dispatcher, enc wire.Encoding, body wire.Body) {
	if enc == wire.EncodingBare {
		out, err := d.Encode(enc, wire.Frame{Body: body})
		if err != nil {
			writeError(w, ctx, err)
			return
		}
		w.Header().Set("Content-Type", wire.ContentType(enc))
		_, _ = w.Write(out)
		return
	}
	w.Header().Set("Content-Type", wire.ContentType(enc))
	_ = json.NewEncoder(w).Encode(body)
}
