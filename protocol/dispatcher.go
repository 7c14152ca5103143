// Package protocol implements the Protocol Dispatcher (§4.6): per-message
// encoding negotiation, versioned frame decode/encode with size limits, and
// routing of ActionRequest/SubscriptionRequest bodies to an actor instance.
// It is transport-agnostic; gateway wires it to HTTP and WebSocket.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/config"
	"github.com/rivetkit/actorcore/telemetry"
	"github.com/rivetkit/actorcore/wire"
)

// ActionInvoker is the actor-side surface the dispatcher routes
// ActionRequest/HTTPActionRequest frames to (§4.7 execute).
type ActionInvoker interface {
	// InvokeAction executes name against the actor's mailbox, returning
	// actorerr.ActionNotFoundErr if name isn't registered.
	InvokeAction(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	// ActionParamSchema returns the JSON schema bound to name, or nil if
	// none was declared.
	ActionParamSchema(name string) []byte
}

// SubscriptionTarget is the connection-side surface for SubscriptionRequest
// frames (§4.6 step 4).
type SubscriptionTarget interface {
	CanInvoke(ctx context.Context, kind, name string) bool
	Subscribe(eventName string, subscribe bool)
}

// Dispatcher decodes/encodes frames and routes their bodies, enforcing the
// configured size and action-timeout limits.
type Dispatcher struct {
	maxIncoming   int
	maxOutgoing   int
	actionTimeout time.Duration
	schemas       *SchemaValidator
	logger        telemetry.Logger
}

// NewDispatcher builds a Dispatcher from the process configuration.
func NewDispatcher(cfg config.Config, logger telemetry.Logger) *Dispatcher {
	if logger == nil {
		logger, _, _ = telemetry.Noop()
	}
	return &Dispatcher{
		maxIncoming:   cfg.MaxIncomingMessageSize,
		maxOutgoing:   cfg.MaxOutgoingMessageSize,
		actionTimeout: cfg.ActionTimeout,
		schemas:       NewSchemaValidator(),
		logger:        logger,
	}
}

// NegotiateEncoding picks the wire encoding per §4.6 step 1: an explicit
// negotiated value (subprotocol name or Content-Type) selects `bare`;
// anything else, including absence, falls back to JSON so curl stays usable
// on the HTTP surface.
func NegotiateEncoding(negotiated string) wire.Encoding {
	if negotiated == string(wire.EncodingBare) || negotiated == wire.ContentType(wire.EncodingBare) {
		return wire.EncodingBare
	}
	return wire.EncodingJSON
}

// Decode enforces the incoming size limit, strips the version prefix, and
// decodes the payload in enc.
func (d *Dispatcher) Decode(enc wire.Encoding, data []byte) (wire.Frame, error) {
	if d.maxIncoming > 0 && len(data) > d.maxIncoming {
		return wire.Frame{}, actorerr.IncomingMessageTooLongErr(len(data), d.maxIncoming)
	}
	_, payload, err := wire.DecodeVersioned(data)
	if err != nil {
		return wire.Frame{}, actorerr.InvalidRequestErr(err.Error())
	}
	if enc == wire.EncodingBare {
		return wire.DecodeBare(payload)
	}
	return wire.DecodeJSON(payload)
}

// Encode encodes f in enc, prepends the version tag, and enforces the
// outgoing size limit.
func (d *Dispatcher) Encode(enc wire.Encoding, f wire.Frame) ([]byte, error) {
	var payload []byte
	var err error
	if enc == wire.EncodingBare {
		payload, err = wire.EncodeBare(f)
	} else {
		payload, err = wire.EncodeJSON(f)
	}
	if err != nil {
		return nil, err
	}
	out := wire.EncodeVersioned(wire.CurrentVersion, payload)
	if d.maxOutgoing > 0 && len(out) > d.maxOutgoing {
		return nil, actorerr.OutgoingMessageTooLongErr(len(out), d.maxOutgoing)
	}
	return out, nil
}

// DispatchFrame routes one decoded frame body per §4.6 steps 3-4. It
// returns the body to send back and whether a reply is owed at all: a
// successful subscription change has no reply frame.
func (d *Dispatcher) DispatchFrame(ctx context.Context, invoker ActionInvoker, sub SubscriptionTarget, body wire.Body) (wire.Body, bool) {
	switch b := body.(type) {
	case wire.ActionRequest:
		return d.dispatchAction(ctx, invoker, b.ID, b.Name, b.Args)
	case wire.SubscriptionRequest:
		return d.dispatchSubscription(ctx, sub, b)
	default:
		return d.errorFrame(ctx, actorerr.InvalidRequestErr(fmt.Sprintf("unexpected frame kind %T on a live connection", body)), nil), true
	}
}

func (d *Dispatcher) dispatchAction(ctx context.Context, invoker ActionInvoker, id uint64, name string, args json.RawMessage) (wire.Body, bool) {
	if schema := invoker.ActionParamSchema(name); len(schema) > 0 {
		if err := d.schemas.Validate("action:"+name, schema, args); err != nil {
			return d.errorFrame(ctx, err, &id), true
		}
	}

	actionCtx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	defer cancel()
	out, err := invoker.InvokeAction(actionCtx, name, args)
	if err != nil {
		return d.errorFrame(ctx, err, &id), true
	}
	return wire.ActionResponse{ID: id, Output: out}, true
}

func (d *Dispatcher) dispatchSubscription(ctx context.Context, sub SubscriptionTarget, b wire.SubscriptionRequest) (wire.Body, bool) {
	if sub == nil {
		return d.errorFrame(ctx, actorerr.InternalErr(fmt.Errorf("no connection attached for subscription request")), nil), true
	}
	if !sub.CanInvoke(ctx, "subscribe", b.EventName) {
		return d.errorFrame(ctx, actorerr.ForbiddenErr(fmt.Sprintf("subscribe to %q denied", b.EventName)), nil), true
	}
	sub.Subscribe(b.EventName, b.Subscribe)
	return nil, false
}

// HandleHTTPAction handles the single-shot HTTP action endpoint (§4.6 step
// 5): the same validation and invocation as a live ActionRequest, without a
// connection or a correlation id.
func (d *Dispatcher) HandleHTTPAction(ctx context.Context, invoker ActionInvoker, name string, args json.RawMessage) (json.RawMessage, error) {
	if d.maxIncoming > 0 && len(args) > d.maxIncoming {
		return nil, actorerr.IncomingMessageTooLongErr(len(args), d.maxIncoming)
	}
	if schema := invoker.ActionParamSchema(name); len(schema) > 0 {
		if err := d.schemas.Validate("action:"+name, schema, args); err != nil {
			return nil, err
		}
	}

	actionCtx, cancel := context.WithTimeout(ctx, d.actionTimeout)
	defer cancel()
	return invoker.InvokeAction(actionCtx, name, args)
}

func (d *Dispatcher) errorFrame(ctx context.Context, err error, actionID *uint64) wire.ErrorFrame {
	ae, ok := actorerr.As(err)
	if !ok {
		ae = actorerr.InternalErr(err)
	}
	ae = actorerr.Sanitize(ctx, ae)

	d.logger.Warn(ctx, "dispatch error", "group", string(ae.Group), "code", string(ae.Code))

	f := wire.ErrorFrame{
		Group:    string(ae.Group),
		Code:     string(ae.Code),
		Message:  ae.Message,
		Metadata: ae.Metadata,
	}
	if actionID != nil {
		f.ActionID = actionID
	} else if ae.ActionID != 0 {
		id := ae.ActionID
		f.ActionID = &id
	}
	return f
}
