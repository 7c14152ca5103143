// Package conn implements the Connection Manager (§4.5): per-actor tracking
// of live and hibernatable connections across transports (HTTP single-shot,
// WebSocket, raw), their subscription sets, and the ordered send queue each
// connection drains.
//
// Grounded on the teacher's Sink abstraction (runtime/agent/stream/stream.go:
// a transport-agnostic "Send(ctx, event) error" + idempotent "Close(ctx)
// error" surface implemented by SSE/WebSocket/Pulse transports) generalized
// from one-way event delivery to the full bidirectional connection state
// machine the spec requires, and on the teacher's session lifecycle
// (runtime/agent/session/session.go: explicit create/end, terminal states)
// for the connecting/open/closing/closed/suspended state machine shape.
package conn

import (
	"context"
	"sync"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/wire"
	"golang.org/x/time/rate"
)

// State is a connection's position in the §4.5 state machine.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateSuspended // hibernating: persisted, no live transport
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Transport abstracts the wire-level send/close primitives a connection
// drives, implemented per transport kind (http single-shot, websocket, raw).
// Grounded on stream.Sink's Send/Close shape.
type Transport interface {
	// Send writes one encoded frame to the peer. Implementations must be
	// safe to call only from the connection's own writer goroutine (Conn
	// serializes calls itself, so Transport need not be thread-safe).
	Send(ctx context.Context, data []byte) error
	// Close closes the transport, using closeCode where the transport has
	// a notion of one (e.g. websocket close codes); others ignore it.
	Close(ctx context.Context, closeCode int) error
}

// Params is the decoded connection-params payload negotiated at connect
// time (`rivetkit.params.*` / `x-rivetkit-conn-params`, §6.1).
type Params map[string]any

// Conn is one logical connection to an actor. A hibernatable connection's
// Conn record outlives any single transport: Suspend/Reattach swap the
// Transport while ID, RequestID, and subscriptions persist.
type Conn struct {
	ID           string
	RequestID    string // correlates a reattach to a prior hibernated conn
	Hibernatable bool
	Encoding     wire.Encoding
	Params       Params

	mu            sync.Mutex
	state         State
	transport     Transport
	subscriptions map[string]bool
	limiter       *rate.Limiter

	sendQueue chan []byte
	closed    chan struct{}
	once      sync.Once
}

// NewConn constructs a Conn in StateConnecting, wired to transport with a
// bounded per-connection send queue and token-bucket backpressure limiter
// (§5 Backpressure), grounded on features/model/middleware/ratelimit.go's
// use of golang.org/x/time/rate for per-caller limiting (simplified here to
// a fixed budget, since the spec does not call for AIMD adaptation).
func NewConn(id, requestID string, hibernatable bool, enc wire.Encoding, params Params, transport Transport, queueCapacity int, burst rate.Limit) *Conn {
	if queueCapacity <= 0 {
		queueCapacity = 256
	}
	return &Conn{
		ID:            id,
		RequestID:     requestID,
		Hibernatable:  hibernatable,
		Encoding:      enc,
		Params:        params,
		state:         StateConnecting,
		transport:     transport,
		subscriptions: make(map[string]bool),
		limiter:       rate.NewLimiter(burst, int(burst)),
		sendQueue:     make(chan []byte, queueCapacity),
		closed:        make(chan struct{}),
	}
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Subscribe adds or removes eventName from the connection's subscription
// set (§4.6 SubscriptionRequest handling).
func (c *Conn) Subscribe(eventName string, subscribe bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if subscribe {
		c.subscriptions[eventName] = true
	} else {
		delete(c.subscriptions, eventName)
	}
}

// Subscribed reports whether the connection currently subscribes to name.
func (c *Conn) Subscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[name]
}

// Enqueue places an already-encoded frame on the connection's send queue.
// It never blocks: a full queue is a backpressure overflow, surfaced by
// returning actorerr.BackpressureOverflowErr so the caller can disconnect.
func (c *Conn) Enqueue(data []byte) error {
	if !c.limiter.Allow() {
		return actorerr.BackpressureOverflowErr(c.ID)
	}
	select {
	case c.sendQueue <- data:
		return nil
	default:
		return actorerr.BackpressureOverflowErr(c.ID)
	}
}

// Run drains the send queue to the transport in FIFO order (§5 "within a
// connection... server->client frames are delivered in enqueue order")
// until the connection closes or ctx is cancelled. Callers run this in its
// own goroutine per open connection.
func (c *Conn) Run(ctx context.Context) error {
	c.setState(StateOpen)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case data := <-c.sendQueue:
			if err := c.transport.Send(ctx, data); err != nil {
				return err
			}
		}
	}
}

// Suspend transitions an open, hibernatable connection to StateSuspended,
// detaching its transport without closing the logical connection (§4.5
// hibernate arrow). The send queue is preserved so a reattach can resume
// draining any frames enqueued while suspended.
func (c *Conn) Suspend() {
	c.setState(StateSuspended)
	c.mu.Lock()
	c.transport = nil
	c.mu.Unlock()
}

// Reattach resumes a suspended connection on a new transport, matched by
// RequestID (§4.5 "Hibernatable WebSocket rule", P7).
func (c *Conn) Reattach(transport Transport) {
	c.mu.Lock()
	c.transport = transport
	c.mu.Unlock()
	c.setState(StateOpen)
}

// Close transitions the connection through closing to closed, closing the
// transport with closeCode (1000 for a clean websocket close, §4.5).
func (c *Conn) Close(ctx context.Context, closeCode int) error {
	var err error
	c.once.Do(func() {
		c.setState(StateClosing)
		c.mu.Lock()
		t := c.transport
		c.mu.Unlock()
		if t != nil {
			err = t.Close(ctx, closeCode)
		}
		close(c.closed)
		c.setState(StateClosed)
	})
	return err
}
