// Package actor implements the stateful actor instance (§4.7): the single
// logical execution agent that owns one actor's state, connections, and
// optional hosted workflow, serializing every inbound effect through one
// mailbox so state mutation, broadcast, and workflow ticks observe a total
// order.
//
// Grounded on the teacher's runtime/agent/run package (a single Runner
// goroutine draining an ordered event channel to serialize an agent's
// effects) generalized from "one LLM turn at a time" to "one actor effect
// at a time": actions, connects, disconnects, workflow ticks, and alarm
// firings all funnel through the same channel-backed mailbox loop.
package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/conn"
	"github.com/rivetkit/actorcore/config"
	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/protocol"
	"github.com/rivetkit/actorcore/queue"
	"github.com/rivetkit/actorcore/state"
	"github.com/rivetkit/actorcore/telemetry"
	"github.com/rivetkit/actorcore/trace"
	"github.com/rivetkit/actorcore/wire"
	"github.com/rivetkit/actorcore/workflow"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ActionFunc is one registered action handler (§4.7 execute).
type ActionFunc func(ac *ActionContext, args json.RawMessage) (json.RawMessage, error)

// Hooks are the lifecycle callbacks an actor definition supplies (§4.7).
type Hooks struct {
	// CreateState builds the initial state blob for a never-before-started
	// instance. Required unless the instance carries no state.
	CreateState func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
	// OnStart fires once, after state is loaded (fresh or reloaded) and
	// before any connection or action is accepted.
	OnStart func(ctx context.Context, ac *ActionContext) error
	// OnStop fires once, when the instance is about to hibernate or shut
	// down cleanly, after the mailbox has drained.
	OnStop func(ctx context.Context, ac *ActionContext) error
	// Conn mirrors conn.Hooks: OnBeforeConnect/OnConnect/OnDisconnect. The
	// actor's own CanInvoke authorization lives here too; the dispatcher
	// consults it for subscription requests only, and action invocations
	// are not checked against it.
	OnBeforeConnect func(ctx context.Context, params conn.Params) error
	CanInvoke       func(ctx context.Context, c *conn.Conn, kind, name string) bool
	OnConnect       func(ctx context.Context, ac *ActionContext, c *conn.Conn)
	OnDisconnect    func(ctx context.Context, ac *ActionContext, c *conn.Conn)
	// Actions maps action name to handler.
	Actions map[string]ActionFunc
	// ActionSchemas optionally binds a JSON schema per action name for
	// request validation ahead of dispatch.
	ActionSchemas map[string]json.RawMessage
	// QueueBodySchemas optionally binds a JSON schema per queue name,
	// validated against HttpQueueSendRequest.Body before it is appended
	// (§4.6 step 6, §4.9).
	QueueBodySchemas map[string]json.RawMessage
	// RawHandler, if set, receives every request under this actor's
	// `/raw/…` gateway route verbatim, bypassing the action/queue-send
	// protocol entirely (§6.2 handleRawRequest).
	RawHandler func(w http.ResponseWriter, r *http.Request, remainingPath string)
	// Run, if set, is hosted as a durable workflow (§4.10) across the
	// instance's lifetime instead of a plain request/response action set.
	Run workflow.Func
	// Tracer, if set, records a span around every action invocation into
	// the optional Trace/Span Sink (§4.11). Nil disables tracing entirely;
	// nothing in the mailbox path depends on it.
	Tracer *trace.Sink
}

// Instance is one stateful actor (§4.7): id, durable state, connections,
// and (optionally) a hosted workflow, all reachable only through the
// mailbox so every effect observes the single-writer invariant.
type Instance struct {
	id     string
	cfg    config.Config
	hooks  Hooks
	logger telemetry.Logger
	vars   any

	stateDriver kv.Driver
	wfDriver    kv.Driver
	store       *state.Store
	queue       *queue.Queue
	completer   *queue.Completer
	conns       *conn.Manager
	dispatcher  *protocol.Dispatcher
	engine      *workflow.Engine

	mailbox chan mailboxJob
	closed  chan struct{}
	mu      sync.Mutex
	started bool

	lastActivity time.Time
	inFlight     int
}

type mailboxJob struct {
	run  func() (any, error)
	resp chan mailboxResult
}

type mailboxResult struct {
	val any
	err error
}

// New constructs an Instance over driver, which must be exclusively owned
// by this instance (the caller scopes one Driver per actor/workflow id,
// §4.2). The instance carves its own state and workflow sub-namespaces out
// of driver via kv.Namespaced so state.Store's and workflow.History's
// identically-named keys never collide.
func New(id string, cfg config.Config, driver kv.Driver, vars any, hooks Hooks, logger telemetry.Logger) *Instance {
	if logger == nil {
		logger, _, _ = telemetry.Noop()
	}
	stateDriver := kv.Namespaced(driver, "state")
	wfDriver := kv.Namespaced(driver, "workflow")

	inst := &Instance{
		id:          id,
		cfg:         cfg,
		hooks:       hooks,
		logger:      logger,
		vars:        vars,
		stateDriver: stateDriver,
		wfDriver:    wfDriver,
		store:       state.New(stateDriver),
		queue:       queue.New(wfDriver, nil),
		completer:   queue.NewCompleter(),
		dispatcher:  protocol.NewDispatcher(cfg, logger),
		mailbox:     make(chan mailboxJob, 64),
		closed:      make(chan struct{}),
	}

	connHooks := conn.Hooks{
		OnBeforeConnect: hooks.OnBeforeConnect,
		CanInvoke:       hooks.CanInvoke,
		OnConnect: func(ctx context.Context, c *conn.Conn) {
			if hooks.OnConnect != nil {
				hooks.OnConnect(ctx, inst.actionContext(ctx, c.ID), c)
			}
		},
		OnDisconnect: func(ctx context.Context, c *conn.Conn) {
			if hooks.OnDisconnect != nil {
				hooks.OnDisconnect(ctx, inst.actionContext(ctx, c.ID), c)
			}
		},
	}
	inst.conns = conn.NewManager(connHooks, cfg.MaxHibernatableConns, 256, rate.Limit(64))

	if hooks.Run != nil {
		inst.engine = workflow.NewEngine(wfDriver, inst.queue, workflow.StateAccessor{
			State:  func() (json.RawMessage, error) { return inst.store.Load(context.Background(), nil) },
			Vars:   func() any { return inst.vars },
			Client: func() any { return nil },
			DB:     func() any { return nil },
		}, cfg.WorkerPollInterval, func(msg string) { logger.Warn(context.Background(), msg) })
	}

	go inst.run()
	return inst
}

// run is the mailbox loop: the one goroutine that ever mutates this
// instance's state, so every job it drains executes in a strict total
// order (§4.7).
func (inst *Instance) run() {
	for {
		select {
		case job := <-inst.mailbox:
			inst.mu.Lock()
			inst.inFlight++
			inst.mu.Unlock()

			val, err := job.run()

			inst.mu.Lock()
			inst.inFlight--
			inst.lastActivity = time.Now()
			inst.mu.Unlock()

			job.resp <- mailboxResult{val: val, err: err}
		case <-inst.closed:
			return
		}
	}
}

// submit runs f on the mailbox goroutine and blocks for its result,
// serializing f against every other action/connect/disconnect/workflow
// tick this instance ever processes. It fails fast once the instance has
// been stopped and its mailbox goroutine released (§4.8 onStop).
func (inst *Instance) submit(ctx context.Context, f func() (any, error)) (any, error) {
	resp := make(chan mailboxResult, 1)
	select {
	case inst.mailbox <- mailboxJob{run: f, resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-inst.closed:
		return nil, actorerr.ActorStoppingErr(inst.id)
	}
	select {
	case r := <-resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-inst.closed:
		return nil, actorerr.ActorStoppingErr(inst.id)
	}
}

// Start loads state (or creates it from input on first start) and fires
// OnStart, then starts the hosted workflow if one is configured (§4.7, §4.10).
func (inst *Instance) Start(ctx context.Context, input json.RawMessage) error {
	_, err := inst.submit(ctx, func() (any, error) {
		initial := input
		if inst.hooks.CreateState != nil {
			created, err := inst.hooks.CreateState(ctx, input)
			if err != nil {
				return nil, fmt.Errorf("actor: create state: %w", err)
			}
			initial = created
		}
		if _, err := inst.store.Load(ctx, initial); err != nil {
			return nil, err
		}
		if inst.hooks.OnStart != nil {
			if err := inst.hooks.OnStart(ctx, inst.actionContext(ctx, "")); err != nil {
				return nil, err
			}
		}
		if err := inst.store.Flush(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.started = true
	inst.mu.Unlock()

	if inst.engine != nil {
		return inst.tickWorkflow(ctx, func() (workflow.TickResult, error) {
			return inst.engine.Start(ctx, inst.hooks.Run, input)
		})
	}
	return nil
}

// Resume reloads a hibernated/crashed instance's state and, if it hosts a
// workflow, resumes it from durable History (§4.10.2 P8).
func (inst *Instance) Resume(ctx context.Context) error {
	_, err := inst.submit(ctx, func() (any, error) {
		if _, err := inst.store.Load(ctx, nil); err != nil {
			return nil, err
		}
		if inst.hooks.OnStart != nil {
			if err := inst.hooks.OnStart(ctx, inst.actionContext(ctx, "")); err != nil {
				return nil, err
			}
		}
		return nil, inst.store.Flush(ctx)
	})
	if err != nil {
		return err
	}
	if err := inst.RestoreHibernatableConns(ctx); err != nil {
		return err
	}
	inst.mu.Lock()
	inst.started = true
	inst.mu.Unlock()

	if inst.engine != nil {
		_, err := inst.tickWorkflowResult(ctx, func() (workflow.TickResult, error) {
			return inst.engine.Resume(ctx, inst.hooks.Run)
		})
		return err
	}
	return nil
}

// tickWorkflow runs tick and, on success, persists/clears the wake alarm
// its TickResult implies, discarding the result to the caller (Start's
// signature doesn't need it).
func (inst *Instance) tickWorkflow(ctx context.Context, tick func() (workflow.TickResult, error)) error {
	_, err := inst.tickWorkflowResult(ctx, tick)
	return err
}

func (inst *Instance) tickWorkflowResult(ctx context.Context, tick func() (workflow.TickResult, error)) (workflow.TickResult, error) {
	res, err := inst.submit(ctx, func() (any, error) {
		r, err := tick()
		if err != nil {
			return workflow.TickResult{}, err
		}
		if alarmErr := inst.applyWorkflowAlarm(ctx, r); alarmErr != nil {
			return r, alarmErr
		}
		return r, nil
	})
	if err != nil {
		if tr, ok := val(res); ok {
			return tr, err
		}
		return workflow.TickResult{}, err
	}
	return res.(workflow.TickResult), nil
}

func val(v any) (workflow.TickResult, bool) {
	tr, ok := v.(workflow.TickResult)
	return tr, ok
}

// applyWorkflowAlarm sets or clears this instance's workflow wake alarm
// according to res, so the hibernation controller (§4.8) knows when to
// reload a parked instance.
func (inst *Instance) applyWorkflowAlarm(ctx context.Context, res workflow.TickResult) error {
	alarmID := "workflow:" + inst.id
	if res.Status == workflow.StatusParked && res.WakeAtMs > 0 {
		return inst.wfDriver.SetAlarm(ctx, alarmID, res.WakeAtMs)
	}
	return inst.wfDriver.ClearAlarm(ctx, alarmID)
}

// FireAlarm re-ticks the hosted workflow, called by the hibernation
// controller when this instance's alarm comes due (§4.8, §4.10.4).
func (inst *Instance) FireAlarm(ctx context.Context) (workflow.TickResult, error) {
	if inst.engine == nil {
		return workflow.TickResult{}, fmt.Errorf("actor: instance %s hosts no workflow", inst.id)
	}
	return inst.tickWorkflowResult(ctx, func() (workflow.TickResult, error) {
		return inst.engine.Tick(ctx, inst.hooks.Run)
	})
}

// InvokeAction satisfies protocol.ActionInvoker, routing the call through
// the mailbox (§4.7 execute, §4.6 step 3).
func (inst *Instance) InvokeAction(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	fn, ok := inst.hooks.Actions[name]
	if !ok {
		return nil, actorerr.ActionNotFoundErr(name)
	}

	var spanID string
	if inst.hooks.Tracer != nil {
		spanID = uuid.NewString()
		start := time.Now().UnixNano()
		_ = inst.hooks.Tracer.StartSpan(ctx, spanID, "", "action."+name, start, map[string]string{"actorId": inst.id})
	}

	res, err := inst.submit(ctx, func() (any, error) {
		return fn(inst.actionContext(ctx, ""), args)
	})

	if spanID != "" {
		ok, msg := true, ""
		if err != nil {
			ok, msg = false, err.Error()
		}
		_ = inst.hooks.Tracer.EndSpan(ctx, spanID, time.Now().UnixNano(), ok, msg)
	}

	if err != nil {
		return nil, err
	}
	out, _ := res.(json.RawMessage)
	return out, nil
}

// ActionParamSchema satisfies protocol.ActionInvoker.
func (inst *Instance) ActionParamSchema(name string) []byte {
	return inst.hooks.ActionSchemas[name]
}

// Connect mints or reattaches a connection through the Connection Manager
// (§4.5) and returns a SubscriptionTarget bridging it to this instance's
// authorization hook for protocol.Dispatcher.
func (inst *Instance) Connect(ctx context.Context, id string, req conn.ConnectRequest) (*conn.Conn, protocol.SubscriptionTarget, error) {
	res, err := inst.submit(ctx, func() (any, error) {
		return inst.conns.PrepareAndConnect(ctx, id, req)
	})
	if err != nil {
		return nil, nil, err
	}
	c := res.(*conn.Conn)
	return c, &subscriptionTarget{conn: c, hooks: inst.hooks}, nil
}

// Disconnect closes and removes a connection (§4.5).
func (inst *Instance) Disconnect(ctx context.Context, c *conn.Conn, closeCode int) error {
	select {
	case <-inst.closed:
		// The mailbox is gone after Stop; close the connection directly.
		return inst.conns.Disconnect(ctx, c, closeCode)
	default:
	}
	_, err := inst.submit(context.WithoutCancel(ctx), func() (any, error) {
		return nil, inst.conns.Disconnect(ctx, c, closeCode)
	})
	return err
}

// Dispatcher exposes this instance's protocol.Dispatcher for gateway wiring.
func (inst *Instance) Dispatcher() *protocol.Dispatcher { return inst.dispatcher }

// Conns exposes the Connection Manager for gateway wiring (websocket raw
// handlers, hibernatable reattach).
func (inst *Instance) Conns() *conn.Manager { return inst.conns }

// Queue exposes this instance's in-actor message queue for the HTTP
// queue-send endpoint (§4.6 step 6, §4.9).
func (inst *Instance) Queue() *queue.Queue { return inst.queue }

// Completer exposes this instance's completable queue-send tracker for the
// HTTP queue-send endpoint's wait=true path (§4.9, §6.2).
func (inst *Instance) Completer() *queue.Completer { return inst.completer }

// QueueBodySchema returns the JSON schema bound to queue name, or nil if
// none was declared.
func (inst *Instance) QueueBodySchema(name string) []byte {
	return inst.hooks.QueueBodySchemas[name]
}

// RawHandler returns the actor definition's raw HTTP handler, or nil if
// none was registered (§6.2 `ANY /raw/…`).
func (inst *Instance) RawHandler() func(w http.ResponseWriter, r *http.Request, remainingPath string) {
	return inst.hooks.RawHandler
}

// Broadcast encodes and enqueues an event to every subscribed connection
// (§4.5, §4.7 broadcast()).
func (inst *Instance) Broadcast(name string, args json.RawMessage) error {
	return inst.conns.Broadcast(name, func(enc wire.Encoding) ([]byte, error) {
		return inst.dispatcher.Encode(enc, wire.Frame{Body: wire.Event{Name: name, Args: args}})
	})
}

// ScheduleAfter persists an alarm to fire name after d (§4.7 scheduleAfter).
func (inst *Instance) ScheduleAfter(ctx context.Context, d time.Duration, name string) error {
	return inst.ScheduleAt(ctx, time.Now().Add(d), name)
}

// ScheduleAt persists an alarm to fire name at at (§4.7 scheduleAt).
func (inst *Instance) ScheduleAt(ctx context.Context, at time.Time, name string) error {
	return inst.stateDriver.SetAlarm(ctx, "schedule:"+name, at.UnixMilli())
}

// NextAlarm reports the earliest pending wake time visible through this
// instance's Driver: its own scheduleAfter/At calls and its hosted
// workflow's sleep/wake alarm (§4.8 idle policy: "no pending scheduled
// alarm within workerPollInterval"). Both namespaced drivers sit over the
// same Driver and kv.Namespaced passes NextAlarm through unfiltered, so
// either view reports the same answer; when that Driver is itself a
// namespaced view of a shared store, alarms of other owners are included.
func (inst *Instance) NextAlarm(ctx context.Context) (wakeAtMs int64, ok bool, err error) {
	return inst.stateDriver.NextAlarm(ctx)
}

// PersistHibernatableConns snapshots the current hibernatable connection
// records to durable state so RestoreHibernatableConns can rebuild
// placeholder Conns for reattach after a hibernate/wake cycle (§4.8).
func (inst *Instance) PersistHibernatableConns(ctx context.Context) error {
	conns := inst.conns.HibernatableConns()
	records := make([]hibernatableRecord, 0, len(conns))
	for _, c := range conns {
		records = append(records, hibernatableRecord{
			ID:        c.ID,
			RequestID: c.RequestID,
			Encoding:  c.Encoding,
			Params:    c.Params,
		})
	}
	blob, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return inst.stateDriver.Set(ctx, hibernatableConnsKey, blob)
}

// RestoreHibernatableConns reloads the records PersistHibernatableConns
// saved and re-registers each as a suspended, transport-less Conn, so a
// matching incoming upgrade reattaches to it instead of minting a new
// logical connection (§4.8 wake, §4.5 P7).
func (inst *Instance) RestoreHibernatableConns(ctx context.Context) error {
	raw, ok, err := inst.stateDriver.Get(ctx, hibernatableConnsKey)
	if err != nil || !ok {
		return err
	}
	var records []hibernatableRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}
	for _, r := range records {
		c := conn.NewConn(r.ID, r.RequestID, true, r.Encoding, r.Params, nil, 256, rate.Limit(64))
		c.Suspend()
		inst.conns.Restore(c)
	}
	return nil
}

type hibernatableRecord struct {
	ID        string       `json:"id"`
	RequestID string       `json:"requestId"`
	Encoding  wire.Encoding `json:"encoding"`
	Params    conn.Params  `json:"params"`
}

var hibernatableConnsKey = []byte("hibernatable-conns")

// Idle reports whether this instance currently has no in-flight mailbox
// work, matching the hibernation controller's idle-detection input (§4.8).
func (inst *Instance) Idle(threshold time.Duration) (idle bool, since time.Duration) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.inFlight > 0 {
		return false, 0
	}
	elapsed := time.Since(inst.lastActivity)
	return elapsed >= threshold, elapsed
}

// Stop fires OnStop, flushes state, persists and suspends hibernatable
// connections, disconnects non-hibernatable ones, and
// releases this instance's mailbox goroutine (§4.7 onStop, §4.8). A
// stopped Instance is never reused: the host constructs a fresh one via
// its Loader on the next Acquire, which rebuilds a live mailbox from the
// same underlying Driver (Resume's job, not this Instance's).
func (inst *Instance) Stop(ctx context.Context) error {
	_, err := inst.submit(ctx, func() (any, error) {
		if inst.hooks.OnStop != nil {
			if err := inst.hooks.OnStop(ctx, inst.actionContext(ctx, "")); err != nil {
				return nil, err
			}
		}
		return nil, inst.store.Flush(ctx)
	})
	if persistErr := inst.PersistHibernatableConns(ctx); persistErr != nil && err == nil {
		err = persistErr
	}
	inst.conns.Suspend(ctx)
	close(inst.closed)
	return err
}

// ID returns the instance's durable identifier.
func (inst *Instance) ID() string { return inst.id }

// Started reports whether Start or Resume has completed at least once,
// distinguishing a freshly-minted-but-not-yet-loaded Instance from a live
// one for gateway/hibernate callers deciding whether to load or reload.
func (inst *Instance) Started() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.started
}
