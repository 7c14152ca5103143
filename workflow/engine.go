package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/queue"
)

// Func is a user-defined workflow body (§4.10.1): it must be deterministic
// given the same input and the same sequence of Context primitive results,
// since Engine may re-invoke it from the top on every Tick.
type Func func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// Status is the outcome of one Engine.Tick call.
type Status string

const (
	StatusStarted   Status = "started"
	StatusDone      Status = "done"
	StatusFailedRun Status = "failed"
	StatusParked    Status = "parked"
)

// TickResult reports what happened during one Tick: either the workflow ran
// to completion/failure, or it suspended and needs a wake-up arranged by the
// caller (the hosting actor, §4.7).
type TickResult struct {
	Status Status
	Output json.RawMessage
	Err    error

	// WakeAtMs, when non-zero, is the unix-ms alarm the caller must
	// schedule via kv.Driver.SetAlarm before releasing this instance from
	// memory (§4.10.4).
	WakeAtMs int64
	// WaitingOnMessages, when non-empty, names the queues the caller
	// should additionally watch for (an incoming message can wake the
	// instance before WakeAtMs, or instead of it when WakeAtMs is zero).
	WaitingOnMessages []string
}

// Engine drives one workflow instance's History against its Func,
// implementing the replay algorithm in §4.10.2: terminal entries resolve
// from the in-memory map with no side effects, and the first non-terminal
// primitive performs its live effect. Grounded on the teacher's inmem Engine
// (runtime/agent/engine/inmem/engine.go), generalized from its
// goroutine-per-workflow/Future-channel model to a run-to-suspension Tick
// model, since the spec requires a crash-consistent instance to replay from
// durable History rather than from an in-memory goroutine that cannot have
// survived the crash.
type Engine struct {
	driver kv.Driver
	hist   *History
	queue  *queue.Queue
	accessor StateAccessor
	poll     time.Duration
	breadcrumb func(string)
}

// NewEngine constructs an Engine bound to one workflow instance's KV
// namespace (driver is already scoped to that instance by the caller, per
// kv.Driver's per-instance-namespace contract).
func NewEngine(driver kv.Driver, q *queue.Queue, accessor StateAccessor, poll time.Duration, breadcrumb func(string)) *Engine {
	return &Engine{driver: driver, hist: NewHistory(driver), queue: q, accessor: accessor, poll: poll, breadcrumb: breadcrumb}
}

// History exposes the engine's backing store, mainly for tests and
// introspection tooling (§4.10.5).
func (e *Engine) History() *History { return e.hist }

// Start begins a new workflow instance if none exists yet (Meta.State ==
// MetaPending with no input recorded), then immediately Ticks it once. A
// second Start on an already-started instance is a no-op that just Ticks
// (idempotent under at-least-once delivery of the start request).
func (e *Engine) Start(ctx context.Context, fn Func, input json.RawMessage) (TickResult, error) {
	if err := e.hist.Load(ctx); err != nil {
		return TickResult{}, err
	}
	meta, err := e.hist.LoadMeta(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if meta.State == MetaPending {
		meta.State = MetaRunning
		meta.Input = input
		if err := e.hist.SaveMeta(ctx, meta); err != nil {
			return TickResult{}, err
		}
	}
	return e.Tick(ctx, fn)
}

// Resume re-loads History and re-invokes fn from the top, used both for the
// in-process "another primitive became ready" continuation and for a fresh
// process reloading a hibernated instance (§4.10.2, §4.8).
func (e *Engine) Resume(ctx context.Context, fn Func) (TickResult, error) {
	e.hist = NewHistory(e.driver) // fresh map: forces a real reload, not a stale cache
	if err := e.hist.Load(ctx); err != nil {
		return TickResult{}, err
	}
	return e.Tick(ctx, fn)
}

// Tick runs fn once against the current History, from the top, stopping
// either at completion/failure or at the first primitive whose result is
// not yet available (§4.10.2).
func (e *Engine) Tick(ctx context.Context, fn Func) (result TickResult, err error) {
	meta, err := e.hist.LoadMeta(ctx)
	if err != nil {
		return TickResult{}, err
	}
	if meta.State == MetaCompleted {
		return TickResult{Status: StatusDone, Output: meta.Output}, nil
	}
	if meta.State == MetaFailed {
		return TickResult{Status: StatusFailedRun, Err: fmt.Errorf("%s", meta.Error)}, nil
	}

	wfCtx := NewContext(ctx, e.hist, e.queue, e.accessor, time.Now(), e.poll, e.breadcrumb)

	defer func() {
		if r := recover(); r != nil {
			s, ok := r.(suspend)
			if !ok {
				panic(r) // not ours: a genuine bug in fn, let it surface
			}
			result = TickResult{Status: StatusParked, WakeAtMs: s.wakeAt, WaitingOnMessages: s.names}
			err = nil
		}
	}()

	output, runErr := fn(wfCtx, meta.Input)
	if runErr != nil {
		meta.State = MetaFailed
		meta.Error = runErr.Error()
		if saveErr := e.hist.SaveMeta(ctx, meta); saveErr != nil {
			return TickResult{}, saveErr
		}
		return TickResult{Status: StatusFailedRun, Err: runErr}, nil
	}

	meta.State = MetaCompleted
	meta.Output = output
	if err := e.hist.SaveMeta(ctx, meta); err != nil {
		return TickResult{}, err
	}
	return TickResult{Status: StatusDone, Output: output}, nil
}

// RunUntilSuspended drives synchronous Sleep/Listen waits that fall under
// the WorkerPollInterval threshold entirely with in-process timers and
// requeues, never escaping to the caller with a TickResult that would
// trigger hibernation for a wait the instance can cheaply just block
// through (§4.10.4 "short sleeps stay resident"). Waits whose deadline lies
// at or beyond the threshold are returned as-is so the caller can persist an
// alarm and release the instance. A message wait with no deadline is not
// returned: the loop ticks again on each queue notification, or every
// WorkerPollInterval, until it resolves or ctx is done.
func (e *Engine) RunUntilSuspended(ctx context.Context, fn Func) (TickResult, error) {
	for {
		res, err := e.Tick(ctx, fn)
		if err != nil || res.Status != StatusParked {
			return res, err
		}

		wait := time.Duration(res.WakeAtMs-time.Now().UnixMilli()) * time.Millisecond
		if len(res.WaitingOnMessages) == 0 && wait > 0 && wait < e.poll {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(wait):
			}
			e.hist = NewHistory(e.driver)
			if err := e.hist.Load(ctx); err != nil {
				return TickResult{}, err
			}
			continue
		}

		if len(res.WaitingOnMessages) > 0 {
			watchCh, cancel := e.queue.Watch()
			var timer <-chan time.Time
			if res.WakeAtMs > 0 {
				d := time.Duration(res.WakeAtMs-time.Now().UnixMilli()) * time.Millisecond
				if d < e.poll {
					timer = time.After(d)
				} else {
					cancel()
					return res, nil
				}
			} else {
				timer = time.After(e.poll)
			}
			select {
			case <-ctx.Done():
				cancel()
				return res, ctx.Err()
			case <-watchCh:
			case <-timer:
			}
			cancel()
			e.hist = NewHistory(e.driver)
			if err := e.hist.Load(ctx); err != nil {
				return TickResult{}, err
			}
			continue
		}

		return res, nil
	}
}
