package actor

import (
	"context"
	"encoding/json"
	"time"
)

// ActionContext is the handle an action handler (or a lifecycle hook)
// receives: the bridge into this instance's state, vars, broadcast, and
// scheduling surface (§4.7). Every method it exposes is only ever called
// from the mailbox goroutine, so none of them need their own locking
// beyond what state.Store and queue.Queue already provide.
type ActionContext struct {
	ctx    context.Context
	inst   *Instance
	connID string
}

func (inst *Instance) actionContext(ctx context.Context, connID string) *ActionContext {
	return &ActionContext{ctx: ctx, inst: inst, connID: connID}
}

// Context returns the context the triggering request carried in.
func (ac *ActionContext) Context() context.Context { return ac.ctx }

// ID returns the actor's durable identifier.
func (ac *ActionContext) ID() string { return ac.inst.id }

// ConnID returns the connection id that triggered this action, or "" for a
// lifecycle hook with no associated connection.
func (ac *ActionContext) ConnID() string { return ac.connID }

// Vars returns the host-supplied ephemeral vars value (§4.7 vars: not
// durable, rebuilt fresh on every load/reload).
func (ac *ActionContext) Vars() any { return ac.inst.vars }

// State returns the actor's current durable state blob.
func (ac *ActionContext) State() (json.RawMessage, error) {
	return ac.inst.store.Load(ac.ctx, nil)
}

// MutateState applies f to the current state and flushes it durably
// (§4.4 mutate()+flush(), §4.7).
func (ac *ActionContext) MutateState(f func(current json.RawMessage) (json.RawMessage, error)) error {
	if err := ac.inst.store.Mutate(ac.ctx, f); err != nil {
		return err
	}
	return ac.inst.store.Flush(ac.ctx)
}

// Broadcast emits name/args to every subscribed connection (§4.7 broadcast()).
func (ac *ActionContext) Broadcast(name string, args json.RawMessage) error {
	return ac.inst.Broadcast(name, args)
}

// ScheduleAfter persists an alarm to fire name after d (§4.7 scheduleAfter).
func (ac *ActionContext) ScheduleAfter(d time.Duration, name string) error {
	return ac.inst.ScheduleAfter(ac.ctx, d, name)
}

// ScheduleAt persists an alarm to fire name at at (§4.7 scheduleAt).
func (ac *ActionContext) ScheduleAt(at time.Time, name string) error {
	return ac.inst.ScheduleAt(ac.ctx, at, name)
}

// QueueSend enqueues a message for this instance's own hosted workflow (or
// any Listen() call keyed on name) to pick up (§4.9).
func (ac *ActionContext) QueueSend(name string, body json.RawMessage) error {
	return ac.inst.queue.Send(ac.ctx, name, body)
}
