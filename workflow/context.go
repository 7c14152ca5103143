package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/queue"
)

// newEntryID mints a fresh history entry ID (§3.4's Entry.ID is a UUID).
func newEntryID() string { return uuid.NewString() }

// suspendReason names the wake source an Engine.Tick should arrange before
// returning a suspended result (§4.10.2 step 5).
type suspendReason string

const (
	suspendAlarm   suspendReason = "alarm"
	suspendMessage suspendReason = "message"
)

// suspend is panicked from within a primitive to unwind the in-progress
// user function call stack back to Engine.Tick without requiring every
// caller frame to thread a (suspended bool, error) pair through by hand.
// This is not a real error: Tick recovers it and never lets it escape.
// Grounded on the teacher's own context-scoped control signals
// (runtime/agent/engine context.go's WithWorkflowContext/IsActivityContext
// pattern of carrying execution-scope markers through a context boundary),
// generalized here to a stack-unwinding signal since the spec's "the
// function yields... the engine parks the workflow and returns" has no
// direct expression in synchronous Go call chains otherwise.
type suspend struct {
	reason  suspendReason
	wakeAt  int64    // unix ms, set when reason == suspendAlarm
	names   []string // queue names being listened on, set when reason == suspendMessage
	alarmID string
}

// StateAccessor is the host-supplied bridge into the actor's state/vars/
// client/db surface, reachable from workflow code only inside a step body
// (§4.7 "State-access guard for workflows").
type StateAccessor struct {
	State  func() (json.RawMessage, error)
	Vars   func() any
	Client func() any
	DB     func() any
}

// Context is the interface workflow user functions are written against: the
// primitives named in §4.10.1. A Context is scoped to one workflow tick; a
// fresh Context.scope is created per Join/Race branch so branch-local Path
// prefixes nest correctly.
type Context struct {
	ctx      context.Context
	history  *History
	queue    *queue.Queue
	accessor StateAccessor
	now      time.Time // frozen for the duration of one Tick (deterministic clock, §4.10.2)
	prefix   Path

	// inStep is only ever read/written by the single goroutine executing
	// this Context (the root Tick goroutine, or one Join/Race branch
	// goroutine operating on its own scoped copy), so no lock guards it.
	inStep  bool
	poll    time.Duration    // WorkerPollInterval: sleeps shorter than this run in-memory (§4.10.4)
	breadcr func(msg string) // persists a guard-violation breadcrumb to KV

	rollbackLog []rollbackEntry // compensable steps since the last checkpoint, most-recent-last (§4.10.3)
}

// NewContext constructs the root Context for one engine Tick.
func NewContext(ctx context.Context, h *History, q *queue.Queue, accessor StateAccessor, now time.Time, poll time.Duration, breadcrumb func(string)) *Context {
	return &Context{ctx: ctx, history: h, queue: q, accessor: accessor, now: now, poll: poll, breadcr: breadcrumb}
}

// Now returns the workflow's deterministic clock: the instant the current
// Tick began, stable across every primitive call within it and identical on
// replay (§4.10.2 "Determinism requirement").
func (c *Context) Now() time.Time { return c.now }

// scope returns a child Context sharing everything but prefix, used to
// locate a nested primitive (loop iteration, join/race branch) under an
// additional Path segment.
func (c *Context) scope(seg Segment) *Context {
	child := *c
	child.prefix = append(append(Path{}, c.prefix...), seg)
	return &child
}

func (c *Context) path(nameIdx int) Path {
	return append(append(Path{}, c.prefix...), Segment{Kind: SegmentName, NameIndex: nameIdx})
}

func (c *Context) intern(name string) (int, error) {
	return c.history.Intern(c.ctx, name)
}

// --- state-access guard (§4.7) ---

func (c *Context) runStep(f func() error) error {
	c.inStep = true
	err := f()
	c.inStep = false
	return err
}

func (c *Context) guarded(field string) error {
	if c.inStep {
		return nil
	}
	if c.breadcr != nil {
		c.breadcr(fmt.Sprintf("workflow state-access guard: %s accessed outside a step", field))
	}
	return actorerr.WorkflowStateAccessOutsideStepErr(field)
}

// State returns the host actor's current state, permitted only while a step
// body is executing.
func (c *Context) State() (json.RawMessage, error) {
	if err := c.guarded("state"); err != nil {
		return nil, err
	}
	return c.accessor.State()
}

// Vars returns the host actor's ephemeral vars, permitted only inside a step.
func (c *Context) Vars() (any, error) {
	if err := c.guarded("vars"); err != nil {
		return nil, err
	}
	return c.accessor.Vars(), nil
}

// Client returns the cross-actor call client, permitted only inside a step.
func (c *Context) Client() (any, error) {
	if err := c.guarded("client"); err != nil {
		return nil, err
	}
	return c.accessor.Client(), nil
}

// DB returns the host's db/kv surface, permitted only inside a step.
func (c *Context) DB() (any, error) {
	if err := c.guarded("db"); err != nil {
		return nil, err
	}
	return c.accessor.DB(), nil
}

// --- step ---

// StepOptions configures retry behavior for Step (§4.10.1).
type StepOptions struct {
	MaxAttempts int // 0 means 1 (no retry)
	// Rollback is the user-supplied compensator invoked, in reverse
	// declaration order, during a rollback triggered past a
	// RollbackCheckpoint (§4.10.3).
	Rollback func(ctx context.Context, output json.RawMessage) error
}

// StepFunc is the user-supplied effect body of a step. It runs with the
// state-access guard open (§4.7).
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// Step executes f exactly once across the workflow's lifetime, replaying its
// recorded output thereafter without re-invoking f (§4.10.1 step contract).
func (c *Context) Step(name string, f StepFunc, opts StepOptions) (json.RawMessage, error) {
	idx, err := c.intern(name)
	if err != nil {
		return nil, err
	}
	p := c.path(idx)

	if entry, meta, ok := c.history.Lookup(p); ok && meta.Status.terminal() {
		sk, _ := entry.Kind.(StepKind)
		if meta.Status == StatusCompleted {
			if opts.Rollback != nil {
				c.rollbackLog = append(c.rollbackLog, rollbackEntry{path: p, output: sk.Output, run: opts.Rollback})
			}
			return sk.Output, nil
		}
		return nil, fmt.Errorf("%s", meta.Error)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	_, meta, _ := c.history.Lookup(p)
	attempts := meta.Attempts

	var output json.RawMessage
	var stepErr error
	_ = c.runStep(func() error {
		attempts++
		output, stepErr = f(c.ctx)
		return nil
	})

	now := c.now.UnixMilli()
	if stepErr == nil {
		entry := Entry{ID: newEntryID(), Location: p, Kind: StepKind{Output: output}}
		em := EntryMetadata{Status: StatusCompleted, Attempts: attempts, LastAttemptAtMs: now, CreatedAtMs: firstSeen(meta, now), CompletedAtMs: now}
		if err := c.history.Put(c.ctx, entry, em); err != nil {
			return nil, err
		}
		if opts.Rollback != nil {
			c.rollbackLog = append(c.rollbackLog, rollbackEntry{path: p, output: output, run: opts.Rollback})
		}
		return output, nil
	}

	if attempts < maxAttempts {
		em := EntryMetadata{Status: StatusRunning, Attempts: attempts, LastAttemptAtMs: now, CreatedAtMs: firstSeen(meta, now), Error: stepErr.Error()}
		_ = c.history.PutMetaOnly(c.ctx, p, em)
		panic(suspend{reason: suspendAlarm, wakeAt: now}) // retry immediately on next tick
	}

	entry := Entry{ID: newEntryID(), Location: p, Kind: StepKind{Error: stepErr.Error()}}
	em := EntryMetadata{Status: StatusExhausted, Attempts: attempts, LastAttemptAtMs: now, CreatedAtMs: firstSeen(meta, now), CompletedAtMs: now, Error: stepErr.Error()}
	if err := c.history.Put(c.ctx, entry, em); err != nil {
		return nil, err
	}
	return nil, stepErr
}

func firstSeen(meta EntryMetadata, now int64) int64 {
	if meta.CreatedAtMs != 0 {
		return meta.CreatedAtMs
	}
	return now
}

// --- loop ---

// LoopState is the carried-forward value between iterations of Loop.
type LoopState = json.RawMessage

// LoopResult is returned by a loop body to either continue with nextState
// or break with a final output.
type LoopResult struct {
	Break  bool
	Output json.RawMessage
	State  json.RawMessage
}

// LoopBreak returns a LoopResult that ends the loop with output.
func LoopBreak(output json.RawMessage) LoopResult { return LoopResult{Break: true, Output: output} }

// LoopContinue returns a LoopResult that advances to the next iteration
// carrying nextState.
func LoopContinue(nextState json.RawMessage) LoopResult { return LoopResult{State: nextState} }

// LoopFunc is one iteration's body (§4.10.1 loop).
type LoopFunc func(ctx context.Context, state json.RawMessage, iteration int) (LoopResult, error)

// Loop repeatedly invokes f, each iteration addressed by a
// LoopIterationMarker Path segment, until f returns Break (§4.10.1).
func (c *Context) Loop(name string, initialState json.RawMessage, f LoopFunc) (json.RawMessage, error) {
	idx, err := c.intern(name)
	if err != nil {
		return nil, err
	}

	state := initialState
	iteration := 0
	for {
		seg := Segment{Kind: SegmentLoop, LoopNameIndex: idx, Iteration: iteration}
		p := append(append(Path{}, c.prefix...), seg)

		if entry, meta, ok := c.history.Lookup(p); ok && meta.Status == StatusCompleted {
			lk := entry.Kind.(LoopKind)
			if lk.Output != nil {
				return lk.Output, nil
			}
			state = lk.State
			iteration++
			continue
		}

		result, bodyErr := f(c.ctx, state, iteration)
		if bodyErr != nil {
			return nil, bodyErr
		}

		now := c.now.UnixMilli()
		if result.Break {
			entry := Entry{ID: newEntryID(), Location: p, Kind: LoopKind{Iteration: iteration, Output: result.Output}}
			em := EntryMetadata{Status: StatusCompleted, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
			if err := c.history.Put(c.ctx, entry, em); err != nil {
				return nil, err
			}
			return result.Output, nil
		}

		entry := Entry{ID: newEntryID(), Location: p, Kind: LoopKind{Iteration: iteration, State: result.State}}
		em := EntryMetadata{Status: StatusCompleted, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
		if err := c.history.Put(c.ctx, entry, em); err != nil {
			return nil, err
		}
		state = result.State
		iteration++
	}
}

// --- sleep ---

// Sleep suspends until dur has elapsed since this primitive's first
// execution (§4.10.1, §4.10.4). Sleeps shorter than the engine's
// WorkerPollInterval are satisfied by the caller's in-process timer;
// longer ones arrange a persistent alarm via the suspend signal.
func (c *Context) Sleep(name string, dur time.Duration) {
	c.SleepUntil(name, c.now.Add(dur))
}

// SleepUntil suspends until the deadline ts, persisting the deadline on
// first execution so a restart resumes the same wait (§4.10.1, P8).
func (c *Context) SleepUntil(name string, ts time.Time) {
	idx, err := c.intern(name)
	if err != nil {
		panic(suspend{reason: suspendAlarm, wakeAt: c.now.UnixMilli()})
	}
	p := c.path(idx)
	deadline := ts.UnixMilli()

	entry, meta, ok := c.history.Lookup(p)
	if !ok {
		entry = Entry{ID: newEntryID(), Location: p, Kind: SleepKind{DeadlineMs: deadline, State: SleepPending}}
		meta = EntryMetadata{Status: StatusRunning, CreatedAtMs: c.now.UnixMilli()}
		_ = c.history.Put(c.ctx, entry, meta)
	}

	sk := entry.Kind.(SleepKind)
	if sk.State == SleepCompleted {
		return
	}
	if c.now.UnixMilli() >= sk.DeadlineMs {
		sk.State = SleepCompleted
		entry.Kind = sk
		meta.Status = StatusCompleted
		meta.CompletedAtMs = c.now.UnixMilli()
		_ = c.history.Put(c.ctx, entry, meta)
		return
	}

	panic(suspend{reason: suspendAlarm, wakeAt: sk.DeadlineMs, alarmID: alarmIDForPath(p)})
}

func alarmIDForPath(p Path) string { return "sleep:" + p.key() }

// --- listen ---

// Listen consumes the next message sent to msgName, blocking (via suspend)
// until one arrives (§4.10.1).
func (c *Context) Listen(name, msgName string) (json.RawMessage, error) {
	return c.listen(name, []string{msgName}, nil)
}

// ListenWithTimeout is Listen bounded by a deadline; it resolves to (nil,
// nil) if no message arrives in time (§4.10.1, S3).
func (c *Context) ListenWithTimeout(name, msgName string, timeout time.Duration) (json.RawMessage, error) {
	deadline := c.now.Add(timeout)
	return c.listen(name, []string{msgName}, &deadline)
}

// ListenUntil is ListenWithTimeout with an absolute deadline.
func (c *Context) ListenUntil(name, msgName string, deadline time.Time) (json.RawMessage, error) {
	return c.listen(name, []string{msgName}, &deadline)
}

func (c *Context) listen(name string, names []string, deadline *time.Time) (json.RawMessage, error) {
	idx, err := c.intern(name)
	if err != nil {
		return nil, err
	}
	p := c.path(idx)

	if entry, meta, ok := c.history.Lookup(p); ok && meta.Status.terminal() {
		mk, isMsg := entry.Kind.(MessageKind)
		if !isMsg {
			return nil, nil // recorded as timed out (no message)
		}
		return mk.Data, nil
	}

	msgs, err := c.queue.Next(c.ctx, queue.NextOptions{Names: names, Limit: 1})
	if err != nil {
		return nil, err
	}
	now := c.now.UnixMilli()
	if len(msgs) > 0 {
		entry := Entry{ID: newEntryID(), Location: p, Kind: MessageKind{Name: msgs[0].Name, Data: msgs[0].Body}}
		em := EntryMetadata{Status: StatusCompleted, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
		if err := c.history.Put(c.ctx, entry, em); err != nil {
			return nil, err
		}
		return msgs[0].Body, nil
	}

	if deadline != nil && c.now.After(*deadline) {
		entry := Entry{ID: newEntryID(), Location: p, Kind: RemovedKind{OriginalType: "message", OriginalName: name}}
		em := EntryMetadata{Status: StatusCompleted, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
		if err := c.history.Put(c.ctx, entry, em); err != nil {
			return nil, err
		}
		return nil, nil
	}

	wakeAt := int64(0)
	if deadline != nil {
		wakeAt = deadline.UnixMilli()
	}
	panic(suspend{reason: suspendMessage, names: names, wakeAt: wakeAt})
}

// ListenN consumes up to n messages matching msgName, resolving once n have
// arrived or deadline elapses (§4.10.1 listenN).
func (c *Context) ListenN(name, msgName string, n int, deadline *time.Time) ([]json.RawMessage, error) {
	idx, err := c.intern(name)
	if err != nil {
		return nil, err
	}

	// Each item gets its own Path (prefix + loop segment), so replay relies
	// entirely on the per-item entries listen() already persists: no
	// separate completion marker is needed, and no item is ever re-fetched
	// live once its entry is terminal.
	var out []json.RawMessage
	for i := 0; i < n; i++ {
		seg := Segment{Kind: SegmentLoop, LoopNameIndex: idx, Iteration: i}
		childCtx := c.scope(seg)
		data, err := childCtx.listen(name+"#item", []string{msgName}, deadline)
		if err != nil {
			return nil, err
		}
		if data == nil {
			break
		}
		out = append(out, data)
	}
	return out, nil
}

// PeekMessages is a non-consuming debug view over pending messages
// (§4.10.5), permitted at any point (it has no history side effect).
func (c *Context) PeekMessages(names []string, limit int) ([]queue.Message, error) {
	return c.queue.PeekMessages(c.ctx, names, limit)
}

// --- rollback checkpoint ---

// RollbackCheckpoint records a named point rollback can unwind to
// (§4.10.1, §4.10.3). It always succeeds.
func (c *Context) RollbackCheckpoint(name string) error {
	idx, err := c.intern(name)
	if err != nil {
		return err
	}
	p := c.path(idx)
	c.rollbackLog = append(c.rollbackLog, rollbackEntry{checkpoint: name})
	if _, meta, ok := c.history.Lookup(p); ok && meta.Status.terminal() {
		return nil
	}
	now := c.now.UnixMilli()
	entry := Entry{ID: newEntryID(), Location: p, Kind: RollbackCheckpointKind{Name: name}}
	em := EntryMetadata{Status: StatusCompleted, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
	return c.history.Put(c.ctx, entry, em)
}

// --- removed ---

// Removed tombstones a prior entry name so future replays don't expect it
// (§4.10.1 "removed").
func (c *Context) Removed(name, originalType string) error {
	idx, err := c.intern(name)
	if err != nil {
		return err
	}
	p := c.path(idx)
	if _, meta, ok := c.history.Lookup(p); ok && meta.Status.terminal() {
		return nil
	}
	now := c.now.UnixMilli()
	entry := Entry{ID: newEntryID(), Location: p, Kind: RemovedKind{OriginalType: originalType}}
	em := EntryMetadata{Status: StatusCompleted, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
	return c.history.Put(c.ctx, entry, em)
}

// --- join / race ---

// Branch is one named concurrent arm of a Join or Race.
type Branch struct {
	Name string
	Run  func(ctx *Context) (json.RawMessage, error)
}

// branchScope locates one named branch of a Join/Race under its own
// disjoint Path prefix: the join/race's own name segment, then a second
// segment for the branch's own interned name. Without the branch-name
// segment, two branches that happen to call an identically-named internal
// primitive (e.g. both `Step("validate", ...)`) would compute the same
// Path and clobber each other's history entry.
func (c *Context) branchScope(parentIdx int, branchName string) (*Context, error) {
	bIdx, err := c.intern(branchName)
	if err != nil {
		return nil, err
	}
	return c.scope(Segment{Kind: SegmentName, NameIndex: parentIdx}).
		scope(Segment{Kind: SegmentName, NameIndex: bIdx}), nil
}

type branchResult struct {
	name   string
	output json.RawMessage
	err    error
	susp   *suspend // set instead of err/output when the branch itself suspended (Sleep/Listen)
}

// mergeSuspends combines every branch's suspend signal into one: the
// earliest alarm wake time, plus the union of any message names being
// listened for, so Join/Race can propagate a single suspend that wakes as
// soon as any parked branch would have.
func mergeSuspends(susps []suspend) suspend {
	out := susps[0]
	out.names = append([]string(nil), out.names...)
	for _, s := range susps[1:] {
		out.names = append(out.names, s.names...)
		if s.wakeAt != 0 && (out.wakeAt == 0 || s.wakeAt < out.wakeAt) {
			out.wakeAt = s.wakeAt
		}
	}
	if len(out.names) > 0 {
		out.reason = suspendMessage
	}
	return out
}

// Join runs every branch concurrently and waits for all of them to return.
// When a branch fails, the context handed to the remaining branches (and so
// to their step bodies) is cancelled; once every branch has returned, Join
// records the failure and returns the first error received (§4.10.1 join).
func (c *Context) Join(name string, branches []Branch) (map[string]json.RawMessage, error) {
	idx, err := c.intern(name)
	if err != nil {
		return nil, err
	}
	p := c.path(idx)

	// A terminal Join entry only short-circuits the failure case (no branch
	// outputs are worth re-deriving from a failure). On a completed replay
	// the branches below are re-run so each can resolve its own output from
	// its own cached entries without any live side effect.
	if _, meta, ok := c.history.Lookup(p); ok && meta.Status == StatusFailed {
		return nil, fmt.Errorf("join %q failed", name)
	}

	branchCtx, cancelBranches := context.WithCancel(c.ctx)
	defer cancelBranches()

	results := make(chan branchResult, len(branches))
	for _, b := range branches {
		b := b
		bctx, err := c.branchScope(idx, b.Name)
		if err != nil {
			return nil, err
		}
		bctx.ctx = branchCtx
		go func() {
			defer recoverBranch(results, b.Name)
			out, err := b.Run(bctx)
			results <- branchResult{name: b.Name, output: out, err: err}
		}()
	}

	out := make(map[string]json.RawMessage, len(branches))
	statuses := make(map[string]BranchStatus, len(branches))
	var firstErr error
	var susps []suspend
	for range branches {
		r := <-results
		if r.susp != nil {
			susps = append(susps, *r.susp)
			continue
		}
		if r.err != nil {
			statuses[r.name] = BranchFailed
			if firstErr == nil {
				firstErr = r.err
				cancelBranches()
			}
			continue
		}
		statuses[r.name] = BranchCompleted
		out[r.name] = r.output
	}

	// Join cannot complete (or fail) until every branch has resolved; if any
	// branch is still waiting on its own primitive, the whole join suspends
	// rather than discarding what the other branches already persisted.
	if len(susps) > 0 {
		panic(mergeSuspends(susps))
	}

	now := c.now.UnixMilli()
	status := StatusCompleted
	if firstErr != nil {
		status = StatusFailed
	}
	entry := Entry{ID: newEntryID(), Location: p, Kind: JoinKind{Branches: statuses}}
	em := EntryMetadata{Status: status, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
	if firstErr != nil {
		em.Error = firstErr.Error()
	}
	if err := c.history.Put(c.ctx, entry, em); err != nil {
		return nil, err
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Race runs every branch concurrently and resolves with the first to
// complete; other branches are considered cancelled once a winner is
// recorded (§4.10.1 race, S6).
func (c *Context) Race(name string, branches []Branch) (winner string, output json.RawMessage, err error) {
	idx, ierr := c.intern(name)
	if ierr != nil {
		return "", nil, ierr
	}
	p := c.path(idx)

	// A terminal Race entry names its winner; replay re-runs only that
	// branch (it resolves instantly from its own cached entries) and never
	// resumes the branches that were cancelled, matching the live run's
	// "first writer wins, the rest are abandoned" semantics.
	if entry, meta, ok := c.history.Lookup(p); ok && meta.Status.terminal() {
		rk := entry.Kind.(RaceKind)
		for _, b := range branches {
			if b.Name == rk.Winner {
				bctx, err := c.branchScope(idx, b.Name)
				if err != nil {
					return "", nil, err
				}
				out, err := b.Run(bctx)
				return rk.Winner, out, err
			}
		}
		return rk.Winner, nil, nil
	}

	results := make(chan branchResult, len(branches))
	for _, b := range branches {
		b := b
		bctx, err := c.branchScope(idx, b.Name)
		if err != nil {
			return "", nil, err
		}
		go func() {
			defer recoverBranch(results, b.Name)
			out, err := b.Run(bctx)
			results <- branchResult{name: b.Name, output: out, err: err}
		}()
	}

	// Drain results until a branch actually resolves (completed or errored);
	// a branch that merely suspended (Sleep/Listen not ready yet) is not a
	// winner, it just isn't racing yet. If every branch suspends this tick,
	// the whole race suspends rather than declaring a false winner (S6).
	var susps []suspend
	var first branchResult
	haveWinner := false
	for i := 0; i < len(branches); i++ {
		r := <-results
		if r.susp != nil {
			susps = append(susps, *r.susp)
			continue
		}
		first = r
		haveWinner = true
		break
	}
	if !haveWinner {
		panic(mergeSuspends(susps))
	}

	statuses := make(map[string]BranchStatus, len(branches))
	for _, b := range branches {
		if b.Name == first.name {
			statuses[b.Name] = BranchCompleted
		} else {
			statuses[b.Name] = BranchCancelled
		}
	}

	now := c.now.UnixMilli()
	entry := Entry{ID: newEntryID(), Location: p, Kind: RaceKind{Winner: first.name, Branches: statuses}}
	em := EntryMetadata{Status: StatusCompleted, Attempts: 1, CreatedAtMs: now, CompletedAtMs: now}
	if err := c.history.Put(c.ctx, entry, em); err != nil {
		return "", nil, err
	}
	return first.name, first.output, first.err
}

// recoverBranch catches a branch goroutine's panic. A `suspend` panic (the
// branch called a primitive that isn't ready yet, e.g. Sleep/Listen) is not
// a failure: it's reported back as a suspend signal so Join/Race can
// propagate it to the enclosing Tick instead of misreporting it as a
// branch error.
func recoverBranch(results chan<- branchResult, name string) {
	if r := recover(); r != nil {
		if s, ok := r.(suspend); ok {
			results <- branchResult{name: name, susp: &s}
			return
		}
		results <- branchResult{name: name, err: fmt.Errorf("branch %q panicked: %v", name, r)}
	}
}
