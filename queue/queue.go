// Package queue implements the in-actor named message channel (§4.9): a
// durable, monotonically ordered append log per queue name, consumed
// exactly-once-in-the-happy-path / at-least-once under crash (P5, P6).
//
// Grounded on the teacher's runlog package (runtime/agent/runlog): an
// append-only store with store-assigned monotonic IDs and cursor-based
// listing, generalized here from an immutable audit log to a consumable
// queue (Next deletes what it returns) and from one sequence per run to one
// sequence per queue name.
package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/keys"
	"github.com/rivetkit/actorcore/kv"
)

// Message is a single durable queue entry. ID and SentAt match the
// {id, name, data, sentAt} durable Message shape named in §3.4; Seq is the
// monotonic per-namespace sequence number that gives List/Next their FIFO
// order (P5) independent of any clock.
type Message struct {
	Seq    uint64
	ID     string
	Name   string
	Body   json.RawMessage
	SentAt int64 // unix milliseconds
	// CompletionID is set when the message was enqueued by a completable
	// HTTP queue-send request (Wait: true); Complete resolves that
	// caller's pending response (§4.9, §6.2 HttpQueueSendResponse).
	CompletionID string
}

// NextOptions bounds a Next call.
type NextOptions struct {
	Names       []string // empty means "any declared queue"
	Completable bool
	Limit       int // 0 means 1
}

// Queue is the durable, per-actor (or per-workflow-instance) message
// channel. It does not itself block: callers (actor mailbox, workflow
// engine) implement the "wait up to timeout for a match" semantics described
// in §4.9 by polling Next and racing it against a timer, since blocking
// inside this package would violate the no-busy-wait suspension-point rule
// in §5.
type Queue struct {
	driver  kv.Driver
	nextSeq uint64
	loaded  bool
	known   map[string]bool // declared queue names; nil means "accept any"

	mu       sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

// New returns a Queue over driver. known, if non-nil, restricts Send to the
// given queue names (UnknownQueue otherwise); nil accepts any name.
func New(driver kv.Driver, known map[string]bool) *Queue {
	return &Queue{driver: driver, known: known, watchers: make(map[int]chan struct{})}
}

// Watch registers interest in new arrivals: the returned channel is sent a
// value (best-effort, never blocking) after every successful Send. Callers
// that need to block on Next without busy-waiting (the workflow engine's
// Listen primitive, §4.10.5) select on this channel instead of polling on a
// tight timer. The returned cancel func must be called once the caller stops
// watching.
func (q *Queue) Watch() (<-chan struct{}, func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	ch := make(chan struct{}, 1)
	q.watchers[id] = ch
	q.mu.Unlock()
	return ch, func() {
		q.mu.Lock()
		delete(q.watchers, id)
		q.mu.Unlock()
	}
}

func (q *Queue) notify() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ch := range q.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Send durably appends body to the named queue, returning once the append
// is visible to Next (§4.9 "send returns after durable append").
func (q *Queue) Send(ctx context.Context, name string, body json.RawMessage) error {
	return q.send(ctx, name, body, "")
}

// SendCompletable is Send for a queue-send request awaiting a response;
// completionID is stored on the message and later passed to
// Completer.Complete by the consumer.
func (q *Queue) SendCompletable(ctx context.Context, name string, body json.RawMessage, completionID string) error {
	return q.send(ctx, name, body, completionID)
}

func (q *Queue) send(ctx context.Context, name string, body json.RawMessage, completionID string) error {
	if q.known != nil && !q.known[name] {
		return actorerr.UnknownQueueErr(name)
	}
	if err := q.ensureLoaded(ctx); err != nil {
		return err
	}

	q.nextSeq++
	seq := q.nextSeq
	msg := Message{
		Seq:          seq,
		ID:           uuid.NewString(),
		Name:         name,
		Body:         body,
		SentAt:       time.Now().UnixMilli(),
		CompletionID: completionID,
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return actorerr.InternalErr(err)
	}
	if err := q.driver.Set(ctx, keys.Messages(seq), raw); err != nil {
		return actorerr.InternalErr(err)
	}
	q.notify()
	return nil
}

// Next returns up to opts.Limit (default 1) pending messages matching any
// name in opts.Names, oldest first (P5 FIFO), without blocking. An empty
// result means no match was available at call time; the caller decides
// whether to poll again before its timeout elapses.
//
// Messages are deleted as part of being returned. A consumer that crashes
// before finishing its work has already lost the message from this Queue's
// view: callers that need at-least-once redelivery (§4.9 "partial-delete
// failures... undeleted messages are retried on next load") must pair Next
// with PeekMessages and only delete what they have durably recorded as
// in-flight elsewhere (the workflow history entry, for workflow listen*).
func (q *Queue) Next(ctx context.Context, opts NextOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}

	all, err := q.peek(ctx, opts.Names, 0)
	if err != nil {
		return nil, err
	}
	if len(all) > limit {
		all = all[:limit]
	}
	for _, m := range all {
		if err := q.driver.Delete(ctx, keys.Messages(m.Seq)); err != nil {
			return nil, actorerr.InternalErr(err)
		}
	}
	return all, nil
}

// PeekMessages is a non-consuming debug view over one or more queue names
// (§4.10.5).
func (q *Queue) PeekMessages(ctx context.Context, names []string, limit int) ([]Message, error) {
	return q.peek(ctx, names, limit)
}

func (q *Queue) peek(ctx context.Context, names []string, limit int) ([]Message, error) {
	entries, err := q.driver.List(ctx, keys.MessagesPrefix())
	if err != nil {
		return nil, actorerr.InternalErr(err)
	}

	nameSet := toSet(names)
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		var m Message
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return nil, actorerr.InternalErr(err)
		}
		if len(nameSet) > 0 && !nameSet[m.Name] {
			continue
		}
		out = append(out, m)
	}
	// entries are already key-sorted (kv.Driver.List invariant), which
	// matches Seq order; re-sort defensively in case a driver violates it.
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) ensureLoaded(ctx context.Context) error {
	if q.loaded {
		return nil
	}
	entries, err := q.driver.List(ctx, keys.MessagesPrefix())
	if err != nil {
		return actorerr.InternalErr(err)
	}
	var max uint64
	for _, e := range entries {
		var m Message
		if err := json.Unmarshal(e.Value, &m); err != nil {
			return actorerr.InternalErr(err)
		}
		if m.Seq > max {
			max = m.Seq
		}
	}
	q.nextSeq = max
	q.loaded = true
	return nil
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}
