// Package kv defines the ordered byte-keyed storage abstraction every actor
// and workflow instance is durably backed by (§4.2). Each Driver exposes a
// logically isolated namespace per caller; the core never embeds actor
// identity into a key, so a Driver value is scoped to exactly one actor or
// workflow instance by construction (see the memory/redis/mongo adapters).
package kv

import (
	"context"
	"time"
)

// WorkerPollInterval is the threshold between in-memory and alarm-driven
// sleeps (§4.2, §9): a sleep shorter than this is satisfied with an
// in-process timer, a longer one persists an alarm so the actor may
// hibernate.
const WorkerPollInterval = 15 * time.Second

// Entry is a single key/value pair as returned by List/ListRange.
type Entry struct {
	Key   []byte
	Value []byte
}

// Write is one element of a Batch call.
type Write struct {
	Key   []byte
	Value []byte // nil Value means delete
}

// ListRangeOptions bounds and orders a ListRange scan.
type ListRangeOptions struct {
	Reverse bool
	Limit   int // 0 means unbounded
}

// Driver is the ordered byte-keyed storage contract required of every KV
// backend (§4.2). Implementations MUST return List/ListRange results in
// lexicographic key order: the workflow engine's replay determinism and the
// message queue's FIFO order both depend on it (P1, P5).
type Driver interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Set(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	DeletePrefix(ctx context.Context, prefix []byte) error

	// List returns every entry whose key has the given prefix, sorted
	// lexicographically by key.
	List(ctx context.Context, prefix []byte) ([]Entry, error)

	// ListRange returns entries with start <= key < end (or the reverse
	// order/bound when opts.Reverse is set), sorted lexicographically.
	ListRange(ctx context.Context, start, end []byte, opts ListRangeOptions) ([]Entry, error)

	// Batch applies writes within the driver's namespace, atomically where
	// the backend supports it: memory applies them under one lock and the
	// Redis adapter wraps them in a MULTI/EXEC transaction; the Mongo
	// adapter issues one ordered BulkWrite, which is not atomic across
	// documents.
	Batch(ctx context.Context, writes []Write) error

	// SetAlarm schedules a wake-up for id at wakeAtMs (unix milliseconds),
	// replacing any existing alarm under the same id.
	SetAlarm(ctx context.Context, id string, wakeAtMs int64) error
	// ClearAlarm removes a previously set alarm. Clearing an absent alarm
	// is not an error.
	ClearAlarm(ctx context.Context, id string) error
	// NextAlarm returns the earliest pending alarm's wake time, if any.
	NextAlarm(ctx context.Context) (wakeAtMs int64, ok bool, err error)
}
