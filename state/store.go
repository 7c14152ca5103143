// Package state implements the per-actor state store (§4.4): a single
// in-memory blob backed by a KV driver, mutated only under the actor's
// single-writer invariant and flushed back durably on a dirty transition.
package state

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/internal/retry"
	"github.com/rivetkit/actorcore/keys"
	"github.com/rivetkit/actorcore/kv"
)

// Store owns a single actor's (or workflow instance's) mutable state blob.
// It is not itself goroutine-safe against concurrent mutate() calls from
// different goroutines: callers must route through the actor mailbox, which
// is the single-writer boundary the store's contract assumes (§4.7).
type Store struct {
	driver kv.Driver
	key    []byte
	retry  retry.Config

	mu        sync.Mutex // guards against concurrent flush vs mutate races only
	current   json.RawMessage
	dirty     bool
	loaded    bool
	unhealthy error
}

// New returns a Store over driver's workflow-meta "state" sub-record.
func New(driver kv.Driver) *Store {
	return &Store{
		driver: driver,
		key:    keys.WorkflowMeta(keys.WorkflowMetaState),
		retry:  retry.DefaultConfig(),
	}
}

// Load reads the persisted blob if any, or initial otherwise, and caches it
// as the current in-memory value (§4.4 load()).
func (s *Store) Load(ctx context.Context, initial json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return s.current, nil
	}

	raw, ok, err := s.driver.Get(ctx, s.key)
	if err != nil {
		return nil, actorerr.InternalErr(err)
	}
	if !ok {
		s.current = initial
	} else {
		s.current = json.RawMessage(raw)
	}
	s.loaded = true
	return s.current, nil
}

// Mutate applies f to the in-memory state under the caller's single-writer
// invariant and marks the store dirty (§4.4 mutate()). f receives the
// current value and returns the next one.
func (s *Store) Mutate(ctx context.Context, f func(current json.RawMessage) (json.RawMessage, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unhealthy != nil {
		return actorerr.StorageUnavailableErr(s.unhealthy)
	}

	next, err := f(s.current)
	if err != nil {
		return err
	}
	s.current = next
	s.dirty = true
	return nil
}

// Flush writes the current blob to KV if dirty, retrying transient errors
// with bounded backoff. Repeated failure marks the store unhealthy: every
// subsequent Mutate/Flush call fails with StorageUnavailable until a Flush
// finally succeeds (§4.4 failure semantics).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.dirty && s.unhealthy == nil {
		s.mu.Unlock()
		return nil
	}
	blob := s.current
	s.mu.Unlock()

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.driver.Set(ctx, s.key, blob)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.unhealthy = err
		return actorerr.StorageUnavailableErr(err)
	}
	s.dirty = false
	s.unhealthy = nil
	return nil
}

// Unhealthy reports the last flush failure, if the store is currently
// refusing new mutations (§4.4).
func (s *Store) Unhealthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unhealthy
}

// SnapshotForReplication clones the current state to a value safe to hand to
// external observers (§4.4 snapshotForReplication()): a defensive copy so a
// caller mutating the returned bytes cannot corrupt the store's own buffer.
func (s *Store) SnapshotForReplication() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	clone := make(json.RawMessage, len(s.current))
	copy(clone, s.current)
	return clone
}
