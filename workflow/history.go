// Package workflow implements the durable workflow engine (§4.10): it runs a
// user-supplied function against an append-only history log so that, after
// any crash or restart, re-running the function from the top reproduces the
// same sequence of primitive calls and resumes from the first undone entry.
//
// Grounded on the teacher's runtime/agent/engine package: WorkflowContext's
// ExecuteActivity/ExecuteActivityAsync/SignalChannel/Now() shape is the
// spec's step/join-race/listen/deterministic-clock surface, generalized from
// an engine-agnostic adapter (Temporal/in-memory) to this module's own
// history-replay implementation, since the spec names history-driven replay
// as the mechanism rather than delegating to Temporal.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/keys"
	"github.com/rivetkit/actorcore/kv"
)

// SegmentKind discriminates the two Path segment kinds (§3.4).
type SegmentKind string

const (
	SegmentName SegmentKind = "name"
	SegmentLoop SegmentKind = "loop"
)

// Segment is one element of an entry's Path, serializable for storage
// alongside the Entry it locates (§3.4 Path).
type Segment struct {
	Kind          SegmentKind `json:"kind"`
	NameIndex     int         `json:"nameIndex,omitempty"`
	LoopNameIndex int         `json:"loopNameIndex,omitempty"`
	Iteration     int         `json:"iteration,omitempty"`
}

// Path is the deterministic location of a history entry (§3 Glossary
// "Path"): totally ordered in tuple order, matching byte-sorted key order
// once converted via toKeysPath.
type Path []Segment

// key returns the stable string form of p used as the in-memory entry-map
// key and as the suffix distinguishing KV keys for this Path.
func (p Path) key() string {
	var b strings.Builder
	for _, s := range p {
		switch s.Kind {
		case SegmentLoop:
			fmt.Fprintf(&b, "/L%d:%d", s.LoopNameIndex, s.Iteration)
		default:
			fmt.Fprintf(&b, "/N%d", s.NameIndex)
		}
	}
	return b.String()
}

func (p Path) toKeysPath() keys.Path {
	out := make(keys.Path, len(p))
	for i, s := range p {
		if s.Kind == SegmentLoop {
			out[i] = keys.LoopIterationMarker{Loop: keys.NameIndex(s.LoopNameIndex), Iteration: s.Iteration}
		} else {
			out[i] = keys.NameIndex(s.NameIndex)
		}
	}
	return out
}

// EntryStatus is an EntryMetadata's lifecycle position (§3.4 EntryMetadata).
// Status only ever moves forward: pending -> running -> {completed | failed
// -> exhausted}, optionally followed by a rollback.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusRunning   EntryStatus = "running"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusExhausted EntryStatus = "exhausted"
)

func (s EntryStatus) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExhausted
}

// BranchStatus tracks one branch of a Join or Race (§3.4).
type BranchStatus string

const (
	BranchPending   BranchStatus = "pending"
	BranchRunning   BranchStatus = "running"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
)

// SleepState is a Sleep entry's completion state (§3.4).
type SleepState string

const (
	SleepPending     SleepState = "pending"
	SleepCompleted   SleepState = "completed"
	SleepInterrupted SleepState = "interrupted"
)

type (
	// StepKind is a completed or failed step invocation's recorded result.
	StepKind struct {
		Output json.RawMessage `json:"output,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	// LoopKind carries a loop's carried-forward state across iterations and,
	// once broken, its final output.
	LoopKind struct {
		State     json.RawMessage `json:"state,omitempty"`
		Iteration int             `json:"iteration"`
		Output    json.RawMessage `json:"output,omitempty"`
	}
	// SleepKind records a timer's deadline and completion state.
	SleepKind struct {
		DeadlineMs int64      `json:"deadlineMs"`
		State      SleepState `json:"state"`
	}
	// MessageKind records the message a listen primitive consumed.
	MessageKind struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	}
	// RollbackCheckpointKind marks a point rollback unwinds to.
	RollbackCheckpointKind struct {
		Name string `json:"name"`
	}
	// JoinKind records every branch's status for a join primitive.
	JoinKind struct {
		Branches map[string]BranchStatus `json:"branches"`
	}
	// RaceKind records the winning branch and every branch's status.
	RaceKind struct {
		Winner   string                  `json:"winner,omitempty"`
		Branches map[string]BranchStatus `json:"branches"`
	}
	// RemovedKind tombstones a prior entry name so future replays don't
	// expect it (§4.10.1 "removed").
	RemovedKind struct {
		OriginalType string `json:"originalType"`
		OriginalName string `json:"originalName,omitempty"`
	}
)

// EntryKind is the tagged union of history entry payloads (§3.4 EntryKind).
type EntryKind interface {
	entryKindTag() string
}

func (StepKind) entryKindTag() string               { return "step" }
func (LoopKind) entryKindTag() string                { return "loop" }
func (SleepKind) entryKindTag() string               { return "sleep" }
func (MessageKind) entryKindTag() string             { return "message" }
func (RollbackCheckpointKind) entryKindTag() string  { return "rollbackCheckpoint" }
func (JoinKind) entryKindTag() string                { return "join" }
func (RaceKind) entryKindTag() string                { return "race" }
func (RemovedKind) entryKindTag() string             { return "removed" }

// Entry is one history record (§3.4 Entry).
type Entry struct {
	ID       string
	Location Path
	Kind     EntryKind
}

type entryWire struct {
	ID       string          `json:"id"`
	Location Path            `json:"location"`
	Tag      string          `json:"tag"`
	Payload  json.RawMessage `json:"payload"`
}

// MarshalJSON encodes Entry's tagged-union Kind as {tag, payload}.
func (e Entry) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entryWire{ID: e.ID, Location: e.Location, Tag: e.Kind.entryKindTag(), Payload: payload})
}

// UnmarshalJSON decodes Entry, reconstructing the concrete EntryKind from its tag.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Location = w.Location
	var kind EntryKind
	switch w.Tag {
	case "step":
		var k StepKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	case "loop":
		var k LoopKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	case "sleep":
		var k SleepKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	case "message":
		var k MessageKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	case "rollbackCheckpoint":
		var k RollbackCheckpointKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	case "join":
		var k JoinKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	case "race":
		var k RaceKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	case "removed":
		var k RemovedKind
		if err := json.Unmarshal(w.Payload, &k); err != nil {
			return err
		}
		kind = k
	default:
		return fmt.Errorf("workflow: unknown entry kind tag %q", w.Tag)
	}
	e.Kind = kind
	return nil
}

// EntryMetadata is the status/attempt bookkeeping attached to an Entry
// (§3.4 EntryMetadata).
type EntryMetadata struct {
	Status              EntryStatus `json:"status"`
	Error               string      `json:"error,omitempty"`
	Attempts            int         `json:"attempts"`
	LastAttemptAtMs     int64       `json:"lastAttemptAtMs,omitempty"`
	CreatedAtMs         int64       `json:"createdAtMs"`
	CompletedAtMs       int64       `json:"completedAtMs,omitempty"`
	RollbackCompletedAt int64       `json:"rollbackCompletedAtMs,omitempty"`
	RollbackError       string      `json:"rollbackError,omitempty"`
}

// MetaState is the workflow-level lifecycle state (§3.4 "Workflow metadata").
type MetaState string

const (
	MetaPending   MetaState = "pending"
	MetaRunning   MetaState = "running"
	MetaCompleted MetaState = "completed"
	MetaFailed    MetaState = "failed"
)

// Meta is the workflow instance's own metadata record.
type Meta struct {
	State  MetaState       `json:"state"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`
}

// History owns one workflow instance's name registry, entry map, and entry
// metadata, all persisted in a KV namespace laid out per §4.3. The methods
// that touch the in-memory registry and entry map serialize on an internal
// mutex, since Join and Race branches call them from their own goroutines;
// the Engine (§4.10) otherwise drives History from a single goroutine per
// instance per the actor single-writer invariant.
type History struct {
	driver  kv.Driver
	mu      sync.Mutex
	names   []string
	nameIdx map[string]int
	entries map[string]*entryRecord
	loaded  bool
}

type entryRecord struct {
	entry Entry
	meta  EntryMetadata
}

// NewHistory returns a History over driver, not yet loaded.
func NewHistory(driver kv.Driver) *History {
	return &History{driver: driver, nameIdx: make(map[string]int), entries: make(map[string]*entryRecord)}
}

// Load reads the persisted name registry and every history entry + its
// metadata, hash-indexing entries by Path (§4.10.2 step 1).
func (h *History) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loaded {
		return nil
	}

	if raw, ok, err := h.driver.Get(ctx, keys.Names()); err != nil {
		return actorerr.InternalErr(err)
	} else if ok {
		if err := json.Unmarshal(raw, &h.names); err != nil {
			return actorerr.InternalErr(err)
		}
		for i, n := range h.names {
			h.nameIdx[n] = i
		}
	}

	entryEntries, err := h.driver.List(ctx, keys.HistoryPrefix())
	if err != nil {
		return actorerr.InternalErr(err)
	}
	for _, e := range entryEntries {
		var entry Entry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			return actorerr.InternalErr(err)
		}
		h.entries[entry.Location.key()] = &entryRecord{entry: entry}
	}

	metaEntries, err := h.driver.List(ctx, []byte{keys.PrefixEntryMetadata})
	if err != nil {
		return actorerr.InternalErr(err)
	}
	for _, e := range metaEntries {
		// The EntryMetadata key shares its Path suffix with the History
		// key (§4.3); recover the Path by matching against loaded entries
		// rather than re-parsing the raw key bytes.
		var meta EntryMetadata
		if err := json.Unmarshal(e.Value, &meta); err != nil {
			return actorerr.InternalErr(err)
		}
		for _, rec := range h.entries {
			if string(keys.EntryMetadata(rec.entry.Location.toKeysPath())) == string(e.Key) {
				rec.meta = meta
				break
			}
		}
	}

	h.loaded = true
	return nil
}

// Intern returns the stable index for name, appending it to the registry on
// first use. Indices are never reused (§4.10.1 "Name-registry invariant").
func (h *History) Intern(ctx context.Context, name string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx, ok := h.nameIdx[name]; ok {
		return idx, nil
	}
	idx := len(h.names)
	h.names = append(h.names, name)
	h.nameIdx[name] = idx
	raw, err := json.Marshal(h.names)
	if err != nil {
		return 0, actorerr.InternalErr(err)
	}
	if err := h.driver.Set(ctx, keys.Names(), raw); err != nil {
		return 0, actorerr.InternalErr(err)
	}
	return idx, nil
}

// Lookup returns the entry and metadata recorded at p, if any.
func (h *History) Lookup(p Path) (Entry, EntryMetadata, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.entries[p.key()]
	if !ok {
		return Entry{}, EntryMetadata{}, false
	}
	return rec.entry, rec.meta, true
}

// Put persists entry and meta at entry.Location, updating the in-memory map
// and the KV store in one batch (§3.4 "Completed entries never change kind;
// only status transitions forward").
func (h *History) Put(ctx context.Context, entry Entry, meta EntryMetadata) error {
	h.mu.Lock()
	h.entries[entry.Location.key()] = &entryRecord{entry: entry, meta: meta}
	h.mu.Unlock()

	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return actorerr.InternalErr(err)
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return actorerr.InternalErr(err)
	}
	kp := entry.Location.toKeysPath()
	return h.driver.Batch(ctx, []kv.Write{
		{Key: keys.History(kp), Value: entryRaw},
		{Key: keys.EntryMetadata(kp), Value: metaRaw},
	})
}

// PutMetaOnly updates only the metadata at p, leaving the recorded entry
// kind untouched when a record already exists (used for attempt/status
// bookkeeping mid-retry). If no entry has been recorded at p yet (a step
// parked before its first successful attempt), a placeholder entry is
// persisted alongside so a later Lookup finds a record at all: otherwise
// Attempts would reset to zero on every retry tick instead of accumulating
// toward MaxAttempts (§4.10.1 "after max attempts -> workflow fails").
func (h *History) PutMetaOnly(ctx context.Context, p Path, meta EntryMetadata) error {
	h.mu.Lock()
	rec, ok := h.entries[p.key()]
	var entry Entry
	if ok {
		rec.meta = meta
		entry = rec.entry
	} else {
		entry = Entry{ID: newEntryID(), Location: p, Kind: StepKind{}}
		h.entries[p.key()] = &entryRecord{entry: entry, meta: meta}
	}
	h.mu.Unlock()

	entryRaw, err := json.Marshal(entry)
	if err != nil {
		return actorerr.InternalErr(err)
	}
	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return actorerr.InternalErr(err)
	}
	kp := p.toKeysPath()
	return h.driver.Batch(ctx, []kv.Write{
		{Key: keys.History(kp), Value: entryRaw},
		{Key: keys.EntryMetadata(kp), Value: metaRaw},
	})
}

// Entries returns every loaded entry sorted by Path (byte-sorted, matching
// semantic order per §3.4's total-order invariant), for inspection/debugging.
func (h *History) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, 0, len(h.entries))
	for _, rec := range h.entries {
		out = append(out, rec.entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(keys.History(out[i].Location.toKeysPath())) < string(keys.History(out[j].Location.toKeysPath()))
	})
	return out
}

// LoadMeta reads the workflow instance's own lifecycle record (§3.4
// "Workflow metadata"), defaulting to MetaPending if none has been written
// yet (a fresh instance's first Tick).
func (h *History) LoadMeta(ctx context.Context) (Meta, error) {
	state, ok, err := h.driver.Get(ctx, keys.WorkflowMeta(keys.WorkflowMetaState))
	if err != nil {
		return Meta{}, actorerr.InternalErr(err)
	}
	if !ok {
		return Meta{State: MetaPending}, nil
	}

	m := Meta{State: MetaState(state)}
	if out, ok, err := h.driver.Get(ctx, keys.WorkflowMeta(keys.WorkflowMetaOutput)); err != nil {
		return Meta{}, actorerr.InternalErr(err)
	} else if ok {
		m.Output = json.RawMessage(out)
	}
	if errMsg, ok, err := h.driver.Get(ctx, keys.WorkflowMeta(keys.WorkflowMetaError)); err != nil {
		return Meta{}, actorerr.InternalErr(err)
	} else if ok {
		m.Error = string(errMsg)
	}
	if in, ok, err := h.driver.Get(ctx, keys.WorkflowMeta(keys.WorkflowMetaInput)); err != nil {
		return Meta{}, actorerr.InternalErr(err)
	} else if ok {
		m.Input = json.RawMessage(in)
	}
	return m, nil
}

// SaveMeta durably writes every populated field of m in one batch.
func (h *History) SaveMeta(ctx context.Context, m Meta) error {
	writes := []kv.Write{{Key: keys.WorkflowMeta(keys.WorkflowMetaState), Value: []byte(m.State)}}
	if m.Output != nil {
		writes = append(writes, kv.Write{Key: keys.WorkflowMeta(keys.WorkflowMetaOutput), Value: m.Output})
	}
	if m.Error != "" {
		writes = append(writes, kv.Write{Key: keys.WorkflowMeta(keys.WorkflowMetaError), Value: []byte(m.Error)})
	}
	if m.Input != nil {
		writes = append(writes, kv.Write{Key: keys.WorkflowMeta(keys.WorkflowMetaInput), Value: m.Input})
	}
	if err := h.driver.Batch(ctx, writes); err != nil {
		return actorerr.InternalErr(err)
	}
	return nil
}
