package trace

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/kv"
)

// Config bounds a Sink's memory and read cost (§4.11).
type Config struct {
	// BucketDuration is the width of one time bucket. Defaults to 1 minute.
	BucketDuration time.Duration
	// MaxActiveSpans bounds the number of concurrently open spans the sink
	// tracks. On overflow, spans are dropped depth-first: the deepest
	// (most-nested) span is evicted first, ties broken by most recent
	// start (§4.11).
	MaxActiveSpans int
	// MaxChunkBytes rejects a single record whose chunk would exceed this
	// estimated size, at write time (§4.11).
	MaxChunkBytes int
	// MaxReadLimit is the hard ceiling ReadRange clamps a caller's limit
	// to (§4.11).
	MaxReadLimit int
	// SnapshotEvery bounds how many records accumulate against one open
	// span before a SpanSnapshot record is emitted, bounding the replay
	// cost of reconstructing a long-lived span (§3.5).
	SnapshotEvery int
}

// DefaultConfig returns the baseline Sink configuration.
func DefaultConfig() Config {
	return Config{
		BucketDuration: time.Minute,
		MaxActiveSpans: 4096,
		MaxChunkBytes:  1 << 20,
		MaxReadLimit:   10_000,
		SnapshotEvery:  64,
	}
}

type liveSpan struct {
	id           string
	parentID     string
	name         string
	startUnixNs  int64
	depth        int
	recordsSince int // records appended since the last snapshot, for SnapshotEvery
	dropped      bool
}

// Sink is the chunked, append-only span store (§3.5, §4.11). It is scoped
// to one actor's isolated KV namespace, matching every other durable
// component in this module (§4.2).
type Sink struct {
	driver kv.Driver
	cfg    Config

	mu          sync.Mutex
	bucketStart int64 // unix seconds of the currently open bucket
	chunk       *Chunk
	active      map[string]*liveSpan
}

// NewSink constructs a Sink over driver. Pass kv.Namespaced(driver, "trace")
// (or similar) from the caller so this sink's keys never collide with an
// actor's state or workflow namespaces.
func NewSink(driver kv.Driver, cfg Config) *Sink {
	if cfg.BucketDuration <= 0 {
		cfg.BucketDuration = time.Minute
	}
	if cfg.MaxActiveSpans <= 0 {
		cfg.MaxActiveSpans = 4096
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 1 << 20
	}
	if cfg.MaxReadLimit <= 0 {
		cfg.MaxReadLimit = 10_000
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = 64
	}
	return &Sink{driver: driver, cfg: cfg, active: make(map[string]*liveSpan)}
}

func (s *Sink) bucketFor(unixNs int64) int64 {
	sec := unixNs / int64(time.Second)
	width := int64(s.cfg.BucketDuration / time.Second)
	if width <= 0 {
		width = 1
	}
	return (sec / width) * width
}

// ensureChunk rolls the in-memory chunk over to bucketStart, flushing the
// previous chunk first (carrying its still-open spans forward into the new
// chunk's ActiveSpans so a reader can hydrate across the boundary, §3.5).
func (s *Sink) ensureChunk(ctx context.Context, unixNs int64) error {
	bucketStart := s.bucketFor(unixNs)
	if s.chunk != nil && s.bucketStart == bucketStart {
		return nil
	}
	if s.chunk != nil {
		if err := s.flushLocked(ctx); err != nil {
			return err
		}
	}
	s.bucketStart = bucketStart
	s.chunk = &Chunk{BaseUnixNs: bucketStart * int64(time.Second)}
	return nil
}

func (s *Sink) flushLocked(ctx context.Context) error {
	s.chunk.ActiveSpans = s.chunk.ActiveSpans[:0]
	for _, sp := range s.active {
		if sp.dropped {
			continue
		}
		s.chunk.ActiveSpans = append(s.chunk.ActiveSpans, ActiveSpanRef{
			SpanID:         sp.id,
			Name:           sp.name,
			StartUnixNs:    sp.startUnixNs,
			StartRecordIdx: len(s.chunk.Records),
		})
	}
	raw, err := json.Marshal(s.chunk)
	if err != nil {
		return actorerr.InternalErr(err)
	}
	return s.driver.Set(ctx, chunkKey(s.bucketStart, 0), raw)
}

// Flush persists the current in-memory chunk without rolling it over.
// Safe to call frequently; a hibernating actor calls this from the same
// flush path it uses for state (§4.4).
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunk == nil {
		return nil
	}
	return s.flushLocked(ctx)
}

// evictDeepestLocked drops the most-nested currently tracked span (ties
// broken by most recent start) so a new span can be tracked under
// MaxActiveSpans (§4.11 "dropped depth-first"). A dropped span stops
// accumulating records; its eventual End call is a no-op.
func (s *Sink) evictDeepestLocked() {
	var victim *liveSpan
	for _, sp := range s.active {
		if sp.dropped {
			continue
		}
		if victim == nil || sp.depth > victim.depth ||
			(sp.depth == victim.depth && sp.startUnixNs > victim.startUnixNs) {
			victim = sp
		}
	}
	if victim != nil {
		victim.dropped = true
	}
}

func (s *Sink) liveCountLocked() int {
	n := 0
	for _, sp := range s.active {
		if !sp.dropped {
			n++
		}
	}
	return n
}

// StartSpan opens a new span and records a SpanStart. unixNs is the span's
// start time; callers pass wall-clock time explicitly (the sink never
// calls time.Now() itself, consistent with §4.10.2's determinism
// requirement for anything that might run inside a workflow step).
func (s *Sink) StartSpan(ctx context.Context, spanID, parentSpanID, name string, unixNs int64, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureChunk(ctx, unixNs); err != nil {
		return err
	}

	depth := 0
	if parentSpanID != "" {
		if p, ok := s.active[parentSpanID]; ok {
			depth = p.depth + 1
		}
	}
	if s.liveCountLocked() >= s.cfg.MaxActiveSpans {
		s.evictDeepestLocked()
	}
	s.active[spanID] = &liveSpan{id: spanID, parentID: parentSpanID, name: name, startUnixNs: unixNs, depth: depth}

	return s.appendLocked(ctx, unixNs, SpanStartPayload{
		SpanID: spanID, ParentSpanID: parentSpanID, Name: name, StartUnixNs: unixNs, Attributes: attrs,
	})
}

// UpdateSpan amends attributes on an open span.
func (s *Sink) UpdateSpan(ctx context.Context, spanID string, unixNs int64, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.active[spanID]; !ok || sp.dropped {
		return nil
	}
	if err := s.ensureChunk(ctx, unixNs); err != nil {
		return err
	}
	return s.appendLocked(ctx, unixNs, SpanUpdatePayload{SpanID: spanID, Attributes: attrs})
}

// AddEvent records a point-in-time event against an open span.
func (s *Sink) AddEvent(ctx context.Context, spanID, name string, unixNs int64, attrs map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.active[spanID]
	if !ok || sp.dropped {
		return nil
	}
	if err := s.ensureChunk(ctx, unixNs); err != nil {
		return err
	}
	if err := s.appendLocked(ctx, unixNs, SpanEventPayload{SpanID: spanID, Name: name, UnixNs: unixNs, Attributes: attrs}); err != nil {
		return err
	}
	sp.recordsSince++
	if sp.recordsSince >= s.cfg.SnapshotEvery {
		sp.recordsSince = 0
		return s.appendLocked(ctx, unixNs, SpanSnapshotPayload{
			SpanID: sp.id, ParentSpanID: sp.parentID, Name: sp.name,
			StartUnixNs: sp.startUnixNs, SnapshotAt: unixNs,
		})
	}
	return nil
}

// EndSpan closes a span and stops tracking it as active.
func (s *Sink) EndSpan(ctx context.Context, spanID string, unixNs int64, ok bool, statusMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, tracked := s.active[spanID]
	delete(s.active, spanID)
	if !tracked || sp.dropped {
		return nil
	}
	if err := s.ensureChunk(ctx, unixNs); err != nil {
		return err
	}
	return s.appendLocked(ctx, unixNs, SpanEndPayload{SpanID: spanID, EndUnixNs: unixNs, StatusOK: ok, StatusMsg: statusMsg})
}

func (s *Sink) appendLocked(ctx context.Context, unixNs int64, payload RecordPayload) error {
	if s.chunk.sizeEstimate() >= s.cfg.MaxChunkBytes {
		return actorerr.InternalErr(errChunkFull{})
	}
	s.chunk.Records = append(s.chunk.Records, Record{
		Kind:     payload.recordKind(),
		OffsetNs: unixNs - s.chunk.BaseUnixNs,
		Payload:  payload,
	})
	return s.flushLocked(ctx)
}

type errChunkFull struct{}

func (errChunkFull) Error() string { return "trace: chunk exceeds maxChunkBytes" }

// SpanView is the OTLP-shaped reconstruction of one span returned by
// ReadRange. The store deliberately does not depend on a full OTLP/protobuf
// export library (not among this pack's dependencies); this struct carries
// the same fields an otlptrace exporter would expect to map from.
type SpanView struct {
	SpanID       string              `json:"spanId"`
	ParentSpanID string              `json:"parentSpanId,omitempty"`
	Name         string              `json:"name"`
	StartUnixNs  int64               `json:"startUnixNs"`
	EndUnixNs    int64               `json:"endUnixNs,omitempty"`
	Attributes   map[string]string   `json:"attributes,omitempty"`
	Events       []SpanEventPayload  `json:"events,omitempty"`
	StatusOK     bool                `json:"statusOk"`
	StatusMsg    string              `json:"statusMsg,omitempty"`
	Ended        bool                `json:"ended"`
}

// ReadRange reconstructs every span whose SpanStart or SpanSnapshot record
// falls inside [startMs, endMs], returning at most limit spans (clamped to
// MaxReadLimit) and whether the result was clamped by either bound (§4.11).
// A span that started before the window and has no snapshot inside it is
// not returned: the chunks' ActiveSpans index is not consulted.
func (s *Sink) ReadRange(ctx context.Context, startMs, endMs int64, limit int) ([]SpanView, bool, error) {
	clamped := false
	if limit <= 0 || limit > s.cfg.MaxReadLimit {
		limit = s.cfg.MaxReadLimit
		clamped = true
	}

	startNs := startMs * int64(time.Millisecond)
	endNs := endMs * int64(time.Millisecond)
	widthSec := int64(s.cfg.BucketDuration / time.Second)
	if widthSec <= 0 {
		widthSec = 1
	}

	spans := map[string]*SpanView{}
	var order []string

	// Walk one bucket on either side of the range as well; records outside
	// [startNs, endNs] are still skipped. Bucket boundaries must be
	// computed the same way writes align them (s.bucketFor), not by raw
	// subtraction, or the scan can straddle real chunk keys without ever
	// landing on one.
	firstBucket := s.bucketFor(startNs) - widthSec
	lastBucket := s.bucketFor(endNs) + widthSec

	for bucket := firstBucket; bucket <= lastBucket; bucket += widthSec {
		chunk, ok, err := s.loadChunk(ctx, bucket)
		if err != nil {
			// A corrupted chunk is skipped rather than failing the whole
			// read (§3.5 "corrupted chunks are skipped").
			continue
		}
		if !ok {
			continue
		}
		for _, rec := range chunk.Records {
			absNs := chunk.BaseUnixNs + rec.OffsetNs
			if absNs < startNs || absNs > endNs {
				continue
			}
			switch p := rec.Payload.(type) {
			case SpanStartPayload:
				if _, seen := spans[p.SpanID]; !seen {
					order = append(order, p.SpanID)
				}
				spans[p.SpanID] = &SpanView{
					SpanID: p.SpanID, ParentSpanID: p.ParentSpanID, Name: p.Name,
					StartUnixNs: p.StartUnixNs, Attributes: cloneAttrs(p.Attributes),
				}
			case SpanUpdatePayload:
				if v, ok := spans[p.SpanID]; ok {
					mergeAttrs(v, p.Attributes)
				}
			case SpanEventPayload:
				if v, ok := spans[p.SpanID]; ok {
					v.Events = append(v.Events, p)
				}
			case SpanEndPayload:
				if v, ok := spans[p.SpanID]; ok {
					v.EndUnixNs = p.EndUnixNs
					v.StatusOK = p.StatusOK
					v.StatusMsg = p.StatusMsg
					v.Ended = true
				}
			case SpanSnapshotPayload:
				if _, seen := spans[p.SpanID]; !seen {
					order = append(order, p.SpanID)
				}
				spans[p.SpanID] = &SpanView{
					SpanID: p.SpanID, ParentSpanID: p.ParentSpanID, Name: p.Name,
					StartUnixNs: p.StartUnixNs, Attributes: cloneAttrs(p.Attributes),
					Events: append([]SpanEventPayload(nil), p.Events...),
				}
			}
		}
	}

	sort.Strings(order)
	out := make([]SpanView, 0, len(order))
	for _, id := range order {
		out = append(out, *spans[id])
		if len(out) >= limit {
			clamped = true
			break
		}
	}
	return out, clamped, nil
}

func (s *Sink) loadChunk(ctx context.Context, bucketStart int64) (*Chunk, bool, error) {
	raw, ok, err := s.driver.Get(ctx, chunkKey(bucketStart, 0))
	if err != nil {
		return nil, false, actorerr.InternalErr(err)
	}
	if !ok {
		return nil, false, nil
	}
	var c Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

func cloneAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeAttrs(v *SpanView, attrs map[string]string) {
	if v.Attributes == nil {
		v.Attributes = make(map[string]string, len(attrs))
	}
	for k, val := range attrs {
		v.Attributes[k] = val
	}
}
