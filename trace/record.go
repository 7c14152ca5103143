// Package trace implements the optional Trace/Span Sink (§3.5, §4.11): a
// chunked, time-bucketed append-only span store. Spans emit records into
// the chunk covering their bucket; periodic snapshot records bound the read
// cost of a long-lived span; ReadRange reconstructs spans from the records
// written inside a time window. Each chunk also stores an index of the
// spans still open at its end, which ReadRange does not consult.
//
// Grounded on workflow/history.go's append-only, KV-backed store shape
// (load-once, batch-write, tagged-union payload) generalized from a single
// growing entry map to many independent time-bucketed chunks, since spans
// (unlike workflow entries) are write-heavy and bounded in retention rather
// than read back in full on every tick.
package trace

import (
	"encoding/json"
	"fmt"
)

// RecordKind discriminates the tagged-union span record payloads (§3.5).
type RecordKind string

const (
	RecordSpanStart    RecordKind = "spanStart"
	RecordSpanUpdate   RecordKind = "spanUpdate"
	RecordSpanEvent    RecordKind = "spanEvent"
	RecordSpanEnd      RecordKind = "spanEnd"
	RecordSpanSnapshot RecordKind = "spanSnapshot"
)

type (
	// SpanStartPayload opens a new span.
	SpanStartPayload struct {
		SpanID       string            `json:"spanId"`
		ParentSpanID string            `json:"parentSpanId,omitempty"`
		Name         string            `json:"name"`
		StartUnixNs  int64             `json:"startUnixNs"`
		Attributes   map[string]string `json:"attributes,omitempty"`
	}
	// SpanUpdatePayload amends a span's attributes while it is still open.
	SpanUpdatePayload struct {
		SpanID     string            `json:"spanId"`
		Attributes map[string]string `json:"attributes"`
	}
	// SpanEventPayload records a point-in-time event against an open span.
	SpanEventPayload struct {
		SpanID     string            `json:"spanId"`
		Name       string            `json:"name"`
		UnixNs     int64             `json:"unixNs"`
		Attributes map[string]string `json:"attributes,omitempty"`
	}
	// SpanEndPayload closes a span.
	SpanEndPayload struct {
		SpanID    string `json:"spanId"`
		EndUnixNs int64  `json:"endUnixNs"`
		StatusOK  bool   `json:"statusOk"`
		StatusMsg string `json:"statusMsg,omitempty"`
	}
	// SpanSnapshotPayload folds every record seen so far for a long-lived
	// span into one self-contained record, so a reader never has to walk
	// back further than the most recent snapshot to reconstruct state.
	SpanSnapshotPayload struct {
		SpanID       string            `json:"spanId"`
		ParentSpanID string            `json:"parentSpanId,omitempty"`
		Name         string            `json:"name"`
		StartUnixNs  int64             `json:"startUnixNs"`
		Attributes   map[string]string `json:"attributes,omitempty"`
		Events       []SpanEventPayload `json:"events,omitempty"`
		SnapshotAt   int64             `json:"snapshotAtUnixNs"`
	}
)

func (SpanStartPayload) recordKind() RecordKind    { return RecordSpanStart }
func (SpanUpdatePayload) recordKind() RecordKind   { return RecordSpanUpdate }
func (SpanEventPayload) recordKind() RecordKind    { return RecordSpanEvent }
func (SpanEndPayload) recordKind() RecordKind      { return RecordSpanEnd }
func (SpanSnapshotPayload) recordKind() RecordKind { return RecordSpanSnapshot }

// RecordPayload is the tagged-union interface every span record payload
// implements.
type RecordPayload interface {
	recordKind() RecordKind
}

// Record is one persisted span record: a payload plus the offset, relative
// to the owning Chunk's BaseUnixNs, at which it was written.
type Record struct {
	Kind       RecordKind
	OffsetNs   int64
	Payload    RecordPayload
}

type recordWire struct {
	Kind     RecordKind      `json:"kind"`
	OffsetNs int64           `json:"offsetNs"`
	Payload  json.RawMessage `json:"payload"`
}

// MarshalJSON encodes Record's tagged union as {kind, offsetNs, payload}.
func (r Record) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(recordWire{Kind: r.Kind, OffsetNs: r.OffsetNs, Payload: payload})
}

// UnmarshalJSON decodes Record, reconstructing the concrete payload type
// from its Kind tag.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Kind = w.Kind
	r.OffsetNs = w.OffsetNs
	var payload RecordPayload
	switch w.Kind {
	case RecordSpanStart:
		var p SpanStartPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case RecordSpanUpdate:
		var p SpanUpdatePayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case RecordSpanEvent:
		var p SpanEventPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case RecordSpanEnd:
		var p SpanEndPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	case RecordSpanSnapshot:
		var p SpanSnapshotPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return err
		}
		payload = p
	default:
		return fmt.Errorf("trace: unknown record kind %q", w.Kind)
	}
	r.Payload = payload
	return nil
}
