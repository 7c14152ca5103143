// Package keys implements the tuple-packed key layout every Driver
// namespace is organized under (§4.3). Integers are encoded big-endian
// fixed-width rather than as protobuf varints: varints are not
// order-preserving (e.g. varint(128) sorts before varint(2) byte-wise),
// which would break the "byte-sorted order matches semantic order"
// guarantee the workflow engine's replay determinism and the message
// queue's FIFO order both rely on (P1, P5).
package keys

import "encoding/binary"

// Top-level key-space prefixes (§4.3).
const (
	PrefixNames         byte = 1
	PrefixHistory       byte = 2
	PrefixMessages      byte = 3
	PrefixWorkflowMeta  byte = 4
	PrefixEntryMetadata byte = 5
)

// Workflow-meta sub-prefixes, nested under PrefixWorkflowMeta.
const (
	WorkflowMetaState   byte = 1
	WorkflowMetaOutput  byte = 2
	WorkflowMetaError   byte = 3
	WorkflowMetaVersion byte = 4
	WorkflowMetaInput   byte = 5
)

// segment tags distinguish the two Path segment kinds when packed.
const (
	segNameIndex           byte = 0
	segLoopIterationMarker byte = 1
)

// Segment is one element of a workflow entry's Path: either a plain
// interned-name reference, or a loop-iteration marker nesting a 2-tuple of
// (loop name index, iteration number).
type Segment interface {
	appendTo(buf []byte) []byte
}

// NameIndex references an interned name by its registry index.
type NameIndex int

func (n NameIndex) appendTo(buf []byte) []byte {
	buf = append(buf, segNameIndex)
	return appendUint64(buf, uint64(n))
}

// LoopIterationMarker locates one iteration of a named loop within a Path.
type LoopIterationMarker struct {
	Loop      NameIndex
	Iteration int
}

func (m LoopIterationMarker) appendTo(buf []byte) []byte {
	buf = append(buf, segLoopIterationMarker)
	buf = appendUint64(buf, uint64(m.Loop))
	return appendUint64(buf, uint64(m.Iteration))
}

// Path is the deterministic location of a workflow history entry: the
// primary key of the entry map (§3 Glossary "Path"). Paths are totally
// ordered in tuple order, and that order matches byte-sorted key order.
type Path []Segment

// Names returns the key for the workflow's interned name registry.
func Names() []byte {
	return []byte{PrefixNames}
}

// History returns the key for the history entry located at p.
func History(p Path) []byte {
	buf := []byte{PrefixHistory}
	for _, seg := range p {
		buf = seg.appendTo(buf)
	}
	return buf
}

// HistoryPrefix returns the key prefix under which every history entry
// lives, for listing the full entry map on load.
func HistoryPrefix() []byte {
	return []byte{PrefixHistory}
}

// Messages returns the key for the message enqueued at seq (monotonic,
// assigned at append time so List returns messages in send order, P5).
func Messages(seq uint64) []byte {
	buf := []byte{PrefixMessages}
	return appendUint64(buf, seq)
}

// MessagesPrefix returns the key prefix under which every pending message
// for this namespace lives.
func MessagesPrefix() []byte {
	return []byte{PrefixMessages}
}

// WorkflowMeta returns the key for one workflow-meta sub-record
// (state/output/error/version/input).
func WorkflowMeta(sub byte) []byte {
	return []byte{PrefixWorkflowMeta, sub}
}

// EntryMetadata returns the key for the metadata record attached to the
// history entry located at p (e.g. attempt count, rollback markers).
func EntryMetadata(p Path) []byte {
	buf := []byte{PrefixEntryMetadata}
	for _, seg := range p {
		buf = seg.appendTo(buf)
	}
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
