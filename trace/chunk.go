package trace

import "encoding/binary"

// keyPrefixData is this package's sole top-level key prefix, mirroring
// keys.go's tuple-packed, big-endian (order-preserving) layout for its own
// isolated namespace: (prefix, bucketStartSec, chunkID) -> Chunk (§3.5).
const keyPrefixData byte = 1

// chunkKey returns the storage key for the chunk covering bucketStartSec,
// numbered chunkID within that bucket. The sink writes only chunk 0 of a
// bucket; once that chunk's estimated size reaches MaxChunkBytes, further
// records are rejected rather than spilled into a second chunk.
func chunkKey(bucketStartSec int64, chunkID uint32) []byte {
	buf := make([]byte, 0, 1+8+4)
	buf = append(buf, keyPrefixData)
	buf = appendInt64(buf, bucketStartSec)
	buf = appendUint32(buf, chunkID)
	return buf
}

// bucketPrefix returns the key prefix under which every chunk for
// bucketStartSec lives.
func bucketPrefix(bucketStartSec int64) []byte {
	buf := make([]byte, 0, 1+8)
	buf = append(buf, keyPrefixData)
	return appendInt64(buf, bucketStartSec)
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	// Bias to unsigned so negative bucket starts (not expected in practice,
	// but kept consistent with keys.go's "never trust varint ordering")
	// still sort correctly byte-wise.
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// ActiveSpanRef names a span that was still open as of the end of the chunk
// that carries it (§3.5 "activeSpans"). StartRecordIdx is the chunk's
// record count when the index was written; ReadRange does not read it.
type ActiveSpanRef struct {
	SpanID           string `json:"spanId"`
	Name             string `json:"name"`
	StartUnixNs      int64  `json:"startUnixNs"`
	LatestSnapshotIdx int   `json:"latestSnapshotIdx,omitempty"`
	StartRecordIdx   int    `json:"startRecordIdx"`
}

// Chunk is one time-bucketed, append-only unit of the span store (§3.5).
// Records' OffsetNs is relative to BaseUnixNs so small deltas stay compact
// even though the record payloads themselves are JSON.
type Chunk struct {
	BaseUnixNs  int64           `json:"baseUnixNs"`
	Records     []Record        `json:"records"`
	ActiveSpans []ActiveSpanRef `json:"activeSpans"`
}

func (c *Chunk) sizeEstimate() int {
	// A precise byte count would require marshaling on every append; an
	// estimate based on record count is enough to catch pathological
	// growth before a chunk becomes unreadable, which is all maxChunkBytes
	// is chartered to prevent.
	return len(c.Records)*256 + len(c.ActiveSpans)*128
}
