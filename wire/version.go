// Package wire implements the versioned, multi-encoding frame serde used by
// every connection transport (§4.1). A versioned frame is a varint version
// tag followed by a version-specific payload; unknown versions fail loudly
// rather than attempting a best-effort decode.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CurrentVersion is the only wire version this build understands.
const CurrentVersion uint64 = 1

// EncodeVersioned prepends a varint version tag to payload.
func EncodeVersioned(version uint64, payload []byte) []byte {
	out := protowire.AppendVarint(nil, version)
	return append(out, payload...)
}

// DecodeVersioned splits a versioned frame into its version tag and payload.
// It returns an error for a version this build does not understand.
func DecodeVersioned(data []byte) (version uint64, payload []byte, err error) {
	version, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, nil, fmt.Errorf("wire: malformed version varint")
	}
	if version != CurrentVersion {
		return 0, nil, fmt.Errorf("wire: unsupported frame version %d", version)
	}
	return version, data[n:], nil
}
