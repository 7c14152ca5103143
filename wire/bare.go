package wire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EncodeBare serializes f using the compact binary encoding: a leading
// kind tag (varint) followed by the variant's fields, each length-delimited
// or fixed-width as appropriate. Opaque args/output fields carry raw bytes
// (the frame's inner JSON bytes), not a nested binary schema: this matches
// the spec's requirement that both encodings round-trip the same logical
// frame without requiring a second schema for payload contents.
func EncodeBare(f Frame) ([]byte, error) {
	var out []byte
	out = protowire.AppendVarint(out, uint64(f.Body.Kind()))
	switch b := f.Body.(type) {
	case Init:
		out = appendStr(out, b.ActorID)
		out = appendStr(out, b.ConnectionID)
	case ErrorFrame:
		out = appendStr(out, b.Group)
		out = appendStr(out, b.Code)
		out = appendStr(out, b.Message)
		meta, err := json.Marshal(b.Metadata)
		if err != nil {
			return nil, err
		}
		out = appendBytes(out, meta)
		out = appendOptionalUint64(out, b.ActionID)
	case ActionResponse:
		out = protowire.AppendVarint(out, b.ID)
		out = appendBytes(out, b.Output)
	case Event:
		out = appendStr(out, b.Name)
		out = appendBytes(out, b.Args)
	case ActionRequest:
		out = protowire.AppendVarint(out, b.ID)
		out = appendStr(out, b.Name)
		out = appendBytes(out, b.Args)
	case SubscriptionRequest:
		out = appendStr(out, b.EventName)
		out = appendBool(out, b.Subscribe)
	case HTTPActionRequest:
		out = appendBytes(out, b.Args)
	case HTTPActionResponse:
		out = appendBytes(out, b.Output)
	case HTTPQueueSendRequest:
		out = appendStr(out, b.Name)
		out = appendBytes(out, b.Body)
		out = appendBool(out, b.Wait)
		out = protowire.AppendVarint(out, uint64(b.Timeout))
	case HTTPQueueSendResponse:
		out = appendStr(out, b.Status)
		out = appendBytes(out, b.Response)
	case HTTPResolveRequest:
		// no fields
	case HTTPResolveResponse:
		out = appendStr(out, b.ActorID)
	default:
		return nil, fmt.Errorf("wire: unknown frame body %T", b)
	}
	return out, nil
}

// DecodeBare parses a frame previously produced by EncodeBare.
func DecodeBare(data []byte) (Frame, error) {
	kindVal, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return Frame{}, fmt.Errorf("wire: malformed kind tag")
	}
	r := &reader{buf: data[n:]}
	var body Body
	switch Kind(kindVal) {
	case KindInit:
		actorID := r.str()
		connID := r.str()
		body = Init{ActorID: actorID, ConnectionID: connID}
	case KindError:
		group := r.str()
		code := r.str()
		msg := r.str()
		metaBytes := r.bytes()
		var meta map[string]any
		if len(metaBytes) > 0 && string(metaBytes) != "null" {
			if err := json.Unmarshal(metaBytes, &meta); err != nil {
				return Frame{}, err
			}
		}
		actionID := r.optionalUint64()
		body = ErrorFrame{Group: group, Code: code, Message: msg, Metadata: meta, ActionID: actionID}
	case KindActionResponse:
		id := r.varint()
		out := r.bytes()
		body = ActionResponse{ID: id, Output: out}
	case KindEvent:
		name := r.str()
		args := r.bytes()
		body = Event{Name: name, Args: args}
	case KindActionRequest:
		id := r.varint()
		name := r.str()
		args := r.bytes()
		body = ActionRequest{ID: id, Name: name, Args: args}
	case KindSubscriptionRequest:
		name := r.str()
		sub := r.boolean()
		body = SubscriptionRequest{EventName: name, Subscribe: sub}
	case KindHTTPActionRequest:
		body = HTTPActionRequest{Args: r.bytes()}
	case KindHTTPActionResponse:
		body = HTTPActionResponse{Output: r.bytes()}
	case KindHTTPQueueSendRequest:
		name := r.str()
		b := r.bytes()
		wait := r.boolean()
		timeout := r.varint()
		body = HTTPQueueSendRequest{Name: name, Body: b, Wait: wait, Timeout: int64(timeout)}
	case KindHTTPQueueSendResponse:
		status := r.str()
		resp := r.bytes()
		body = HTTPQueueSendResponse{Status: status, Response: resp}
	case KindHTTPResolveRequest:
		body = HTTPResolveRequest{}
	case KindHTTPResolveResponse:
		body = HTTPResolveResponse{ActorID: r.str()}
	default:
		return Frame{}, fmt.Errorf("wire: unknown frame kind %d", kindVal)
	}
	if r.err != nil {
		return Frame{}, r.err
	}
	return Frame{Body: body}, nil
}

func appendStr(buf []byte, s string) []byte {
	return protowire.AppendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	return protowire.AppendBytes(buf, b)
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return protowire.AppendVarint(buf, 1)
	}
	return protowire.AppendVarint(buf, 0)
}

func appendOptionalUint64(buf []byte, v *uint64) []byte {
	if v == nil {
		return protowire.AppendVarint(buf, 0)
	}
	buf = protowire.AppendVarint(buf, 1)
	return protowire.AppendVarint(buf, *v)
}

// reader sequentially consumes bare-encoded fields, latching the first error
// so call sites can chain reads without checking after every call.
type reader struct {
	buf []byte
	err error
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	b, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		r.err = fmt.Errorf("wire: malformed length-delimited field")
		return nil
	}
	r.buf = r.buf[n:]
	return append([]byte(nil), b...)
}

func (r *reader) str() string { return string(r.bytes()) }

func (r *reader) varint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		r.err = fmt.Errorf("wire: malformed varint field")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) boolean() bool { return r.varint() != 0 }

func (r *reader) optionalUint64() *uint64 {
	present := r.varint()
	if present == 0 {
		return nil
	}
	v := r.varint()
	return &v
}
