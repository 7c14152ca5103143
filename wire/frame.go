package wire

import "encoding/json"

// Encoding identifies a negotiated wire encoding for client traffic.
type Encoding string

const (
	// EncodingJSON nests args/output as structured JSON values.
	EncodingJSON Encoding = "json"
	// EncodingBare is the compact schema-driven binary encoding ("bare" in
	// the spec): opaque fields are length-delimited, unions are
	// tag:varint ∥ value.
	EncodingBare Encoding = "bare"
)

// ContentType returns the MIME type negotiated for enc.
func ContentType(enc Encoding) string {
	if enc == EncodingBare {
		return "application/octet-stream"
	}
	return "application/json"
}

// Kind discriminates the tagged-union frame body variants (§3.3).
type Kind uint8

const (
	KindInit Kind = iota + 1
	KindError
	KindActionResponse
	KindEvent
	KindActionRequest
	KindSubscriptionRequest
	KindHTTPActionRequest
	KindHTTPActionResponse
	KindHTTPQueueSendRequest
	KindHTTPQueueSendResponse
	KindHTTPResolveRequest
	KindHTTPResolveResponse
)

type (
	// Frame is the outermost envelope every encoding round-trips: {body: tagged-union}.
	Frame struct {
		Body Body
	}

	// Body is implemented by every concrete frame payload.
	Body interface {
		Kind() Kind
	}

	// Init is sent once, immediately after a connection is established.
	Init struct {
		ActorID      string
		ConnectionID string
	}

	// ErrorFrame carries a protocol-level error (§7). Tagged for direct
	// encoding/json use on the plain-JSON HTTP error path (gateway), in
	// addition to the custom envelope codec in json.go.
	ErrorFrame struct {
		Group    string         `json:"group"`
		Code     string         `json:"code"`
		Message  string         `json:"message"`
		Metadata map[string]any `json:"metadata,omitempty"`
		ActionID *uint64        `json:"actionId,omitempty"`
	}

	// ActionResponse answers a correlated ActionRequest.
	ActionResponse struct {
		ID     uint64
		Output json.RawMessage
	}

	// Event is a broadcast payload delivered to subscribed connections.
	Event struct {
		Name string
		Args json.RawMessage
	}

	// ActionRequest invokes a named action and expects a correlated response.
	ActionRequest struct {
		ID   uint64
		Name string
		Args json.RawMessage
	}

	// SubscriptionRequest adds or removes an event name from a connection's
	// subscription set.
	SubscriptionRequest struct {
		EventName string
		Subscribe bool
	}

	// HTTPActionRequest is the single-shot HTTP equivalent of ActionRequest.
	// Tagged for direct encoding/json use: the gateway's JSON-encoding HTTP
	// handlers read/write these flat, un-enveloped (curl-friendly); the
	// bare-encoding handlers go through the tagged-union envelope instead.
	HTTPActionRequest struct {
		Args json.RawMessage `json:"args"`
	}

	// HTTPActionResponse is the single-shot HTTP equivalent of ActionResponse.
	HTTPActionResponse struct {
		Output json.RawMessage `json:"output"`
	}

	// HTTPQueueSendRequest posts a message to a named in-actor queue.
	HTTPQueueSendRequest struct {
		Name    string          `json:"name,omitempty"`
		Body    json.RawMessage `json:"body"`
		Wait    bool            `json:"wait,omitempty"`
		Timeout int64           `json:"timeout,omitempty"` // milliseconds
	}

	// HTTPQueueSendResponse reports the outcome of a queue-send, optionally
	// blocking (Wait) until a worker completes it.
	HTTPQueueSendResponse struct {
		Status   string          `json:"status"` // "completed" | "timedOut" | "sent"
		Response json.RawMessage `json:"response,omitempty"`
	}

	// HTTPResolveRequest resolves a logical Key to an ActorId; it carries no
	// body (the key travels in the gateway path).
	HTTPResolveRequest struct{}

	// HTTPResolveResponse carries the resolved actor identity.
	HTTPResolveResponse struct {
		ActorID string `json:"actorId"`
	}
)

func (Init) Kind() Kind                  { return KindInit }
func (ErrorFrame) Kind() Kind            { return KindError }
func (ActionResponse) Kind() Kind        { return KindActionResponse }
func (Event) Kind() Kind                 { return KindEvent }
func (ActionRequest) Kind() Kind         { return KindActionRequest }
func (SubscriptionRequest) Kind() Kind   { return KindSubscriptionRequest }
func (HTTPActionRequest) Kind() Kind     { return KindHTTPActionRequest }
func (HTTPActionResponse) Kind() Kind    { return KindHTTPActionResponse }
func (HTTPQueueSendRequest) Kind() Kind  { return KindHTTPQueueSendRequest }
func (HTTPQueueSendResponse) Kind() Kind { return KindHTTPQueueSendResponse }
func (HTTPResolveRequest) Kind() Kind    { return KindHTTPResolveRequest }
func (HTTPResolveResponse) Kind() Kind   { return KindHTTPResolveResponse }
