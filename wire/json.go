package wire

import (
	"encoding/json"
	"fmt"
)

// jsonEnvelope is the on-the-wire JSON shape for every frame variant. Only
// the fields relevant to Type are populated; this mirrors how the spec
// describes JSON frames nesting structured values directly (no base64).
type jsonEnvelope struct {
	Type string `json:"type"`

	// Init
	ActorID      string `json:"actorId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`

	// ErrorFrame
	Group    string         `json:"group,omitempty"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	ActionID *uint64        `json:"actionId,omitempty"`

	// ActionResponse / ActionRequest share ID
	ID uint64 `json:"id,omitempty"`

	Output json.RawMessage `json:"output,omitempty"`

	// Event / ActionRequest
	Name string          `json:"name,omitempty"`
	Args json.RawMessage `json:"args,omitempty"`

	// SubscriptionRequest
	EventName string `json:"eventName,omitempty"`
	Subscribe bool   `json:"subscribe,omitempty"`

	// HTTPQueueSendRequest/Response
	Body     json.RawMessage `json:"body,omitempty"`
	Wait     bool            `json:"wait,omitempty"`
	Timeout  int64           `json:"timeout,omitempty"`
	Status   string          `json:"status,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

const (
	typeInit                 = "init"
	typeError                = "error"
	typeActionResponse       = "actionResponse"
	typeEvent                = "event"
	typeActionRequest        = "actionRequest"
	typeSubscriptionRequest  = "subscriptionRequest"
	typeHTTPActionRequest    = "httpActionRequest"
	typeHTTPActionResponse   = "httpActionResponse"
	typeHTTPQueueSendRequest = "httpQueueSendRequest"
	typeHTTPQueueSendResp    = "httpQueueSendResponse"
	typeHTTPResolveRequest   = "httpResolveRequest"
	typeHTTPResolveResponse  = "httpResolveResponse"
)

// EncodeJSON serializes f as a JSON frame.
func EncodeJSON(f Frame) ([]byte, error) {
	env, err := toEnvelope(f.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeJSON parses a JSON frame into its concrete Body type.
func DecodeJSON(data []byte) (Frame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("wire: invalid json frame: %w", err)
	}
	body, err := fromEnvelope(env)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Body: body}, nil
}

func toEnvelope(body Body) (jsonEnvelope, error) {
	switch b := body.(type) {
	case Init:
		return jsonEnvelope{Type: typeInit, ActorID: b.ActorID, ConnectionID: b.ConnectionID}, nil
	case ErrorFrame:
		return jsonEnvelope{Type: typeError, Group: b.Group, Code: b.Code, Message: b.Message, Metadata: b.Metadata, ActionID: b.ActionID}, nil
	case ActionResponse:
		return jsonEnvelope{Type: typeActionResponse, ID: b.ID, Output: b.Output}, nil
	case Event:
		return jsonEnvelope{Type: typeEvent, Name: b.Name, Args: b.Args}, nil
	case ActionRequest:
		return jsonEnvelope{Type: typeActionRequest, ID: b.ID, Name: b.Name, Args: b.Args}, nil
	case SubscriptionRequest:
		return jsonEnvelope{Type: typeSubscriptionRequest, EventName: b.EventName, Subscribe: b.Subscribe}, nil
	case HTTPActionRequest:
		return jsonEnvelope{Type: typeHTTPActionRequest, Args: b.Args}, nil
	case HTTPActionResponse:
		return jsonEnvelope{Type: typeHTTPActionResponse, Output: b.Output}, nil
	case HTTPQueueSendRequest:
		return jsonEnvelope{Type: typeHTTPQueueSendRequest, Name: b.Name, Body: b.Body, Wait: b.Wait, Timeout: b.Timeout}, nil
	case HTTPQueueSendResponse:
		return jsonEnvelope{Type: typeHTTPQueueSendResp, Status: b.Status, Response: b.Response}, nil
	case HTTPResolveRequest:
		return jsonEnvelope{Type: typeHTTPResolveRequest}, nil
	case HTTPResolveResponse:
		return jsonEnvelope{Type: typeHTTPResolveResponse, ActorID: b.ActorID}, nil
	default:
		return jsonEnvelope{}, fmt.Errorf("wire: unknown frame body %T", body)
	}
}

func fromEnvelope(env jsonEnvelope) (Body, error) {
	switch env.Type {
	case typeInit:
		return Init{ActorID: env.ActorID, ConnectionID: env.ConnectionID}, nil
	case typeError:
		return ErrorFrame{Group: env.Group, Code: env.Code, Message: env.Message, Metadata: env.Metadata, ActionID: env.ActionID}, nil
	case typeActionResponse:
		return ActionResponse{ID: env.ID, Output: env.Output}, nil
	case typeEvent:
		return Event{Name: env.Name, Args: env.Args}, nil
	case typeActionRequest:
		return ActionRequest{ID: env.ID, Name: env.Name, Args: env.Args}, nil
	case typeSubscriptionRequest:
		return SubscriptionRequest{EventName: env.EventName, Subscribe: env.Subscribe}, nil
	case typeHTTPActionRequest:
		return HTTPActionRequest{Args: env.Args}, nil
	case typeHTTPActionResponse:
		return HTTPActionResponse{Output: env.Output}, nil
	case typeHTTPQueueSendRequest:
		return HTTPQueueSendRequest{Name: env.Name, Body: env.Body, Wait: env.Wait, Timeout: env.Timeout}, nil
	case typeHTTPQueueSendResp:
		return HTTPQueueSendResponse{Status: env.Status, Response: env.Response}, nil
	case typeHTTPResolveRequest:
		return HTTPResolveRequest{}, nil
	case typeHTTPResolveResponse:
		return HTTPResolveResponse{ActorID: env.ActorID}, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame type %q", env.Type)
	}
}
