// Package actorerr implements the error taxonomy from the runtime's protocol
// design: every error that can cross a connection carries a stable Group and
// Code so clients can branch on it without parsing message text.
package actorerr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Group classifies errors into the coarse categories clients react to
// differently (retry, surface to user, drop connection).
type Group string

const (
	GroupUser      Group = "user"
	GroupTransport Group = "transport"
	GroupLifecycle Group = "lifecycle"
	GroupWorkflow  Group = "workflow"
	GroupInternal  Group = "internal"
)

// Code enumerates the stable error codes a client can match on.
type Code string

const (
	ActionNotFound    Code = "ACTION_NOT_FOUND"
	UnknownQueue      Code = "UNKNOWN_QUEUE"
	InvalidEncoding   Code = "INVALID_ENCODING"
	InvalidParams     Code = "INVALID_PARAMS"
	InvalidRequest    Code = "INVALID_REQUEST"
	InvalidQueryJSON  Code = "INVALID_QUERY_JSON"
	Forbidden         Code = "FORBIDDEN"
	IncomingTooLong   Code = "INCOMING_MESSAGE_TOO_LONG"
	OutgoingTooLong   Code = "OUTGOING_MESSAGE_TOO_LONG"
	BackpressureOver  Code = "BACKPRESSURE_OVERFLOW"
	ActorNotFound     Code = "ACTOR_NOT_FOUND"
	ActorStopping     Code = "ACTOR_STOPPING"
	StorageUnavail    Code = "STORAGE_UNAVAILABLE"
	WorkflowNoStep    Code = "WORKFLOW_STATE_ACCESS_OUTSIDE_STEP"
	WorkflowEvicted   Code = "WORKFLOW_EVICTED"
	WorkflowTimedOut  Code = "WORKFLOW_TIMED_OUT"
	WorkflowRollback  Code = "WORKFLOW_ROLLBACK_FAILED"
	Internal          Code = "INTERNAL_ERROR"
)

// Error is the wire-level error shape carried in protocol Error frames.
type Error struct {
	Group    Group
	Code     Code
	Message  string
	Metadata map[string]any
	ActionID uint64
	cause    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(g Group, c Code, msg string, cause error) *Error {
	return &Error{Group: g, Code: c, Message: msg, cause: cause}
}

// ActionNotFoundErr reports that no action with the given name is registered.
func ActionNotFoundErr(name string) *Error {
	return newErr(GroupUser, ActionNotFound, fmt.Sprintf("action %q not found", name), nil)
}

// UnknownQueueErr reports a send/next against a queue the actor never declared.
func UnknownQueueErr(name string) *Error {
	return newErr(GroupUser, UnknownQueue, fmt.Sprintf("queue %q is not declared", name), nil)
}

// InvalidParamsErr wraps a param validation failure (e.g. jsonschema).
func InvalidParamsErr(cause error) *Error {
	return newErr(GroupUser, InvalidParams, cause.Error(), cause)
}

// InvalidRequestErr wraps a malformed request that isn't a params-schema
// failure (see InvalidParamsErr for that case).
func InvalidRequestErr(reason string) *Error {
	return newErr(GroupUser, InvalidRequest, reason, nil)
}

// ForbiddenErr reports a canInvoke/onBeforeConnect rejection.
func ForbiddenErr(reason string) *Error {
	return newErr(GroupUser, Forbidden, reason, nil)
}

// IncomingMessageTooLongErr reports a frame exceeding the incoming size limit.
func IncomingMessageTooLongErr(size, max int) *Error {
	return newErr(GroupTransport, IncomingTooLong, fmt.Sprintf("incoming message of %d bytes exceeds limit %d", size, max), nil)
}

// OutgoingMessageTooLongErr reports a frame exceeding the outgoing size limit.
func OutgoingMessageTooLongErr(size, max int) *Error {
	return newErr(GroupTransport, OutgoingTooLong, fmt.Sprintf("outgoing message of %d bytes exceeds limit %d", size, max), nil)
}

// BackpressureOverflowErr reports a connection's send queue overflowing.
func BackpressureOverflowErr(connID string) *Error {
	return newErr(GroupTransport, BackpressureOver, fmt.Sprintf("connection %q send queue overflowed", connID), nil)
}

// ActorNotFoundErr reports a resolve/load against an unknown actor ID.
func ActorNotFoundErr(id string) *Error {
	return newErr(GroupLifecycle, ActorNotFound, fmt.Sprintf("actor %q not found", id), nil)
}

// ActorStoppingErr reports an invocation racing an in-progress shutdown. It is
// retryable: callers should retry up to 3 times with 25ms spacing.
func ActorStoppingErr(id string) *Error {
	return newErr(GroupLifecycle, ActorStopping, fmt.Sprintf("actor %q is stopping", id), nil)
}

// StorageUnavailableErr reports repeated KV flush failure.
func StorageUnavailableErr(cause error) *Error {
	return newErr(GroupLifecycle, StorageUnavail, "storage unavailable", cause)
}

// WorkflowStateAccessOutsideStepErr reports the workflow determinism guard firing.
func WorkflowStateAccessOutsideStepErr(field string) *Error {
	return newErr(GroupWorkflow, WorkflowNoStep, fmt.Sprintf("access to %q outside a step is not permitted", field), nil)
}

// WorkflowRollbackFailedErr reports a compensator failing during rollback.
func WorkflowRollbackFailedErr(cause error) *Error {
	return newErr(GroupWorkflow, WorkflowRollback, "rollback failed", cause)
}

// InternalErr wraps an unexpected error. Its message is replaced by
// "internal" unless ExposeErrors(ctx) is true.
func InternalErr(cause error) *Error {
	return newErr(GroupInternal, Internal, cause.Error(), cause)
}

// Sanitize returns a copy of e suitable for sending over the wire given the
// expose-errors policy: internal messages are replaced unless exposure is on.
func Sanitize(ctx context.Context, e *Error) *Error {
	if e.Group != GroupInternal || ExposeErrors(ctx) {
		return e
	}
	sanitized := *e
	sanitized.Message = "internal"
	sanitized.Metadata = nil
	sanitized.cause = nil
	return &sanitized
}

type exposeKey struct{}

// WithExposeErrors returns a context that forces internal error messages to
// be exposed verbatim, overriding the environment-variable default.
func WithExposeErrors(ctx context.Context, expose bool) context.Context {
	return context.WithValue(ctx, exposeKey{}, expose)
}

// ExposeErrors reports whether internal error messages should be sent to
// clients verbatim. It consults, in order: a context override set via
// WithExposeErrors, the RIVET_EXPOSE_ERRORS environment variable, and
// NODE_ENV=development (kept for parity with the original Node runtime).
func ExposeErrors(ctx context.Context) bool {
	if v := ctx.Value(exposeKey{}); v != nil {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	if truthy(os.Getenv("RIVET_EXPOSE_ERRORS")) {
		return true
	}
	return strings.EqualFold(os.Getenv("NODE_ENV"), "development")
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
