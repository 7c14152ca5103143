package protocol

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rivetkit/actorcore/queue"
	"github.com/rivetkit/actorcore/wire"
)

// HandleQueueSend implements the HTTP queue-send endpoint (§4.6 step 6,
// §4.9): validate the body against a declared schema (if any), append it
// durably, and, when the caller asked to wait, block until a worker
// completes it or the timeout elapses.
func (d *Dispatcher) HandleQueueSend(ctx context.Context, q *queue.Queue, completer *queue.Completer, req wire.HTTPQueueSendRequest, bodySchema []byte) (wire.HTTPQueueSendResponse, error) {
	if err := d.schemas.Validate("queue-body:"+req.Name, bodySchema, req.Body); err != nil {
		return wire.HTTPQueueSendResponse{}, err
	}

	if !req.Wait {
		if err := q.Send(ctx, req.Name, req.Body); err != nil {
			return wire.HTTPQueueSendResponse{}, err
		}
		return wire.HTTPQueueSendResponse{Status: "sent"}, nil
	}

	completionID := uuid.NewString()
	ch := completer.Register(completionID)
	defer completer.Forget(completionID)

	if err := q.SendCompletable(ctx, req.Name, req.Body, completionID); err != nil {
		return wire.HTTPQueueSendResponse{}, err
	}

	timeout := time.Duration(req.Timeout) * time.Millisecond
	if timeout <= 0 {
		timeout = d.actionTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return wire.HTTPQueueSendResponse{Status: "completed", Response: resp}, nil
	case <-timer.C:
		return wire.HTTPQueueSendResponse{Status: "timedOut"}, nil
	case <-ctx.Done():
		return wire.HTTPQueueSendResponse{}, ctx.Err()
	}
}
