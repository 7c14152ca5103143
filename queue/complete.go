package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rivetkit/actorcore/actorerr"
)

// Completer tracks in-flight completable queue-send requests: an HTTP
// caller that sent with Wait: true blocks on a channel keyed by
// CompletionID until a worker consuming the message calls Complete, or the
// caller's own timeout fires first (§4.9, §6.2 HttpQueueSendResponse).
//
// Grounded on the same single-writer-mailbox, mutex-guarded-map idiom used
// throughout the teacher (e.g. runtime/registry/cache.go's MemoryCache);
// here the map holds one-shot completion channels instead of cache entries.
type Completer struct {
	mu      sync.Mutex
	pending map[string]chan json.RawMessage
}

// NewCompleter returns an empty completion tracker.
func NewCompleter() *Completer {
	return &Completer{pending: make(map[string]chan json.RawMessage)}
}

// Register creates a pending completion slot for id, returning a channel
// that receives the response once Complete(id, ...) is called. Callers must
// eventually call Forget(id) (typically via a deferred call paired with
// Register) to release the slot even if they give up waiting.
func (c *Completer) Register(id string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// Forget releases a completion slot without resolving it, used when the
// waiting HTTP request times out before a worker completes the message.
func (c *Completer) Forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Complete resolves the pending completion for id with response. It returns
// an error if no caller is currently waiting on id (the wait may have
// already timed out, or id never corresponded to a completable send).
func (c *Completer) Complete(_ context.Context, id string, response json.RawMessage) error {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return actorerr.InvalidRequestErr("no completable queue-send request is pending for this id")
	}
	ch <- response
	close(ch)
	return nil
}
