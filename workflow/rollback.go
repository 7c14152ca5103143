package workflow

import (
	"context"
	"encoding/json"

	"github.com/rivetkit/actorcore/actorerr"
)

// rollbackEntry is one compensable step recorded during a live forward run,
// or a checkpoint marker dividing the log (§4.10.3). Compensators are plain
// closures captured from the running goroutine: they cannot be replayed
// from a fresh process the way Step/Sleep/Listen are, so Rollback is only
// ever invoked from within the same Tick that built this log, typically
// right after a Step reports an error its caller wants to unwind from.
type rollbackEntry struct {
	checkpoint string // non-empty marks this entry as a RollbackCheckpoint boundary
	path       Path
	output     json.RawMessage
	run        func(ctx context.Context, output json.RawMessage) error
}

// Rollback invokes every step's compensator recorded since the named
// checkpoint, most-recent-first, stopping at (but not past) that checkpoint
// (§4.10.3 "rollback runs compensators in reverse declaration order"). A
// compensator failure is reported as WorkflowRollbackFailedErr and halts
// further unwinding, leaving the remaining log entries in place so a second
// Rollback call (or a higher checkpoint) can retry them.
func (c *Context) Rollback(checkpoint string) error {
	idx := -1
	for i := len(c.rollbackLog) - 1; i >= 0; i-- {
		if c.rollbackLog[i].checkpoint == checkpoint {
			idx = i
			break
		}
	}
	if idx == -1 {
		return actorerr.InvalidRequestErr("rollback checkpoint not found: " + checkpoint)
	}

	for i := len(c.rollbackLog) - 1; i > idx; i-- {
		entry := c.rollbackLog[i]
		if entry.run == nil {
			continue // a nested checkpoint marker, nothing to compensate
		}
		now := c.now.UnixMilli()
		if err := entry.run(c.ctx, entry.output); err != nil {
			_, meta, _ := c.history.Lookup(entry.path)
			meta.RollbackError = err.Error()
			_ = c.history.PutMetaOnly(c.ctx, entry.path, meta)
			return actorerr.WorkflowRollbackFailedErr(err)
		}
		_, meta, _ := c.history.Lookup(entry.path)
		meta.RollbackCompletedAt = now
		_ = c.history.PutMetaOnly(c.ctx, entry.path, meta)
	}

	c.rollbackLog = c.rollbackLog[:idx]
	return nil
}
