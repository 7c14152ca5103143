package workflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/queue"
	"github.com/rivetkit/actorcore/workflow"
	"github.com/stretchr/testify/require"
)

// TestRaceRecordsExactlyOneWinner covers S6: racing branches resolves to
// exactly one winner, and the losing branch is recorded cancelled.
func TestRaceRecordsExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	h := workflow.NewHistory(driver)
	require.NoError(t, h.Load(ctx))
	wfCtx := workflow.NewContext(ctx, h, queue.New(driver, nil), noopAccessor(), time.Unix(0, 0), kv.WorkerPollInterval, nil)

	winner, out, err := wfCtx.Race("fastest-quote", []workflow.Branch{
		{Name: "vendor-a", Run: func(c *workflow.Context) (json.RawMessage, error) {
			return c.Step("quote-a", func(context.Context) (json.RawMessage, error) {
				return json.RawMessage(`{"price":10}`), nil
			}, workflow.StepOptions{})
		}},
		{Name: "vendor-b", Run: func(c *workflow.Context) (json.RawMessage, error) {
			time.Sleep(5 * time.Millisecond)
			return c.Step("quote-b", func(context.Context) (json.RawMessage, error) {
				return json.RawMessage(`{"price":12}`), nil
			}, workflow.StepOptions{})
		}},
	})
	require.NoError(t, err)
	require.Contains(t, []string{"vendor-a", "vendor-b"}, winner)
	require.NotNil(t, out)

	var race workflow.RaceKind
	for _, e := range h.Entries() {
		if rk, ok := e.Kind.(workflow.RaceKind); ok {
			race = rk
		}
	}
	loser := "vendor-b"
	if winner == "vendor-b" {
		loser = "vendor-a"
	}
	require.Equal(t, winner, race.Winner)
	require.Equal(t, workflow.BranchCancelled, race.Branches[loser])
}

// TestRaceBranchSuspendPropagatesThroughEngineTick covers S6 end-to-end
// through the Engine: both race branches suspend via Context.Sleep (not a
// real goroutine sleep), which must park the whole Tick rather than being
// misreported as a branch panic/error (recoverBranch's suspend handling).
// The faster branch's deadline elapses first, so a later Tick declares it
// the winner without ever running the slower branch's step body.
func TestRaceBranchSuspendPropagatesThroughEngineTick(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	q := queue.New(driver, nil)

	var slowRan bool
	fn := func(wfCtx *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		winner, out, err := wfCtx.Race("fastest", []workflow.Branch{
			{Name: "work", Run: func(c *workflow.Context) (json.RawMessage, error) {
				c.Sleep("work-delay", 10*time.Millisecond)
				return c.Step("work-done", func(context.Context) (json.RawMessage, error) {
					return json.RawMessage(`"work"`), nil
				}, workflow.StepOptions{})
			}},
			{Name: "timeout", Run: func(c *workflow.Context) (json.RawMessage, error) {
				c.Sleep("timeout-delay", 50*time.Millisecond)
				slowRan = true
				return c.Step("timeout-done", func(context.Context) (json.RawMessage, error) {
					return json.RawMessage(`"timeout"`), nil
				}, workflow.StepOptions{})
			}},
		})
		if err != nil {
			return nil, err
		}
		var branchOutput string
		if err := json.Unmarshal(out, &branchOutput); err != nil {
			return nil, err
		}
		return json.Marshal(winner + ":" + branchOutput)
	}

	eng := workflow.NewEngine(driver, q, noopAccessor(), kv.WorkerPollInterval, nil)
	res, err := eng.RunUntilSuspended(ctx, fn)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusDone, res.Status)
	require.JSONEq(t, `"work:work"`, string(res.Output))
	require.False(t, slowRan, "the losing branch's step body must never run once a winner is recorded")
}

// TestJoinFailsWhenAnyBranchFails covers join's all-or-error contract.
func TestJoinFailsWhenAnyBranchFails(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	h := workflow.NewHistory(driver)
	require.NoError(t, h.Load(ctx))
	wfCtx := workflow.NewContext(ctx, h, queue.New(driver, nil), noopAccessor(), time.Unix(0, 0), kv.WorkerPollInterval, nil)

	_, err := wfCtx.Join("provision", []workflow.Branch{
		{Name: "db", Run: func(c *workflow.Context) (json.RawMessage, error) {
			return c.Step("make-db", func(context.Context) (json.RawMessage, error) {
				return json.RawMessage(`{}`), nil
			}, workflow.StepOptions{})
		}},
		{Name: "cache", Run: func(c *workflow.Context) (json.RawMessage, error) {
			return nil, errBoom
		}},
	})
	require.Error(t, err)
}
