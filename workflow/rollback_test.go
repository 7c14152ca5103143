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

// TestRollbackRunsCompensatorsInReverseOrder covers §4.10.3: compensators
// for steps taken after a checkpoint run most-recent-first when Rollback is
// invoked, and steps before the checkpoint are left alone.
func TestRollbackRunsCompensatorsInReverseOrder(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	h := workflow.NewHistory(driver)
	require.NoError(t, h.Load(ctx))
	wfCtx := workflow.NewContext(ctx, h, queue.New(driver, nil), noopAccessor(), time.Unix(0, 0), kv.WorkerPollInterval, nil)

	var order []string

	_, err := wfCtx.Step("reserve-inventory", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, workflow.StepOptions{
		Rollback: func(ctx context.Context, output json.RawMessage) error {
			order = append(order, "release-inventory")
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, wfCtx.RollbackCheckpoint("before-payment"))

	_, err = wfCtx.Step("charge-card", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, workflow.StepOptions{
		Rollback: func(ctx context.Context, output json.RawMessage) error {
			order = append(order, "refund-card")
			return nil
		},
	})
	require.NoError(t, err)

	_, err = wfCtx.Step("send-confirmation", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, workflow.StepOptions{
		Rollback: func(ctx context.Context, output json.RawMessage) error {
			order = append(order, "retract-confirmation")
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, wfCtx.Rollback("before-payment"))
	require.Equal(t, []string{"retract-confirmation", "refund-card"}, order,
		"compensators must run most-recent-first and stop at the checkpoint")
}

// TestRollbackHaltsOnCompensatorFailure ensures a failing compensator is
// reported and stops further unwinding.
func TestRollbackHaltsOnCompensatorFailure(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	h := workflow.NewHistory(driver)
	require.NoError(t, h.Load(ctx))
	wfCtx := workflow.NewContext(ctx, h, queue.New(driver, nil), noopAccessor(), time.Unix(0, 0), kv.WorkerPollInterval, nil)

	require.NoError(t, wfCtx.RollbackCheckpoint("start"))

	var ranSecond bool
	_, err := wfCtx.Step("step-a", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, workflow.StepOptions{
		Rollback: func(ctx context.Context, output json.RawMessage) error {
			ranSecond = true
			return nil
		},
	})
	require.NoError(t, err)

	_, err = wfCtx.Step("step-b", func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}, workflow.StepOptions{
		Rollback: func(ctx context.Context, output json.RawMessage) error {
			return errBoom
		},
	})
	require.NoError(t, err)

	err = wfCtx.Rollback("start")
	require.Error(t, err)
	require.False(t, ranSecond, "a failing compensator must halt further unwinding")
}
