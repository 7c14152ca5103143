package workflow_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/workflow"
	"github.com/stretchr/testify/require"
)

func TestHistoryInternIsStableAcrossLoad(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()

	h := workflow.NewHistory(driver)
	require.NoError(t, h.Load(ctx))
	idx, err := h.Intern(ctx, "charge-card")
	require.NoError(t, err)

	again, err := h.Intern(ctx, "charge-card")
	require.NoError(t, err)
	require.Equal(t, idx, again)

	reloaded := workflow.NewHistory(driver)
	require.NoError(t, reloaded.Load(ctx))
	fromDisk, err := reloaded.Intern(ctx, "charge-card")
	require.NoError(t, err)
	require.Equal(t, idx, fromDisk, "name registry must persist across a reload")
}

func TestHistoryPutAndLookupRoundTrip(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	h := workflow.NewHistory(driver)
	require.NoError(t, h.Load(ctx))

	idx, err := h.Intern(ctx, "charge-card")
	require.NoError(t, err)
	p := workflow.Path{{Kind: workflow.SegmentName, NameIndex: idx}}

	entry := workflow.Entry{ID: "e1", Location: p, Kind: workflow.StepKind{Output: json.RawMessage(`{"ok":true}`)}}
	meta := workflow.EntryMetadata{Status: workflow.StatusCompleted, Attempts: 1, CreatedAtMs: 1, CompletedAtMs: 2}
	require.NoError(t, h.Put(ctx, entry, meta))

	gotEntry, gotMeta, ok := h.Lookup(p)
	require.True(t, ok)
	require.Equal(t, workflow.StatusCompleted, gotMeta.Status)
	sk, isStep := gotEntry.Kind.(workflow.StepKind)
	require.True(t, isStep)
	require.JSONEq(t, `{"ok":true}`, string(sk.Output))
}

func TestHistoryLoadMatchesMetadataToEntriesAcrossReload(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	h := workflow.NewHistory(driver)
	require.NoError(t, h.Load(ctx))

	idx, err := h.Intern(ctx, "send-email")
	require.NoError(t, err)
	p := workflow.Path{{Kind: workflow.SegmentName, NameIndex: idx}}
	require.NoError(t, h.Put(ctx, workflow.Entry{ID: "e1", Location: p, Kind: workflow.StepKind{}},
		workflow.EntryMetadata{Status: workflow.StatusCompleted, Attempts: 1}))

	reloaded := workflow.NewHistory(driver)
	require.NoError(t, reloaded.Load(ctx))
	_, meta, ok := reloaded.Lookup(p)
	require.True(t, ok)
	require.Equal(t, workflow.StatusCompleted, meta.Status)
}

func TestHistoryMetaDefaultsToPending(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()
	h := workflow.NewHistory(driver)

	meta, err := h.LoadMeta(ctx)
	require.NoError(t, err)
	require.Equal(t, workflow.MetaPending, meta.State)

	meta.State = workflow.MetaRunning
	meta.Input = json.RawMessage(`{"orderId":"o1"}`)
	require.NoError(t, h.SaveMeta(ctx, meta))

	reloaded, err := h.LoadMeta(ctx)
	require.NoError(t, err)
	require.Equal(t, workflow.MetaRunning, reloaded.State)
	require.JSONEq(t, `{"orderId":"o1"}`, string(reloaded.Input))
}
