package keys_test

import (
	"bytes"
	"testing"

	"github.com/rivetkit/actorcore/keys"
	"github.com/stretchr/testify/require"
)

// TestHistoryOrderingMatchesPathOrdering covers the §4.3 guarantee that
// byte-sorted key order matches semantic Path order, which P4 replay
// determinism and P1 entry-map ordering both depend on.
func TestHistoryOrderingMatchesPathOrdering(t *testing.T) {
	paths := []keys.Path{
		{keys.NameIndex(0)},
		{keys.NameIndex(1)},
		{keys.NameIndex(1), keys.NameIndex(0)},
		{keys.NameIndex(1), keys.NameIndex(1)},
		{keys.NameIndex(9)},
		{keys.LoopIterationMarker{Loop: keys.NameIndex(2), Iteration: 0}},
		{keys.LoopIterationMarker{Loop: keys.NameIndex(2), Iteration: 1}},
	}

	var encoded [][]byte
	for _, p := range paths {
		encoded = append(encoded, keys.History(p))
	}

	for i := 1; i < len(encoded); i++ {
		require.True(t, bytes.Compare(encoded[i-1], encoded[i]) < 0,
			"expected key %x to sort before %x", encoded[i-1], encoded[i])
	}
}

func TestMessagesOrderingMatchesSequence(t *testing.T) {
	a := keys.Messages(1)
	b := keys.Messages(2)
	c := keys.Messages(1000)

	require.True(t, bytes.Compare(a, b) < 0)
	require.True(t, bytes.Compare(b, c) < 0)
}

func TestWorkflowMetaSubkeysDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, sub := range []byte{
		keys.WorkflowMetaState,
		keys.WorkflowMetaOutput,
		keys.WorkflowMetaError,
		keys.WorkflowMetaVersion,
		keys.WorkflowMetaInput,
	} {
		k := string(keys.WorkflowMeta(sub))
		require.False(t, seen[k], "duplicate workflow meta key for sub=%d", sub)
		seen[k] = true
	}
}

func TestHistoryPrefixIsPrefixOfEveryHistoryKey(t *testing.T) {
	k := keys.History(keys.Path{keys.NameIndex(5)})
	require.True(t, bytes.HasPrefix(k, keys.HistoryPrefix()))
}

func TestEntryMetadataAndHistoryKeysDoNotCollide(t *testing.T) {
	p := keys.Path{keys.NameIndex(3)}
	require.NotEqual(t, keys.History(p), keys.EntryMetadata(p))
}
