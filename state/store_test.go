package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rivetkit/actorcore/actorerr"
	"github.com/rivetkit/actorcore/kv"
	"github.com/rivetkit/actorcore/state"
	"github.com/stretchr/testify/require"
)

// failingDriver wraps a Memory driver and fails every Set call until
// failuresRemaining reaches zero, to exercise the bounded-retry and
// StorageUnavailable paths without a real flaky backend.
type failingDriver struct {
	kv.Driver
	failuresRemaining int
}

func (f *failingDriver) Set(ctx context.Context, key, value []byte) error {
	if f.failuresRemaining > 0 {
		f.failuresRemaining--
		return errors.New("transient kv outage")
	}
	return f.Driver.Set(ctx, key, value)
}

func TestLoadReturnsInitialWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := state.New(kv.NewMemory())

	got, err := s.Load(ctx, json.RawMessage(`{"count":0}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"count":0}`, string(got))
}

func TestMutateThenFlushThenReload(t *testing.T) {
	ctx := context.Background()
	driver := kv.NewMemory()

	s := state.New(driver)
	_, err := s.Load(ctx, json.RawMessage(`{"count":0}`))
	require.NoError(t, err)

	err = s.Mutate(ctx, func(current json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"count":1}`), nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx))

	// A fresh store over the same driver observes the flushed state (§4.4 P2).
	reloaded := state.New(driver)
	got, err := reloaded.Load(ctx, json.RawMessage(`{"count":0}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"count":1}`, string(got))
}

func TestFlushRetriesTransientErrorsThenSucceeds(t *testing.T) {
	ctx := context.Background()
	driver := &failingDriver{Driver: kv.NewMemory(), failuresRemaining: 2}

	s := state.New(driver)
	_, err := s.Load(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.Mutate(ctx, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))

	require.NoError(t, s.Flush(ctx))
	require.Nil(t, s.Unhealthy())
}

func TestFlushExhaustionRaisesStorageUnavailable(t *testing.T) {
	ctx := context.Background()
	driver := &failingDriver{Driver: kv.NewMemory(), failuresRemaining: 100}

	s := state.New(driver)
	_, err := s.Load(ctx, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, s.Mutate(ctx, func(json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}))

	err = s.Flush(ctx)
	require.Error(t, err)
	actorErr, ok := actorerr.As(err)
	require.True(t, ok)
	require.Equal(t, actorerr.StorageUnavail, actorErr.Code)

	// Subsequent mutations are rejected until a flush finally succeeds.
	err = s.Mutate(ctx, func(c json.RawMessage) (json.RawMessage, error) { return c, nil })
	require.Error(t, err)
	_, ok = actorerr.As(err)
	require.True(t, ok)
}

func TestSnapshotForReplicationIsADefensiveCopy(t *testing.T) {
	ctx := context.Background()
	s := state.New(kv.NewMemory())
	_, err := s.Load(ctx, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	snap := s.SnapshotForReplication()
	snap[0] = 'X'

	fresh := s.SnapshotForReplication()
	require.JSONEq(t, `{"a":1}`, string(fresh))
}
