package memstore_test

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/refine"
	"github.com/luno/refine/adapters/adaptertest"
	"github.com/luno/refine/adapters/memstore"
)

func TestStore(t *testing.T) {
	adaptertest.RunCheckpointStoreTest(t, func(t *testing.T) refine.CheckpointStore {
		return memstore.New()
	})
}

func TestLoadFallsBackToBackup(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	state := adaptertest.NewState(t, 2)

	err := store.Save(ctx, state, true)
	jtest.RequireNil(t, err)

	store.Corrupt(state.ID, []byte("{not json"))

	loaded, err := store.Load(ctx, state.ID)
	jtest.RequireNil(t, err)
	require.Equal(t, state, loaded)
}

func TestLoadCorruptWithoutBackup(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	state := adaptertest.NewState(t, 1)

	err := store.Save(ctx, state, false)
	jtest.RequireNil(t, err)

	store.Corrupt(state.ID, []byte(`{"metadata":{"schema_version":1}}`))

	_, err = store.Load(ctx, state.ID)
	jtest.Require(t, refine.ErrCheckpointCorrupt, err)
}
