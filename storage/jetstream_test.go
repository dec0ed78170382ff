package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	sidetest "github.com/Dastari/sidereal/testing"
	"github.com/Dastari/sidereal/types"
)

func newJetStreamStore(t *testing.T) *JetStream {
	t.Helper()

	_, nc := sidetest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	store, err := NewJetStream(context.Background(), js, "")
	require.NoError(t, err)

	return store
}

func TestNewJetStream(t *testing.T) {
	t.Run("nil jetstream", func(t *testing.T) {
		_, err := NewJetStream(context.Background(), nil, "")
		require.Error(t, err)
	})

	t.Run("default bucket", func(t *testing.T) {
		store := newJetStreamStore(t)
		require.NotNil(t, store.kv)
	})
}

func TestJetStream_RoundTrip(t *testing.T) {
	store := newJetStreamStore(t)
	ctx := context.Background()
	region := types.Region{Base: types.SectorCoord{X: -3, Y: 0}, Dims: 3}

	got, err := store.LoadSnapshot(ctx, region)
	require.NoError(t, err)
	require.Empty(t, got)

	entities := []types.EntitySnapshot{
		{ID: types.EntityID(uuid.New()), Position: types.Vec2{X: -2500, Y: 100}},
		{ID: types.EntityID(uuid.New())},
	}
	require.NoError(t, store.SaveSnapshot(ctx, region, entities))

	got, err = store.LoadSnapshot(ctx, region)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, entities[0].ID, got[0].ID)
	require.Equal(t, entities[0].Position, got[0].Position)
}

func TestJetStream_SaveReplaces(t *testing.T) {
	store := newJetStreamStore(t)
	ctx := context.Background()
	region := types.Region{Base: types.SectorCoord{X: 0, Y: 0}, Dims: 3}

	require.NoError(t, store.SaveSnapshot(ctx, region, []types.EntitySnapshot{
		{ID: types.EntityID(uuid.New())},
		{ID: types.EntityID(uuid.New())},
	}))

	keep := types.EntitySnapshot{ID: types.EntityID(uuid.New())}
	require.NoError(t, store.SaveSnapshot(ctx, region, []types.EntitySnapshot{keep}))

	got, err := store.LoadSnapshot(ctx, region)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, keep.ID, got[0].ID)
}

func TestJetStream_RegionsAreIndependent(t *testing.T) {
	store := newJetStreamStore(t)
	ctx := context.Background()

	a := types.Region{Base: types.SectorCoord{X: 0, Y: 0}, Dims: 3}
	b := types.Region{Base: types.SectorCoord{X: 0, Y: 3}, Dims: 3}

	require.NoError(t, store.SaveSnapshot(ctx, a, []types.EntitySnapshot{{ID: types.EntityID(uuid.New())}}))
	require.NoError(t, store.SaveSnapshot(ctx, b, nil))

	gotA, err := store.LoadSnapshot(ctx, a)
	require.NoError(t, err)
	require.Len(t, gotA, 1)

	gotB, err := store.LoadSnapshot(ctx, b)
	require.NoError(t, err)
	require.Empty(t, gotB)
}
