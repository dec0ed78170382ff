package shadow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/types"
)

func entityAt(x, y float64) types.EntitySnapshot {
	return types.EntitySnapshot{
		ID:       types.EntityID(uuid.New()),
		Position: types.Vec2{X: x, Y: y},
		Velocity: types.Vec2{X: 1, Y: 0},
	}
}

// Static ownership: the scanned cluster belongs to shard-a, everything else
// to shard-b.
func foreignNeighbors(home types.SectorCoord) OwnerFunc {
	return func(base types.SectorCoord) (types.WorkerID, bool) {
		if base == home {
			return "shard-a", true
		}
		return "shard-b", true
	}
}

func TestSynchronizer_Scan(t *testing.T) {
	g := grid.New(1000, 3)
	s := NewSynchronizer(g, 50, nil)
	cluster := types.ClusterID(uuid.New())
	base := types.SectorCoord{X: 0, Y: 0} // spans [0,3000) x [0,3000)
	now := time.Now()

	t.Run("interior entity produces no batches", func(t *testing.T) {
		out := s.Scan("shard-a", cluster, base,
			[]types.EntitySnapshot{entityAt(1500, 1500)},
			foreignNeighbors(base), now)
		require.Nil(t, out)
	})

	t.Run("edge entity reaches one neighbor", func(t *testing.T) {
		out := s.Scan("shard-a", cluster, base,
			[]types.EntitySnapshot{entityAt(2980, 1500)},
			foreignNeighbors(base), now)

		require.Len(t, out, 1)
		require.Equal(t, types.SectorCoord{X: 3, Y: 0}, out[0].DestBase)
		require.Equal(t, types.WorkerID("shard-b"), out[0].DestOwner)
		require.Equal(t, types.WorkerID("shard-a"), out[0].Batch.SourceOwner)
		require.Equal(t, cluster, out[0].Batch.SourceCluster)
		require.Len(t, out[0].Batch.Entities, 1)
	})

	t.Run("corner entity reaches three neighbors", func(t *testing.T) {
		out := s.Scan("shard-a", cluster, base,
			[]types.EntitySnapshot{entityAt(10, 10)},
			foreignNeighbors(base), now)

		require.Len(t, out, 3)
		bases := []types.SectorCoord{out[0].DestBase, out[1].DestBase, out[2].DestBase}
		require.ElementsMatch(t, []types.SectorCoord{
			{X: -3, Y: -3}, {X: 0, Y: -3}, {X: -3, Y: 0},
		}, bases)
	})

	t.Run("same-owner neighbors are skipped", func(t *testing.T) {
		sameOwner := func(types.SectorCoord) (types.WorkerID, bool) {
			return "shard-a", true
		}
		out := s.Scan("shard-a", cluster, base,
			[]types.EntitySnapshot{entityAt(2980, 1500)}, sameOwner, now)
		require.Nil(t, out)
	})

	t.Run("unassigned neighbors are skipped", func(t *testing.T) {
		unassigned := func(types.SectorCoord) (types.WorkerID, bool) {
			return "", false
		}
		out := s.Scan("shard-a", cluster, base,
			[]types.EntitySnapshot{entityAt(2980, 1500)}, unassigned, now)
		require.Nil(t, out)
	})

	t.Run("entities heading to one neighbor share a batch", func(t *testing.T) {
		out := s.Scan("shard-a", cluster, base,
			[]types.EntitySnapshot{entityAt(2980, 1000), entityAt(2990, 2000)},
			foreignNeighbors(base), now)

		require.Len(t, out, 1)
		require.Len(t, out[0].Batch.Entities, 2)
	})
}

func TestRegistry_ApplyAndRefresh(t *testing.T) {
	r := NewRegistry(0)
	e := entityAt(100, 100)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b",
		Timestamp:   t0,
		Entities: []types.ShadowEntityData{{
			EntityID: e.ID, Position: e.Position, Velocity: e.Velocity,
			Components: map[string]json.RawMessage{"hull": json.RawMessage(`{}`)},
		}},
	})

	rec, ok := r.Get(e.ID)
	require.True(t, ok)
	require.Equal(t, types.WorkerID("shard-b"), rec.SourceOwner)
	require.Equal(t, e.Position, rec.Position)
	require.NotEqual(t, uuid.Nil, rec.LocalProxyID)
	proxy := rec.LocalProxyID

	// A refresh moves the record but keeps the local proxy identity.
	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b",
		Timestamp:   t0.Add(time.Second),
		Entities: []types.ShadowEntityData{{
			EntityID: e.ID, Position: types.Vec2{X: 110, Y: 100}, Velocity: e.Velocity,
		}},
	})

	rec, ok = r.Get(e.ID)
	require.True(t, ok)
	require.Equal(t, types.Vec2{X: 110, Y: 100}, rec.Position)
	require.Equal(t, proxy, rec.LocalProxyID)
	require.Equal(t, 1, r.Len())
}

func TestRegistry_IgnoresOlderBatch(t *testing.T) {
	r := NewRegistry(0)
	e := entityAt(100, 100)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b", Timestamp: t0,
		Entities: []types.ShadowEntityData{{EntityID: e.ID, Position: types.Vec2{X: 100}}},
	})
	// A delayed batch from earlier must not rewind the record.
	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b", Timestamp: t0.Add(-time.Second),
		Entities: []types.ShadowEntityData{{EntityID: e.ID, Position: types.Vec2{X: 50}}},
	})

	rec, _ := r.Get(e.ID)
	require.Equal(t, types.Vec2{X: 100}, rec.Position)
}

func TestRegistry_Predict(t *testing.T) {
	r := NewRegistry(0)
	e := entityAt(100, 100)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b", Timestamp: t0,
		Entities: []types.ShadowEntityData{{
			EntityID: e.ID,
			Position: types.Vec2{X: 100, Y: 100},
			Velocity: types.Vec2{X: 10, Y: -5},
		}},
	})

	// Between refreshes the shadow advances by its last known velocity.
	pos, ok := r.Predict(e.ID, t0.Add(2*time.Second))
	require.True(t, ok)
	require.InDelta(t, 120, pos.X, 1e-9)
	require.InDelta(t, 90, pos.Y, 1e-9)

	_, ok = r.Predict(types.EntityID(uuid.New()), t0)
	require.False(t, ok)
}

func TestRegistry_Prune(t *testing.T) {
	r := NewRegistry(3 * time.Second)
	stale := entityAt(1, 1)
	fresh := entityAt(2, 2)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b", Timestamp: t0,
		Entities: []types.ShadowEntityData{{EntityID: stale.ID}},
	})
	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b", Timestamp: t0.Add(2 * time.Second),
		Entities: []types.ShadowEntityData{{EntityID: fresh.ID}},
	})

	dropped := r.Prune(t0.Add(4 * time.Second))
	require.Equal(t, 1, dropped)
	require.Equal(t, 1, r.Len())

	_, ok := r.Get(stale.ID)
	require.False(t, ok)
	_, ok = r.Get(fresh.ID)
	require.True(t, ok)
}

func TestRegistry_RemoveSupersededProxy(t *testing.T) {
	r := NewRegistry(0)
	e := entityAt(1, 1)

	r.Apply(types.BoundaryShadowBatch{
		SourceOwner: "shard-b", Timestamp: time.Now(),
		Entities: []types.ShadowEntityData{{EntityID: e.ID}},
	})
	require.Equal(t, 1, r.Len())

	// The real entity arrived via handoff; the proxy goes away.
	r.Remove(e.ID)
	require.Zero(t, r.Len())
}
