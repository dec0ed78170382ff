package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/types"
)

type fakeShard struct {
	mu       sync.Mutex
	requests []types.SectorCoord
	failNext bool
}

func (f *fakeShard) RecordChange(types.EntityID, string, json.RawMessage) {}

func (f *fakeShard) RequestTransition(_ context.Context, _ types.EntitySnapshot, target types.SectorCoord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext {
		f.failNext = false
		return types.ErrConnectivity
	}
	f.requests = append(f.requests, target)

	return nil
}

func (f *fakeShard) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.requests)
}

func newTestSimulation(t *testing.T) (*simulation, *fakeShard, types.ClusterID) {
	t.Helper()

	sim := newSimulation(grid.New(100, 3), slog.New(slog.NewTextHandler(io.Discard, nil)))
	shard := &fakeShard{}
	sim.attach(shard)

	cluster := uuid.New()
	err := sim.LoadCluster(context.Background(), types.AssignCluster{
		Version:             types.ProtocolVersion,
		ClusterID:           cluster,
		Base:                types.SectorCoord{X: 0, Y: 0},
		Dims:                3,
		TransitionZoneWidth: 10,
	}, nil)
	require.NoError(t, err)

	return sim, shard, cluster
}

func TestSimulation_Step(t *testing.T) {
	t.Run("crossing within footprint moves sector without handoff", func(t *testing.T) {
		sim, shard, cluster := newTestSimulation(t)
		require.NoError(t, sim.EntityEntered(context.Background(), types.EntityEnterSector{
			EntityID: uuid.New(),
			Sector:   types.SectorCoord{X: 0, Y: 0},
			Cluster:  cluster,
			Snapshot: types.EntitySnapshot{
				Position: types.Vec2{X: 95, Y: 50},
				Velocity: types.Vec2{X: 100, Y: 0},
			},
		}))

		sim.step(context.Background(), 0.1)

		entities := sim.ClusterEntities(cluster)
		require.Len(t, entities, 1)
		require.Equal(t, types.SectorCoord{X: 1, Y: 0}, entities[0].Sector)
		require.Zero(t, shard.requestCount())
	})

	t.Run("leaving footprint requests exactly one handoff", func(t *testing.T) {
		sim, shard, cluster := newTestSimulation(t)
		entity := uuid.New()
		require.NoError(t, sim.EntityEntered(context.Background(), types.EntityEnterSector{
			EntityID: entity,
			Sector:   types.SectorCoord{X: 2, Y: 0},
			Cluster:  cluster,
			Snapshot: types.EntitySnapshot{
				Position: types.Vec2{X: 295, Y: 50},
				Velocity: types.Vec2{X: 100, Y: 0},
			},
		}))

		// The entity keeps drifting past the boundary while the exit is
		// pending; every tick must not re-issue the request.
		for i := 0; i < 5; i++ {
			sim.step(context.Background(), 0.1)
		}

		require.Eventually(t, func() bool {
			return shard.requestCount() == 1
		}, time.Second, 5*time.Millisecond)

		sim.step(context.Background(), 0.1)
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, 1, shard.requestCount())

		shard.mu.Lock()
		target := shard.requests[0]
		shard.mu.Unlock()
		require.Equal(t, types.SectorCoord{X: 3, Y: 0}, target)
	})

	t.Run("failed request is retried on a later tick", func(t *testing.T) {
		sim, shard, cluster := newTestSimulation(t)
		shard.failNext = true

		entity := uuid.New()
		require.NoError(t, sim.EntityEntered(context.Background(), types.EntityEnterSector{
			EntityID: entity,
			Sector:   types.SectorCoord{X: 2, Y: 0},
			Cluster:  cluster,
			Snapshot: types.EntitySnapshot{
				Position: types.Vec2{X: 295, Y: 50},
				Velocity: types.Vec2{X: 100, Y: 0},
			},
		}))

		sim.step(context.Background(), 0.1)
		require.Eventually(t, func() bool {
			sim.mu.Lock()
			defer sim.mu.Unlock()

			return len(sim.inFlight) == 0
		}, time.Second, 5*time.Millisecond)

		sim.step(context.Background(), 0.1)
		require.Eventually(t, func() bool {
			return shard.requestCount() == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("confirmed exit removes the entity", func(t *testing.T) {
		sim, shard, cluster := newTestSimulation(t)
		entity := uuid.New()
		require.NoError(t, sim.EntityEntered(context.Background(), types.EntityEnterSector{
			EntityID: entity,
			Sector:   types.SectorCoord{X: 2, Y: 0},
			Cluster:  cluster,
			Snapshot: types.EntitySnapshot{
				Position: types.Vec2{X: 295, Y: 50},
				Velocity: types.Vec2{X: 100, Y: 0},
			},
		}))

		sim.step(context.Background(), 0.1)
		require.Eventually(t, func() bool {
			return shard.requestCount() == 1
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, sim.EntityExited(context.Background(), types.ConfirmExit{EntityID: entity}))
		require.Empty(t, sim.ClusterEntities(cluster))
	})
}
