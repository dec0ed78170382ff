package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/Dastari/sidereal"
	"github.com/Dastari/sidereal/storage"
	sidetest "github.com/Dastari/sidereal/testing"
	"github.com/Dastari/sidereal/types"
	"github.com/Dastari/sidereal/worker"
)

// fakeSim is a minimal Simulation that records every call and keeps the
// entities of loaded clusters in memory.
type fakeSim struct {
	mu       sync.Mutex
	clusters map[types.ClusterID][]types.EntitySnapshot
	entered  []types.EntityEnterSector
	exited   []types.ConfirmExit
	acked    []types.AcknowledgeTransition
	unloaded []types.ClusterID
	stats    types.LoadStats
}

func newFakeSim() *fakeSim {
	return &fakeSim{clusters: make(map[types.ClusterID][]types.EntitySnapshot)}
}

func (f *fakeSim) LoadCluster(_ context.Context, assign types.AssignCluster, entities []types.EntitySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters[assign.ClusterID] = append([]types.EntitySnapshot(nil), entities...)

	return nil
}

func (f *fakeSim) UnloadCluster(_ context.Context, cluster types.ClusterID) ([]types.EntitySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entities := f.clusters[cluster]
	delete(f.clusters, cluster)
	f.unloaded = append(f.unloaded, cluster)

	return entities, nil
}

func (f *fakeSim) EntityEntered(_ context.Context, msg types.EntityEnterSector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = append(f.entered, msg)
	f.clusters[msg.Cluster] = append(f.clusters[msg.Cluster], msg.Snapshot)

	return nil
}

func (f *fakeSim) EntityExited(_ context.Context, msg types.ConfirmExit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = append(f.exited, msg)
	for cluster, entities := range f.clusters {
		for i := range entities {
			if entities[i].ID == msg.EntityID {
				f.clusters[cluster] = append(entities[:i], entities[i+1:]...)

				break
			}
		}
	}

	return nil
}

func (f *fakeSim) TransitionAcknowledged(_ context.Context, msg types.AcknowledgeTransition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msg)

	return nil
}

func (f *fakeSim) ClusterEntities(cluster types.ClusterID) []types.EntitySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]types.EntitySnapshot(nil), f.clusters[cluster]...)
}

func (f *fakeSim) LoadStats() types.LoadStats {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.stats
}

func (f *fakeSim) setStats(stats types.LoadStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
}

func (f *fakeSim) addEntity(cluster types.ClusterID, snap types.EntitySnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clusters[cluster] = append(f.clusters[cluster], snap)
}

func (f *fakeSim) loadedClusters() []types.ClusterID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]types.ClusterID, 0, len(f.clusters))
	for id := range f.clusters {
		ids = append(ids, id)
	}

	return ids
}

func startCoordinator(t *testing.T, nc *nats.Conn, store types.Storage) *sidereal.Coordinator {
	t.Helper()

	cfg := sidereal.TestConfig()
	cfg.EmptyTimeout = time.Minute
	if store == nil {
		store = storage.NewMemory()
	}

	coord, err := sidereal.NewCoordinator(&cfg, nc, store,
		sidereal.WithLogger(sidetest.NewTestLogger(t)))
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})

	return coord
}

func startShard(t *testing.T, nc *nats.Conn, sim worker.Simulation, store types.Storage) *worker.Shard {
	t.Helper()

	cfg := worker.TestConfig()
	if store == nil {
		store = storage.NewMemory()
	}

	shard, err := worker.New(&cfg, nc, sim, store,
		worker.WithLogger(sidetest.NewTestLogger(t)))
	require.NoError(t, err)
	require.NoError(t, shard.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shard.Stop(ctx)
	})

	return shard
}

// waitActive blocks until the cluster at base is Active and returns its
// info.
func waitActive(t *testing.T, coord *sidereal.Coordinator, base types.SectorCoord) sidereal.ClusterInfo {
	t.Helper()

	var info sidereal.ClusterInfo
	require.Eventually(t, func() bool {
		got, ok := coord.LookupSector(base)
		if !ok || got.State != types.ClusterActive {
			return false
		}
		info = got

		return true
	}, 10*time.Second, 20*time.Millisecond, "cluster at %s never became active", base)

	return info
}

// raiseLoad reports heavy load for a worker and waits for the coordinator
// to apply it, so the next placement goes elsewhere.
func raiseLoad(t *testing.T, coord *sidereal.Coordinator, sim *fakeSim, id types.WorkerID) {
	t.Helper()

	sim.setStats(types.LoadStats{EntityCount: 500})
	require.Eventually(t, func() bool {
		for _, w := range coord.Workers() {
			if w.ID == id && w.Load.EntityCount == 500 {
				return true
			}
		}

		return false
	}, 10*time.Second, 20*time.Millisecond, "load report never applied")
}

func TestNew(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	sim := newFakeSim()

	t.Run("nil config", func(t *testing.T) {
		_, err := worker.New(nil, nc, sim, storage.NewMemory())
		require.ErrorIs(t, err, worker.ErrInvalidConfig)
	})

	t.Run("nil connection", func(t *testing.T) {
		cfg := worker.TestConfig()
		_, err := worker.New(&cfg, nil, sim, storage.NewMemory())
		require.ErrorIs(t, err, worker.ErrNATSConnectionRequired)
	})

	t.Run("nil simulation", func(t *testing.T) {
		cfg := worker.TestConfig()
		_, err := worker.New(&cfg, nc, nil, storage.NewMemory())
		require.ErrorIs(t, err, worker.ErrSimulationRequired)
	})

	t.Run("nil storage", func(t *testing.T) {
		cfg := worker.TestConfig()
		_, err := worker.New(&cfg, nc, sim, nil)
		require.ErrorIs(t, err, worker.ErrStorageRequired)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := worker.TestConfig()
		cfg.SectorSize = -5
		_, err := worker.New(&cfg, nc, sim, storage.NewMemory())
		require.ErrorIs(t, err, worker.ErrInvalidConfig)
	})
}

func TestShard_RegistersAndActivates(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)

	// Seed the world so the activation carries entities.
	seeded := storage.NewMemory()
	entity := types.EntitySnapshot{
		ID:       uuid.New(),
		Position: types.Vec2{X: 500, Y: 500},
		Sector:   types.SectorCoord{X: 0, Y: 0},
	}
	region := types.Region{Base: types.SectorCoord{X: 0, Y: 0}, Dims: 3}
	require.NoError(t, seeded.SaveSnapshot(context.Background(), region, []types.EntitySnapshot{entity}))

	coord := startCoordinator(t, nc, seeded)
	sim := newFakeSim()
	shard := startShard(t, nc, sim, nil)

	require.Equal(t, types.WorkerID("shard-0"), shard.ID())

	base := types.SectorCoord{X: 0, Y: 0}
	require.NoError(t, coord.ActivateCluster(context.Background(), base))

	info := waitActive(t, coord, base)
	require.Equal(t, shard.ID(), info.Owner)
	require.Contains(t, shard.OwnedClusters(), info.Cluster)

	// The seeded entity arrived with the initial state.
	entities := sim.ClusterEntities(info.Cluster)
	require.Len(t, entities, 1)
	require.Equal(t, entity.ID, entities[0].ID)
}

func TestShard_StopFlushesOwnedClusters(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)

	sim := newFakeSim()
	flushStore := storage.NewMemory()
	shard := startShard(t, nc, sim, flushStore)

	base := types.SectorCoord{X: 0, Y: 0}
	require.NoError(t, coord.ActivateCluster(context.Background(), base))
	info := waitActive(t, coord, base)

	entity := types.EntitySnapshot{
		ID:       uuid.New(),
		Position: types.Vec2{X: 1500, Y: 200},
		Sector:   types.SectorCoord{X: 1, Y: 0},
		Cluster:  info.Cluster,
	}
	sim.addEntity(info.Cluster, entity)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, shard.Stop(ctx))

	// The final cluster state reached storage before deregistration.
	region := types.Region{Base: base, Dims: 3}
	persisted, err := flushStore.LoadSnapshot(context.Background(), region)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.Equal(t, entity.ID, persisted[0].ID)

	require.Contains(t, sim.unloaded, info.Cluster)
	require.ErrorIs(t, shard.Stop(ctx), worker.ErrNotStarted)
}

func TestShard_TransitionHandoff(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)

	sim1 := newFakeSim()
	shard1 := startShard(t, nc, sim1, nil)
	sim2 := newFakeSim()
	shard2 := startShard(t, nc, sim2, nil)

	baseA := types.SectorCoord{X: 0, Y: 0}
	require.NoError(t, coord.ActivateCluster(context.Background(), baseA))
	infoA := waitActive(t, coord, baseA)
	require.Equal(t, shard1.ID(), infoA.Owner, "lowest id wins the tie")

	raiseLoad(t, coord, sim1, shard1.ID())

	baseB := types.SectorCoord{X: 9, Y: 0}
	require.NoError(t, coord.ActivateCluster(context.Background(), baseB))
	infoB := waitActive(t, coord, baseB)
	require.Equal(t, shard2.ID(), infoB.Owner)

	// An entity simulated by shard1 crosses into shard2's territory.
	entity := types.EntitySnapshot{
		ID:       uuid.New(),
		Position: types.Vec2{X: 9000.5, Y: 100},
		Velocity: types.Vec2{X: 2, Y: 0},
		Sector:   types.SectorCoord{X: 9, Y: 0},
		Cluster:  infoA.Cluster,
	}
	sim1.addEntity(infoA.Cluster, entity)

	require.NoError(t, shard1.RequestTransition(context.Background(), entity, types.SectorCoord{X: 9, Y: 0}))

	require.Eventually(t, func() bool {
		sim1.mu.Lock()
		exited := len(sim1.exited)
		sim1.mu.Unlock()
		sim2.mu.Lock()
		entered := len(sim2.entered)
		sim2.mu.Unlock()

		return exited == 1 && entered == 1
	}, 10*time.Second, 20*time.Millisecond, "handoff never completed")

	sim1.mu.Lock()
	exit := sim1.exited[0]
	sim1.mu.Unlock()
	require.Equal(t, entity.ID, exit.EntityID)

	sim2.mu.Lock()
	enter := sim2.entered[0]
	sim2.mu.Unlock()
	require.Equal(t, entity.ID, enter.EntityID)
	require.Equal(t, infoB.Cluster, enter.Cluster)
	require.Equal(t, entity.ID, enter.Snapshot.ID)

	// The exiting side no longer simulates the entity; the entering side
	// does.
	require.Empty(t, sim1.ClusterEntities(infoA.Cluster))
	require.Len(t, sim2.ClusterEntities(infoB.Cluster), 1)
}

func TestShard_BoundaryShadows(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)

	sim1 := newFakeSim()
	shard1 := startShard(t, nc, sim1, nil)
	sim2 := newFakeSim()
	shard2 := startShard(t, nc, sim2, nil)

	baseA := types.SectorCoord{X: 0, Y: 0}
	require.NoError(t, coord.ActivateCluster(context.Background(), baseA))
	infoA := waitActive(t, coord, baseA)
	require.Equal(t, shard1.ID(), infoA.Owner)

	raiseLoad(t, coord, sim1, shard1.ID())

	baseB := types.SectorCoord{X: 3, Y: 0}
	require.NoError(t, coord.ActivateCluster(context.Background(), baseB))
	infoB := waitActive(t, coord, baseB)
	require.Equal(t, shard2.ID(), infoB.Owner)

	// Entity sits inside the transition zone of the east cluster edge
	// (boundary at x=3000, zone width 50).
	entity := types.EntitySnapshot{
		ID:       uuid.New(),
		Position: types.Vec2{X: 2980, Y: 1500},
		Velocity: types.Vec2{X: 5, Y: 0},
		Sector:   types.SectorCoord{X: 2, Y: 1},
		Cluster:  infoA.Cluster,
	}
	sim1.addEntity(infoA.Cluster, entity)

	require.Eventually(t, func() bool {
		_, ok := shard2.Shadows().Get(entity.ID)

		return ok
	}, 10*time.Second, 20*time.Millisecond, "shadow never arrived")

	rec, ok := shard2.Shadows().Get(entity.ID)
	require.True(t, ok)
	require.Equal(t, shard1.ID(), rec.SourceOwner)
	require.InDelta(t, 2980, rec.Position.X, 0.001)
	require.InDelta(t, 5, rec.Velocity.X, 0.001)

	// Prediction advances the shadow by its last known velocity.
	predicted, ok := shard2.Shadows().Predict(entity.ID, rec.LastUpdatedAt.Add(2*time.Second))
	require.True(t, ok)
	require.InDelta(t, 2990, predicted.X, 0.001)

	// An entity outside the zone casts no shadow on shard1's side.
	require.Equal(t, 0, shard1.Shadows().Len())
}

func TestShard_DeltaPublishing(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)
	_ = coord

	sim := newFakeSim()
	shard := startShard(t, nc, sim, nil)

	var (
		mu      sync.Mutex
		batches []types.EntityDeltaBatch
	)
	sub, err := nc.Subscribe(types.DeltaSubject(shard.ID()), func(msg *nats.Msg) {
		var batch types.EntityDeltaBatch
		if json.Unmarshal(msg.Data, &batch) == nil {
			mu.Lock()
			batches = append(batches, batch)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	entity := uuid.New()
	shard.RecordSnapshot(types.EntitySnapshot{
		ID:       entity,
		Position: types.Vec2{X: 10, Y: 20},
		Velocity: types.Vec2{X: 1, Y: 1},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(batches) >= 1
	}, 10*time.Second, 20*time.Millisecond, "no delta batch published")

	mu.Lock()
	batch := batches[0]
	mu.Unlock()
	require.Equal(t, shard.ID(), batch.Owner)
	require.NotZero(t, batch.Tick)
	require.Len(t, batch.Deltas, 1)
	require.Equal(t, entity, batch.Deltas[0].EntityID)
	require.Contains(t, batch.Deltas[0].Changed, types.FieldPosition)

	// A quiet tick publishes nothing: no further batches once flushed.
	mu.Lock()
	count := len(batches)
	mu.Unlock()
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	require.Equal(t, count, len(batches), "quiet ticks must not publish")
	mu.Unlock()

	// A single field change flushes alone.
	shard.RecordChange(entity, types.FieldVelocity, json.RawMessage(`{"x":3,"y":0}`))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(batches) <= count {
			return false
		}
		last := batches[len(batches)-1]

		return len(last.Deltas) == 1 && len(last.Deltas[0].Changed) == 1
	}, 10*time.Second, 20*time.Millisecond)
}
