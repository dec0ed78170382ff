package balance

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/types"
)

func testGrid() grid.Grid {
	return grid.New(1000, 3)
}

func worker(id string, entities, players int, bases ...types.SectorCoord) types.WorkerView {
	clusters := make([]types.ClusterID, len(bases))
	for i := range bases {
		// Deterministic ids keyed by base, so tests can reference them.
		clusters[i] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id+bases[i].String()))
	}

	return types.WorkerView{
		ID:            types.WorkerID(id),
		Load:          types.LoadStats{EntityCount: entities, PlayerCount: players},
		OwnedClusters: clusters,
		OwnedBases:    bases,
	}
}

func TestBalancer_Score(t *testing.T) {
	b := New(testGrid(), Config{PlayerWeight: 10})

	got := b.Score(worker("shard-0", 100, 5))

	require.Equal(t, 150.0, got)
}

func TestBalancer_PickWorker(t *testing.T) {
	g := testGrid()
	target := types.SectorCoord{X: 3, Y: 0}

	t.Run("prefers least loaded worker", func(t *testing.T) {
		b := New(g, Config{})
		workers := []types.WorkerView{
			worker("shard-0", 500, 0),
			worker("shard-1", 100, 0),
		}

		id, err := b.PickWorker(workers, target)

		require.NoError(t, err)
		require.Equal(t, types.WorkerID("shard-1"), id)
	})

	t.Run("adjacency bonus beats a small load gap", func(t *testing.T) {
		b := New(g, Config{ProximityPenalty: 50})
		workers := []types.WorkerView{
			// shard-0 owns the cluster at (0,0), adjacent to the target (3,0).
			worker("shard-0", 180, 0, types.SectorCoord{X: 0, Y: 0}),
			worker("shard-1", 100, 0),
		}

		id, err := b.PickWorker(workers, target)

		// Effective: shard-0 = 180-50 = 130, shard-1 = 100+50 = 150.
		require.NoError(t, err)
		require.Equal(t, types.WorkerID("shard-0"), id)
	})

	t.Run("skips workers at capacity", func(t *testing.T) {
		b := New(g, Config{CapacityCeiling: 200})
		workers := []types.WorkerView{
			worker("shard-0", 250, 0),
			worker("shard-1", 150, 0),
		}

		id, err := b.PickWorker(workers, target)

		require.NoError(t, err)
		require.Equal(t, types.WorkerID("shard-1"), id)
	})

	t.Run("fails when all workers at capacity", func(t *testing.T) {
		b := New(g, Config{CapacityCeiling: 200})
		workers := []types.WorkerView{worker("shard-0", 250, 0)}

		_, err := b.PickWorker(workers, target)

		require.ErrorIs(t, err, types.ErrNoCapacity)
	})

	t.Run("ties break by lowest worker id", func(t *testing.T) {
		b := New(g, Config{})
		workers := []types.WorkerView{
			worker("shard-2", 100, 0),
			worker("shard-1", 100, 0),
		}

		id, err := b.PickWorker(workers, target)

		require.NoError(t, err)
		require.Equal(t, types.WorkerID("shard-1"), id)
	})
}

func TestBalancer_PlanRebalance(t *testing.T) {
	g := testGrid()

	t.Run("no moves when spread is below threshold", func(t *testing.T) {
		b := New(g, Config{RebalanceThreshold: 100})
		workers := []types.WorkerView{
			worker("shard-0", 150, 0, types.SectorCoord{X: 0, Y: 0}),
			worker("shard-1", 100, 0, types.SectorCoord{X: 3, Y: 0}),
		}

		moves := b.PlanRebalance(workers, map[types.ClusterID]int{}, nil)

		require.Empty(t, moves)
	})

	t.Run("moves a cluster from most to least loaded", func(t *testing.T) {
		b := New(g, Config{RebalanceThreshold: 100})
		heavy := worker("shard-0", 400, 0,
			types.SectorCoord{X: 0, Y: 0},
			types.SectorCoord{X: 3, Y: 0},
		)
		light := worker("shard-1", 0, 0, types.SectorCoord{X: 6, Y: 0})

		loads := map[types.ClusterID]int{
			heavy.OwnedClusters[0]: 200,
			heavy.OwnedClusters[1]: 200,
			light.OwnedClusters[0]: 0,
		}

		moves := b.PlanRebalance([]types.WorkerView{heavy, light}, loads, nil)

		require.Len(t, moves, 1)
		require.Equal(t, types.WorkerID("shard-0"), moves[0].From)
		require.Equal(t, types.WorkerID("shard-1"), moves[0].To)
		// The cluster at (3,0) is adjacent to shard-1's territory at (6,0).
		require.Equal(t, types.SectorCoord{X: 3, Y: 0}, moves[0].Base)
	})

	t.Run("never selects a frozen cluster", func(t *testing.T) {
		b := New(g, Config{RebalanceThreshold: 100})
		heavy := worker("shard-0", 400, 0, types.SectorCoord{X: 0, Y: 0})
		light := worker("shard-1", 0, 0)

		loads := map[types.ClusterID]int{heavy.OwnedClusters[0]: 400}
		frozen := map[types.ClusterID]bool{heavy.OwnedClusters[0]: true}

		moves := b.PlanRebalance([]types.WorkerView{heavy, light}, loads, frozen)

		require.Empty(t, moves)
	})

	t.Run("single worker never rebalances", func(t *testing.T) {
		b := New(g, Config{})
		moves := b.PlanRebalance([]types.WorkerView{worker("shard-0", 9000, 0)}, nil, nil)
		require.Empty(t, moves)
	})
}

// Convergence: applying planned moves repeatedly to a fixed load distribution
// reaches max(score)-min(score) <= threshold within a bounded number of
// sweeps.
func TestBalancer_RebalanceConvergence(t *testing.T) {
	g := testGrid()
	const threshold = 100.0
	b := New(g, Config{RebalanceThreshold: threshold})

	// One overloaded worker with eight equally weighted clusters, three idle
	// workers.
	bases := []types.SectorCoord{
		{X: 0, Y: 0}, {X: 3, Y: 0}, {X: 6, Y: 0}, {X: 9, Y: 0},
		{X: 0, Y: 3}, {X: 3, Y: 3}, {X: 6, Y: 3}, {X: 9, Y: 3},
	}
	heavy := worker("shard-0", 800, 0, bases...)
	workers := []types.WorkerView{
		heavy,
		worker("shard-1", 0, 0),
		worker("shard-2", 0, 0),
		worker("shard-3", 0, 0),
	}
	loads := map[types.ClusterID]int{}
	for _, id := range heavy.OwnedClusters {
		loads[id] = 100
	}

	owners := map[types.ClusterID]int{} // cluster -> workers index
	for _, id := range heavy.OwnedClusters {
		owners[id] = 0
	}

	const maxSweeps = 10
	for sweep := 0; sweep < maxSweeps; sweep++ {
		moves := b.PlanRebalance(workers, loads, nil)
		if len(moves) == 0 {
			break
		}
		// Apply the planned moves to the synthetic registry snapshot.
		for _, mv := range moves {
			for i := range workers {
				w := &workers[i]
				switch w.ID {
				case mv.From:
					for j, id := range w.OwnedClusters {
						if id == mv.Cluster {
							w.OwnedClusters = append(w.OwnedClusters[:j], w.OwnedClusters[j+1:]...)
							w.OwnedBases = append(w.OwnedBases[:j], w.OwnedBases[j+1:]...)
							break
						}
					}
					w.Load.EntityCount -= loads[mv.Cluster]
				case mv.To:
					w.OwnedClusters = append(w.OwnedClusters, mv.Cluster)
					w.OwnedBases = append(w.OwnedBases, mv.Base)
					w.Load.EntityCount += loads[mv.Cluster]
				}
			}
		}
	}

	minScore, maxScore := b.Score(workers[0]), b.Score(workers[0])
	for _, w := range workers[1:] {
		s := b.Score(w)
		if s < minScore {
			minScore = s
		}
		if s > maxScore {
			maxScore = s
		}
	}
	require.LessOrEqual(t, maxScore-minScore, threshold,
		"scores %v did not converge", workers)
}
