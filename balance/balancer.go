// Package balance implements the deterministic scoring function used for
// initial cluster placement and for planning rebalance moves.
//
// The balancer is a pure algorithm over registry snapshots: it never sends
// messages and never mutates state. Determinism matters for testability, so
// every choice breaks ties by lowest worker id and all iteration orders are
// fixed.
package balance

import (
	"math"
	"sort"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/types"
)

// Defaults for the scoring function.
const (
	// DefaultPlayerWeight is how many plain entities one player costs.
	DefaultPlayerWeight = 10.0

	// DefaultCapacityCeiling is the score above which a worker receives no
	// new clusters.
	DefaultCapacityCeiling = 10000.0

	// DefaultProximityPenalty is added to a worker's effective score when it
	// owns no cluster adjacent to the target, and subtracted when it does.
	DefaultProximityPenalty = 50.0

	// DefaultRebalanceThreshold is the score spread above which the sweep
	// plans rebalance moves.
	DefaultRebalanceThreshold = 100.0
)

// Config tunes the balancer. Zero fields fall back to the defaults.
type Config struct {
	PlayerWeight       float64
	CapacityCeiling    float64
	ProximityPenalty   float64
	RebalanceThreshold float64

	// MaxMovesPerSweep caps how many handoffs one rebalancing pass may
	// plan, limiting churn. Zero means no cap beyond the cluster count.
	MaxMovesPerSweep int
}

// Move is one planned handoff: release Cluster from From and activate it on To.
type Move struct {
	Cluster types.ClusterID
	Base    types.SectorCoord
	From    types.WorkerID
	To      types.WorkerID
}

// Balancer scores workers and plans placements.
type Balancer struct {
	grid grid.Grid
	cfg  Config
}

// New creates a balancer over the given partition geometry.
func New(g grid.Grid, cfg Config) *Balancer {
	if cfg.PlayerWeight <= 0 {
		cfg.PlayerWeight = DefaultPlayerWeight
	}
	if cfg.CapacityCeiling <= 0 {
		cfg.CapacityCeiling = DefaultCapacityCeiling
	}
	if cfg.ProximityPenalty <= 0 {
		cfg.ProximityPenalty = DefaultProximityPenalty
	}
	if cfg.RebalanceThreshold <= 0 {
		cfg.RebalanceThreshold = DefaultRebalanceThreshold
	}

	return &Balancer{grid: g, cfg: cfg}
}

// Threshold returns the configured rebalance threshold.
func (b *Balancer) Threshold() float64 { return b.cfg.RebalanceThreshold }

// Score computes a worker's load score: entity count plus player count
// weighted by PlayerWeight.
func (b *Balancer) Score(w types.WorkerView) float64 {
	return float64(w.Load.EntityCount) + float64(w.Load.PlayerCount)*b.cfg.PlayerWeight
}

// PickWorker selects the owner for a cluster at base.
//
// Among workers below the capacity ceiling it minimizes
// score + proximityPenalty, where the penalty flips to a bonus for workers
// already owning a cluster adjacent to the target. Ties break by lowest
// worker id.
//
// Parameters:
//   - workers: registry snapshot (any order; sorted internally)
//   - base: base sector coordinate of the cluster to place
//
// Returns:
//   - types.WorkerID: the selected worker
//   - error: types.ErrNoCapacity when no worker is below the ceiling
func (b *Balancer) PickWorker(workers []types.WorkerView, base types.SectorCoord) (types.WorkerID, error) {
	sorted := make([]types.WorkerView, len(workers))
	copy(sorted, workers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var (
		best      types.WorkerID
		bestScore = math.Inf(1)
	)
	for _, w := range sorted {
		score := b.Score(w)
		if score >= b.cfg.CapacityCeiling {
			continue
		}
		effective := score + b.cfg.ProximityPenalty
		if b.ownsAdjacentView(w, base) {
			effective = score - b.cfg.ProximityPenalty
		}
		// Strict less keeps the lowest id on ties.
		if effective < bestScore {
			bestScore = effective
			best = w.ID
		}
	}

	if best == "" {
		return "", types.ErrNoCapacity
	}

	return best, nil
}

// simWorker is the balancer's mutable working copy of one worker during
// rebalance planning.
type simWorker struct {
	id    types.WorkerID
	score float64
	bases map[types.ClusterID]types.SectorCoord
}

// PlanRebalance plans handoffs that shrink the score spread below the
// threshold.
//
// While max(score) - min(score) > threshold, it moves one cluster per step
// from the most loaded worker to the least loaded, preferring clusters
// adjacent to the destination's territory, choosing the cluster whose weight
// best halves the gap, and never touching frozen (mid-transition) clusters.
// Moves are simulated against copied scores so one call plans a coherent
// batch.
//
// Parameters:
//   - workers: registry snapshot
//   - clusterEntities: entity count per cluster, used as move weight
//   - frozen: clusters with an in-flight handoff, excluded from selection
//
// Returns:
//   - []Move: planned handoffs, possibly empty
func (b *Balancer) PlanRebalance(
	workers []types.WorkerView,
	clusterEntities map[types.ClusterID]int,
	frozen map[types.ClusterID]bool,
) []Move {
	if len(workers) < 2 {
		return nil
	}

	sims := make([]*simWorker, 0, len(workers))
	totalClusters := 0
	for _, w := range workers {
		sw := &simWorker{
			id:    w.ID,
			score: b.Score(w),
			bases: make(map[types.ClusterID]types.SectorCoord, len(w.OwnedClusters)),
		}
		for i, id := range w.OwnedClusters {
			sw.bases[id] = w.OwnedBases[i]
		}
		totalClusters += len(w.OwnedClusters)
		sims = append(sims, sw)
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].id < sims[j].id })

	maxMoves := b.cfg.MaxMovesPerSweep
	if maxMoves <= 0 {
		maxMoves = totalClusters
	}

	var moves []Move
	for len(moves) < maxMoves {
		src, dst := spreadEndpoints(sims)
		gap := src.score - dst.score
		if gap <= b.cfg.RebalanceThreshold {
			break
		}

		pick, ok := b.pickMoveCluster(src, dst, gap, clusterEntities, frozen)
		if !ok {
			break
		}

		weight := float64(clusterEntities[pick])
		base := src.bases[pick]
		moves = append(moves, Move{Cluster: pick, Base: base, From: src.id, To: dst.id})

		src.score -= weight
		dst.score += weight
		delete(src.bases, pick)
		dst.bases[pick] = base
	}

	return moves
}

// pickMoveCluster chooses which of src's clusters to hand to dst.
//
// Candidates must be unfrozen with weight strictly inside (0, gap) so every
// move strictly shrinks the pair's spread. Adjacency to dst's territory wins
// first, then closeness of the weight to gap/2, then lowest cluster id.
func (b *Balancer) pickMoveCluster(
	src, dst *simWorker,
	gap float64,
	clusterEntities map[types.ClusterID]int,
	frozen map[types.ClusterID]bool,
) (types.ClusterID, bool) {
	ids := make([]types.ClusterID, 0, len(src.bases))
	for id := range src.bases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	var (
		best         types.ClusterID
		found        bool
		bestAdjacent bool
		bestResidual = math.Inf(1)
	)
	for _, id := range ids {
		if frozen[id] {
			continue
		}
		weight := float64(clusterEntities[id])
		if weight <= 0 || weight >= gap {
			continue
		}
		adjacent := b.adjacentToTerritory(src.bases[id], dst.bases)
		residual := math.Abs(gap - 2*weight)

		better := false
		switch {
		case adjacent && !bestAdjacent:
			better = true
		case adjacent == bestAdjacent && residual < bestResidual:
			better = true
		}
		if better {
			best = id
			found = true
			bestAdjacent = adjacent
			bestResidual = residual
		}
	}

	return best, found
}

// spreadEndpoints returns the most and least loaded simulated workers, ties
// broken by lowest id (sims are pre-sorted by id).
func spreadEndpoints(sims []*simWorker) (src, dst *simWorker) {
	src, dst = sims[0], sims[0]
	for _, sw := range sims[1:] {
		if sw.score > src.score {
			src = sw
		}
		if sw.score < dst.score {
			dst = sw
		}
	}

	return src, dst
}

func (b *Balancer) ownsAdjacentView(w types.WorkerView, base types.SectorCoord) bool {
	for _, owned := range w.OwnedBases {
		if b.grid.Adjacent(owned, base) {
			return true
		}
	}

	return false
}

func (b *Balancer) adjacentToTerritory(base types.SectorCoord, territory map[types.ClusterID]types.SectorCoord) bool {
	for _, owned := range territory {
		if b.grid.Adjacent(owned, base) {
			return true
		}
	}

	return false
}
