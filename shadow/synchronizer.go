package shadow

import (
	"sort"
	"time"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/types"
)

// OwnerFunc resolves the current owner of the cluster at base. ok is false
// when the cluster is unassigned; unassigned neighbors receive no shadows.
type OwnerFunc func(base types.SectorCoord) (types.WorkerID, bool)

// Outbound is one shadow batch addressed to a neighboring cluster.
type Outbound struct {
	DestBase  types.SectorCoord
	DestOwner types.WorkerID
	Batch     types.BoundaryShadowBatch
}

// Synchronizer builds boundary shadow batches for a worker's owned
// clusters. It is stateless between scans; the scan interval is the
// caller's.
type Synchronizer struct {
	g       grid.Grid
	width   float64
	metrics types.MetricsCollector
}

// NewSynchronizer creates a synchronizer. width is the transition zone
// width in world units; m may be nil.
func NewSynchronizer(g grid.Grid, width float64, m types.MetricsCollector) *Synchronizer {
	if width <= 0 {
		width = grid.DefaultTransitionZoneWidth
	}
	if m == nil {
		m = metrics.NewNop()
	}

	return &Synchronizer{g: g, width: width, metrics: m}
}

// Scan collects the entities of one owned cluster that sit within the
// transition zone of a cluster edge and batches them per neighboring
// cluster owned by a different worker.
//
// Parameters:
//   - owner: the scanning worker (stamped as SourceOwner)
//   - cluster: id of the scanned cluster
//   - base: the scanned cluster's base sector coordinate
//   - entities: the cluster's authoritative entities
//   - ownerOf: neighbor ownership lookup
//   - now: batch timestamp
//
// Returns:
//   - []Outbound: one batch per foreign neighbor with entities in range,
//     ordered by destination base for determinism
func (s *Synchronizer) Scan(
	owner types.WorkerID,
	cluster types.ClusterID,
	base types.SectorCoord,
	entities []types.EntitySnapshot,
	ownerOf OwnerFunc,
	now time.Time,
) []Outbound {
	byDest := make(map[types.SectorCoord]*Outbound)

	for i := range entities {
		e := &entities[i]
		for _, nb := range s.g.BoundaryNeighbors(e.Position, base, s.width) {
			destOwner, ok := ownerOf(nb)
			if !ok || destOwner == owner {
				continue
			}
			out, seen := byDest[nb]
			if !seen {
				out = &Outbound{
					DestBase:  nb,
					DestOwner: destOwner,
					Batch: types.BoundaryShadowBatch{
						Version:       types.ProtocolVersion,
						SourceOwner:   owner,
						SourceCluster: cluster,
						Timestamp:     now,
					},
				}
				byDest[nb] = out
			}
			out.Batch.Entities = append(out.Batch.Entities, types.ShadowEntityData{
				EntityID:   e.ID,
				Position:   e.Position,
				Velocity:   e.Velocity,
				Components: e.Components,
			})
		}
	}

	if len(byDest) == 0 {
		return nil
	}

	batches := make([]Outbound, 0, len(byDest))
	for _, out := range byDest {
		batches = append(batches, *out)
	}
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].DestBase.Compare(batches[j].DestBase) < 0
	})

	for i := range batches {
		s.metrics.RecordShadowBatch(owner, len(batches[i].Batch.Entities))
	}

	return batches
}
