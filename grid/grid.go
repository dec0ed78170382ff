// Package grid implements the pure partition-model math: mapping world
// positions to sectors, sectors to clusters, cluster adjacency, and
// transition-zone tests.
//
// Everything here is deterministic and allocation-light; the lifecycle
// coordinator, the balancer and the shadow synchronizer all build on it.
package grid

import (
	"math"

	"github.com/Dastari/sidereal/types"
)

// Defaults for the partition geometry.
const (
	// DefaultSectorSize is the side length of a sector in world units.
	DefaultSectorSize = 1000.0

	// DefaultClusterDims is the number of sectors per cluster side.
	DefaultClusterDims = 3

	// DefaultTransitionZoneWidth is the width of the boundary band, in
	// world units, inside which entities are mirrored to neighbors.
	DefaultTransitionZoneWidth = 50.0
)

// Grid captures the partition geometry. The zero value is not usable; use New.
type Grid struct {
	sectorSize  float64
	clusterDims int
}

// New creates a grid with the given sector size (world units) and cluster
// dimensions (sectors per side). Non-positive arguments fall back to the
// defaults.
func New(sectorSize float64, clusterDims int) Grid {
	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}
	if clusterDims <= 0 {
		clusterDims = DefaultClusterDims
	}

	return Grid{sectorSize: sectorSize, clusterDims: clusterDims}
}

// SectorSize returns the sector side length in world units.
func (g Grid) SectorSize() float64 { return g.sectorSize }

// ClusterDims returns the number of sectors per cluster side.
func (g Grid) ClusterDims() int { return g.clusterDims }

// ClusterSpan returns the side length of a cluster in world units.
func (g Grid) ClusterSpan() float64 {
	return g.sectorSize * float64(g.clusterDims)
}

// SectorOf returns the sector containing a world position. The world is
// unbounded, so coordinates may be negative.
func (g Grid) SectorOf(pos types.Vec2) types.SectorCoord {
	return types.SectorCoord{
		X: int(math.Floor(pos.X / g.sectorSize)),
		Y: int(math.Floor(pos.Y / g.sectorSize)),
	}
}

// ClusterBaseOf returns the base sector coordinate of the cluster containing
// the given sector.
func (g Grid) ClusterBaseOf(sc types.SectorCoord) types.SectorCoord {
	return types.SectorCoord{
		X: floorDiv(sc.X, g.clusterDims) * g.clusterDims,
		Y: floorDiv(sc.Y, g.clusterDims) * g.clusterDims,
	}
}

// SectorOrigin returns the world position of a sector's lower-left corner.
func (g Grid) SectorOrigin(sc types.SectorCoord) types.Vec2 {
	return types.Vec2{
		X: float64(sc.X) * g.sectorSize,
		Y: float64(sc.Y) * g.sectorSize,
	}
}

// SectorsIn lists all sector coordinates of the cluster at base, in
// deterministic row-major order.
func (g Grid) SectorsIn(base types.SectorCoord) []types.SectorCoord {
	out := make([]types.SectorCoord, 0, g.clusterDims*g.clusterDims)
	for dy := 0; dy < g.clusterDims; dy++ {
		for dx := 0; dx < g.clusterDims; dx++ {
			out = append(out, types.SectorCoord{X: base.X + dx, Y: base.Y + dy})
		}
	}

	return out
}

// NeighborBases lists the bases of the up-to-eight clusters surrounding the
// cluster at base, in deterministic row-major order.
func (g Grid) NeighborBases(base types.SectorCoord) []types.SectorCoord {
	out := make([]types.SectorCoord, 0, 8)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			out = append(out, types.SectorCoord{
				X: base.X + dx*g.clusterDims,
				Y: base.Y + dy*g.clusterDims,
			})
		}
	}

	return out
}

// Adjacent reports whether two cluster bases touch, including diagonally.
func (g Grid) Adjacent(a, b types.SectorCoord) bool {
	if a == b {
		return false
	}
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)

	return dx <= g.clusterDims && dy <= g.clusterDims
}

// BoundaryNeighbors returns the bases of neighboring clusters whose shared
// boundary lies within width world units of pos, for an entity inside the
// cluster at base. An empty result means the entity is outside the
// transition zone. Order is deterministic.
func (g Grid) BoundaryNeighbors(pos types.Vec2, base types.SectorCoord, width float64) []types.SectorCoord {
	origin := g.SectorOrigin(base)
	span := g.ClusterSpan()

	nearLeft := pos.X-origin.X < width
	nearRight := origin.X+span-pos.X < width
	nearDown := pos.Y-origin.Y < width
	nearUp := origin.Y+span-pos.Y < width

	out := make([]types.SectorCoord, 0, 3)
	add := func(dx, dy int) {
		out = append(out, types.SectorCoord{
			X: base.X + dx*g.clusterDims,
			Y: base.Y + dy*g.clusterDims,
		})
	}

	if nearLeft && nearDown {
		add(-1, -1)
	}
	if nearDown {
		add(0, -1)
	}
	if nearRight && nearDown {
		add(1, -1)
	}
	if nearLeft {
		add(-1, 0)
	}
	if nearRight {
		add(1, 0)
	}
	if nearLeft && nearUp {
		add(-1, 1)
	}
	if nearUp {
		add(0, 1)
	}
	if nearRight && nearUp {
		add(1, 1)
	}

	return out
}

// NewCluster builds an inactive Cluster record at base with all sectors
// initialized.
func (g Grid) NewCluster(id types.ClusterID, base types.SectorCoord, zoneWidth float64) *types.Cluster {
	if zoneWidth <= 0 {
		zoneWidth = DefaultTransitionZoneWidth
	}
	sectors := make(map[types.SectorCoord]*types.Sector, g.clusterDims*g.clusterDims)
	for _, sc := range g.SectorsIn(base) {
		sectors[sc] = &types.Sector{
			Coords:   sc,
			Entities: make(map[types.EntityID]struct{}),
		}
	}

	return &types.Cluster{
		ID:                  id,
		Base:                base,
		Dims:                g.clusterDims,
		Sectors:             sectors,
		TransitionZoneWidth: zoneWidth,
	}
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}

	return q
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}
