package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Vec2 is a position or velocity in world units.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns the component-wise sum of v and o.
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{X: v.X + o.X, Y: v.Y + o.Y}
}

// Scale returns v multiplied by s.
func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{X: v.X * s, Y: v.Y * s}
}

// SectorCoord identifies a sector by its integer grid coordinate.
//
// The world is unbounded; sector coordinates may be negative.
type SectorCoord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// String returns the coordinate in "(x,y)" form.
func (c SectorCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// Compare orders coordinates by Y, then X.
//
// Used to make iteration orders deterministic in the balancer and tests.
//
// Returns:
//   - int: -1 if c < o, 0 if equal, +1 if c > o
func (c SectorCoord) Compare(o SectorCoord) int {
	if c.Y != o.Y {
		if c.Y < o.Y {
			return -1
		}

		return 1
	}
	if c.X != o.X {
		if c.X < o.X {
			return -1
		}

		return 1
	}

	return 0
}

// ClusterState is the lifecycle state of a cluster.
//
// Clusters progress through a fixed cycle:
//
//	ClusterUnloaded → ClusterLoading → ClusterActive → ClusterUnloading → ClusterUnloaded
//
// A worker disconnect short-circuits ClusterActive/ClusterLoading straight
// back to ClusterUnloaded (state on the worker is assumed lost).
type ClusterState int

const (
	// ClusterUnloaded means the cluster has no owner and is not simulated.
	ClusterUnloaded ClusterState = iota

	// ClusterLoading means an owner was selected and assignment is in flight,
	// awaiting the worker's ClusterReady acknowledgment.
	ClusterLoading

	// ClusterActive means the cluster has exactly one owner that is simulating it.
	ClusterActive

	// ClusterUnloading means a release was requested, awaiting ClusterReleased.
	ClusterUnloading
)

// String returns the string representation of the state.
func (s ClusterState) String() string {
	switch s {
	case ClusterUnloaded:
		return "Unloaded"
	case ClusterLoading:
		return "Loading"
	case ClusterActive:
		return "Active"
	case ClusterUnloading:
		return "Unloading"
	default:
		return "Unknown"
	}
}

// Sector is the fixed-size atomic unit of spatial partitioning.
type Sector struct {
	// Coords is the sector's grid coordinate.
	Coords SectorCoord `json:"coords"`

	// Entities is the membership set of entity identifiers last reported
	// for this sector.
	Entities map[EntityID]struct{} `json:"-"`

	// Active is true only while the sector belongs to exactly one cluster
	// with an assigned owner.
	Active bool `json:"active"`

	// LastEntitySeenAt is when an entity was last reported inside the sector.
	LastEntitySeenAt time.Time `json:"last_entity_seen_at"`

	// LastPersistedAt is when the sector's entities were last flushed to storage.
	LastPersistedAt time.Time `json:"last_persisted_at"`
}

// ClusterID uniquely identifies a cluster.
type ClusterID = uuid.UUID

// Cluster is a contiguous square group of sectors assigned as a unit to one worker.
type Cluster struct {
	// ID is an opaque unique identifier, stable for the cluster's lifetime.
	ID ClusterID `json:"id"`

	// Base is the sector coordinate of the cluster's lower-left corner.
	Base SectorCoord `json:"base"`

	// Dims is the number of sectors per side.
	Dims int `json:"dims"`

	// Sectors maps sector coordinates to their records. Sectors of distinct
	// clusters never overlap.
	Sectors map[SectorCoord]*Sector `json:"-"`

	// AssignedOwner is the owning worker, or empty when unassigned.
	// A cluster has at most one owner at any instant.
	AssignedOwner WorkerID `json:"assigned_owner,omitempty"`

	// TransitionZoneWidth is the width, in world units, of the boundary band
	// inside which entities are mirrored to neighboring clusters.
	TransitionZoneWidth float64 `json:"transition_zone_width"`
}

// Contains reports whether the sector coordinate falls inside the cluster.
func (c *Cluster) Contains(sc SectorCoord) bool {
	return sc.X >= c.Base.X && sc.X < c.Base.X+c.Dims &&
		sc.Y >= c.Base.Y && sc.Y < c.Base.Y+c.Dims
}

// Region returns the storage region covered by the cluster.
func (c *Cluster) Region() Region {
	return Region{Base: c.Base, Dims: c.Dims}
}

// Region identifies a square block of sectors for snapshot load/save.
type Region struct {
	Base SectorCoord `json:"base"`
	Dims int         `json:"dims"`
}

// String returns the region in "base+dims" form.
func (r Region) String() string {
	return fmt.Sprintf("%s+%d", r.Base, r.Dims)
}
