package types

import "context"

// Storage is the persistent snapshot collaborator consumed by the core.
//
// It is called only at cluster activation and deactivation boundaries, never
// per-tick. Implementations must be safe for concurrent use.
type Storage interface {
	// LoadSnapshot returns the persisted entities for a region. A region
	// with no persisted state returns an empty slice, not an error.
	LoadSnapshot(ctx context.Context, region Region) ([]EntitySnapshot, error)

	// SaveSnapshot persists the entities for a region, replacing any
	// previous snapshot of that region.
	SaveSnapshot(ctx context.Context, region Region, entities []EntitySnapshot) error
}
