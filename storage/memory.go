package storage

import (
	"context"
	"sync"

	"github.com/Dastari/sidereal/types"
)

// Memory implements types.Storage with an in-process map keyed by region.
//
// Useful for tests and single-node demos. Snapshots are deep-copied on both
// save and load so callers never share slices with the store.
type Memory struct {
	mu      sync.RWMutex
	regions map[string][]types.EntitySnapshot
}

var _ types.Storage = (*Memory)(nil)

// NewMemory creates an empty in-memory snapshot store.
//
// Returns:
//   - *Memory: Initialized empty store
func NewMemory() *Memory {
	return &Memory{
		regions: make(map[string][]types.EntitySnapshot),
	}
}

// LoadSnapshot returns the persisted entities for a region. A region that
// was never saved returns an empty slice.
func (m *Memory) LoadSnapshot(_ context.Context, region types.Region) ([]types.EntitySnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.regions[region.String()]
	result := make([]types.EntitySnapshot, 0, len(stored))
	for i := range stored {
		result = append(result, stored[i].Clone())
	}

	return result, nil
}

// SaveSnapshot replaces the region's persisted entities.
func (m *Memory) SaveSnapshot(_ context.Context, region types.Region, entities []types.EntitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]types.EntitySnapshot, 0, len(entities))
	for i := range entities {
		stored = append(stored, entities[i].Clone())
	}
	m.regions[region.String()] = stored

	return nil
}

// Regions reports how many distinct regions hold a snapshot.
func (m *Memory) Regions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.regions)
}
