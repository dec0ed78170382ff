package delta

import (
	"encoding/json"
	"sync"

	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/types"
)

// Applier enforces last-write-wins ordering on incoming deltas. It tracks
// the highest applied tick per entity and field, so deltas arriving out of
// order or duplicated converge to the same state as in-order delivery.
type Applier struct {
	mu sync.Mutex

	applied map[types.EntityID]map[string]uint64
	metrics types.MetricsCollector
}

// NewApplier creates an applier. metrics may be nil.
func NewApplier(m types.MetricsCollector) *Applier {
	if m == nil {
		m = metrics.NewNop()
	}

	return &Applier{
		applied: make(map[types.EntityID]map[string]uint64),
		metrics: m,
	}
}

// Filter returns the deltas from the batch that are newer than anything
// already applied, with stale fields stripped. Dropped fields are counted
// but not reported as errors: staleness is expected under unreliable
// delivery.
func (a *Applier) Filter(batch types.EntityDeltaBatch) []types.EntityDelta {
	a.mu.Lock()
	defer a.mu.Unlock()

	var fresh []types.EntityDelta
	for _, d := range batch.Deltas {
		ticks, ok := a.applied[d.EntityID]
		if !ok {
			ticks = make(map[string]uint64, len(d.Changed))
			a.applied[d.EntityID] = ticks
		}

		changed := make(map[string]json.RawMessage, len(d.Changed))
		for field, value := range d.Changed {
			if last, seen := ticks[field]; seen && d.Tick <= last {
				a.metrics.RecordStaleDelta()
				continue
			}
			ticks[field] = d.Tick
			changed[field] = value
		}
		if len(changed) > 0 {
			fresh = append(fresh, types.EntityDelta{EntityID: d.EntityID, Tick: d.Tick, Changed: changed})
		}
	}

	return fresh
}

// Forget drops ordering state for an entity, e.g. after it leaves this
// receiver or ownership flips and tick domains reset.
func (a *Applier) Forget(entity types.EntityID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.applied, entity)
}
