package shadow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dastari/sidereal/types"
)

// DefaultPruneTimeout is how long a shadow record survives without a
// refresh.
const DefaultPruneTimeout = 5 * time.Second

// Registry holds the receiving side's shadow entity records: render and
// query-only proxies of foreign entities near a shared boundary. Safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	records map[types.EntityID]*types.ShadowEntityRecord
	timeout time.Duration
}

// NewRegistry creates a registry. timeout <= 0 uses DefaultPruneTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultPruneTimeout
	}

	return &Registry{
		records: make(map[types.EntityID]*types.ShadowEntityRecord),
		timeout: timeout,
	}
}

// Apply folds one boundary shadow batch into the registry, creating records
// for unseen entities and refreshing known ones. A batch older than a
// record's last update is ignored for that record (shadow traffic is
// unordered best-effort).
func (r *Registry) Apply(batch types.BoundaryShadowBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range batch.Entities {
		rec, ok := r.records[e.EntityID]
		if !ok {
			rec = &types.ShadowEntityRecord{
				SourceOwner:    batch.SourceOwner,
				SourceEntityID: e.EntityID,
				LocalProxyID:   uuid.New(),
			}
			r.records[e.EntityID] = rec
		}
		if batch.Timestamp.Before(rec.LastUpdatedAt) {
			continue
		}
		rec.SourceOwner = batch.SourceOwner
		rec.Position = e.Position
		rec.Velocity = e.Velocity
		rec.Components = e.Components
		rec.LastUpdatedAt = batch.Timestamp
	}
}

// Predict returns the entity's estimated position at now, advancing the
// last known position by the last known velocity. ok is false for unknown
// entities.
func (r *Registry) Predict(entity types.EntityID, now time.Time) (types.Vec2, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[entity]
	if !ok {
		return types.Vec2{}, false
	}

	dt := now.Sub(rec.LastUpdatedAt).Seconds()
	if dt <= 0 {
		return rec.Position, true
	}

	return rec.Position.Add(rec.Velocity.Scale(dt)), true
}

// Get returns a copy of the entity's shadow record.
func (r *Registry) Get(entity types.EntityID) (types.ShadowEntityRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[entity]
	if !ok {
		return types.ShadowEntityRecord{}, false
	}

	return *rec, true
}

// Remove drops an entity's shadow record, e.g. when the real entity arrives
// via handoff and the proxy is superseded.
func (r *Registry) Remove(entity types.EntityID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, entity)
}

// Prune removes every record not refreshed within the timeout and returns
// how many were dropped.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, rec := range r.records {
		if now.Sub(rec.LastUpdatedAt) > r.timeout {
			delete(r.records, id)
			dropped++
		}
	}

	return dropped
}

// Len reports the number of live shadow records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}
