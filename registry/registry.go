// Package registry tracks connected shard workers: their reported load,
// their heartbeats, and the clusters each one owns.
//
// The registry is pure bookkeeping. Assignment decisions live in the balance
// package and the lifecycle coordinator; nothing here initiates messages or
// mutates cluster state.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Dastari/sidereal/types"
)

type record struct {
	id              types.WorkerID
	name            string
	load            types.LoadStats
	owned           map[types.ClusterID]types.SectorCoord // cluster id -> base
	registeredAt    time.Time
	lastHeartbeatAt time.Time
}

// Registry is a thread-safe worker table.
type Registry struct {
	mu      sync.RWMutex
	workers map[types.WorkerID]*record
	clock   func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		workers: make(map[types.WorkerID]*record),
		clock:   time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock = clock
}

// Register adds a worker. Re-registering an existing id resets its record;
// a reconnecting worker starts with no owned clusters (the lifecycle
// coordinator re-assigns explicitly).
//
// Parameters:
//   - id: coordinator-allocated worker id
//   - name: optional operator-facing label
func (r *Registry) Register(id types.WorkerID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	r.workers[id] = &record{
		id:              id,
		name:            name,
		owned:           make(map[types.ClusterID]types.SectorCoord),
		registeredAt:    now,
		lastHeartbeatAt: now,
	}
}

// Deregister removes a worker. Removing an unknown id is a no-op.
func (r *Registry) Deregister(id types.WorkerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.workers, id)
}

// UpdateLoad records a worker's load report and refreshes its heartbeat.
//
// Returns:
//   - error: types.ErrUnknownWorker if the id is not registered
func (r *Registry) UpdateLoad(id types.WorkerID, load types.LoadStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("update load for %s: %w", id, types.ErrUnknownWorker)
	}
	rec.load = load
	rec.lastHeartbeatAt = r.clock()

	return nil
}

// Heartbeat refreshes a worker's liveness timestamp.
//
// Returns:
//   - error: types.ErrUnknownWorker if the id is not registered
func (r *Registry) Heartbeat(id types.WorkerID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("heartbeat for %s: %w", id, types.ErrUnknownWorker)
	}
	if at.After(rec.lastHeartbeatAt) {
		rec.lastHeartbeatAt = at
	}

	return nil
}

// AddCluster records that a worker owns a cluster.
func (r *Registry) AddCluster(id types.WorkerID, cluster types.ClusterID, base types.SectorCoord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("add cluster to %s: %w", id, types.ErrUnknownWorker)
	}
	rec.owned[cluster] = base

	return nil
}

// RemoveCluster records that a worker no longer owns a cluster. Unknown
// workers or clusters are a no-op: removal races with worker expiry.
func (r *Registry) RemoveCluster(id types.WorkerID, cluster types.ClusterID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.workers[id]; ok {
		delete(rec.owned, cluster)
	}
}

// ExpireBefore removes every worker whose last heartbeat is older than
// cutoff and returns their final views, sorted by id. The caller (the
// lifecycle coordinator) force-releases the returned clusters.
func (r *Registry) ExpireBefore(cutoff time.Time) []types.WorkerView {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []types.WorkerView
	for id, rec := range r.workers {
		if rec.lastHeartbeatAt.Before(cutoff) {
			expired = append(expired, rec.view())
			delete(r.workers, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })

	return expired
}

// Get returns a read-only view of one worker.
func (r *Registry) Get(id types.WorkerID) (types.WorkerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.workers[id]
	if !ok {
		return types.WorkerView{}, false
	}

	return rec.view(), true
}

// Snapshot returns read-only views of all workers, sorted by id for
// deterministic iteration in the balancer and tests.
func (r *Registry) Snapshot() []types.WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.WorkerView, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.workers)
}

func (rec *record) view() types.WorkerView {
	clusters := make([]types.ClusterID, 0, len(rec.owned))
	bases := make([]types.SectorCoord, 0, len(rec.owned))
	for id := range rec.owned {
		clusters = append(clusters, id)
	}
	sort.Slice(clusters, func(i, j int) bool {
		return clusters[i].String() < clusters[j].String()
	})
	for _, id := range clusters {
		bases = append(bases, rec.owned[id])
	}

	return types.WorkerView{
		ID:              rec.id,
		Load:            rec.load,
		OwnedClusters:   clusters,
		OwnedBases:      bases,
		LastHeartbeatAt: rec.lastHeartbeatAt,
	}
}
