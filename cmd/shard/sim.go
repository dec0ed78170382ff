package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/types"
	"github.com/Dastari/sidereal/worker"
)

// simulation is a minimal kinematic world: entities drift at constant
// velocity and hand themselves off when they leave the owned footprint.
// It exists to exercise the coordination layer end to end; a real game
// engine plugs into worker.Simulation the same way.
type simulation struct {
	grid   grid.Grid
	logger *slog.Logger

	mu       sync.Mutex
	clusters map[types.ClusterID]*simCluster
	inFlight map[types.EntityID]struct{}
	tickMs   float64

	// shard is attached after worker.New; the worker and the simulation
	// reference each other.
	shard shardClient
}

// shardClient is the slice of worker.Shard the simulation drives.
type shardClient interface {
	RecordChange(entity types.EntityID, field string, value json.RawMessage)
	RequestTransition(ctx context.Context, snapshot types.EntitySnapshot, target types.SectorCoord) error
}

type simCluster struct {
	footprint *types.Cluster
	entities  map[types.EntityID]*types.EntitySnapshot
}

var _ worker.Simulation = (*simulation)(nil)

func newSimulation(g grid.Grid, logger *slog.Logger) *simulation {
	return &simulation{
		grid:     g,
		logger:   logger,
		clusters: make(map[types.ClusterID]*simCluster),
		inFlight: make(map[types.EntityID]struct{}),
	}
}

func (s *simulation) attach(shard shardClient) {
	s.shard = shard
}

// run steps the world at the configured interval until ctx is cancelled.
func (s *simulation) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.step(ctx, interval.Seconds())

			s.mu.Lock()
			s.tickMs = float64(time.Since(start).Microseconds()) / 1000.0
			s.mu.Unlock()
		}
	}
}

func (s *simulation) step(ctx context.Context, dt float64) {
	type handoff struct {
		snapshot types.EntitySnapshot
		target   types.SectorCoord
	}
	var handoffs []handoff

	s.mu.Lock()
	for _, cl := range s.clusters {
		for _, e := range cl.entities {
			if e.Velocity.X == 0 && e.Velocity.Y == 0 {
				continue
			}

			e.Position = e.Position.Add(e.Velocity.Scale(dt))
			sector := s.grid.SectorOf(e.Position)

			switch {
			case sector == e.Sector:
				// Still in the same sector, just moved.
			case cl.footprint.Contains(sector):
				e.Sector = sector
			default:
				// Left the footprint: request a handoff once and keep
				// simulating until the exit is confirmed.
				if _, pending := s.inFlight[e.ID]; !pending {
					s.inFlight[e.ID] = struct{}{}
					handoffs = append(handoffs, handoff{snapshot: e.Clone(), target: sector})
				}
			}

			pos, err := json.Marshal(e.Position)
			if err != nil {
				continue
			}
			s.shard.RecordChange(e.ID, types.FieldPosition, pos)
		}
	}
	s.mu.Unlock()

	for _, h := range handoffs {
		go func(h handoff) {
			if err := s.shard.RequestTransition(ctx, h.snapshot, h.target); err != nil {
				s.logger.Warn("transition request failed",
					"entity_id", h.snapshot.ID, "target", h.target, "error", err)
				s.mu.Lock()
				delete(s.inFlight, h.snapshot.ID)
				s.mu.Unlock()
			}
		}(h)
	}
}

func (s *simulation) LoadCluster(_ context.Context, assign types.AssignCluster, entities []types.EntitySnapshot) error {
	cl := &simCluster{
		footprint: s.grid.NewCluster(assign.ClusterID, assign.Base, assign.TransitionZoneWidth),
		entities:  make(map[types.EntityID]*types.EntitySnapshot, len(entities)),
	}
	for i := range entities {
		e := entities[i].Clone()
		e.Sector = s.grid.SectorOf(e.Position)
		e.Cluster = assign.ClusterID
		cl.entities[e.ID] = &e
	}

	s.mu.Lock()
	s.clusters[assign.ClusterID] = cl
	s.mu.Unlock()

	return nil
}

func (s *simulation) UnloadCluster(_ context.Context, cluster types.ClusterID) ([]types.EntitySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.clusters[cluster]
	if !ok {
		return nil, nil
	}
	delete(s.clusters, cluster)

	out := make([]types.EntitySnapshot, 0, len(cl.entities))
	for _, e := range cl.entities {
		out = append(out, e.Clone())
	}

	return out, nil
}

func (s *simulation) EntityEntered(_ context.Context, msg types.EntityEnterSector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.clusters[msg.Cluster]
	if !ok {
		return types.ErrUnknownCluster
	}

	e := msg.Snapshot.Clone()
	e.ID = msg.EntityID
	e.Sector = msg.Sector
	e.Cluster = msg.Cluster
	cl.entities[e.ID] = &e

	return nil
}

func (s *simulation) EntityExited(_ context.Context, msg types.ConfirmExit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, msg.EntityID)
	for _, cl := range s.clusters {
		delete(cl.entities, msg.EntityID)
	}

	return nil
}

func (s *simulation) TransitionAcknowledged(_ context.Context, msg types.AcknowledgeTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, msg.EntityID)

	var entity *types.EntitySnapshot
	for _, cl := range s.clusters {
		if e, ok := cl.entities[msg.EntityID]; ok {
			entity = e
			delete(cl.entities, msg.EntityID)

			break
		}
	}
	if entity == nil {
		// Already handed off or released; the ack is stale but harmless.
		return nil
	}

	entity.Sector = msg.Sector
	entity.Cluster = msg.Cluster
	if cl, ok := s.clusters[msg.Cluster]; ok {
		cl.entities[entity.ID] = entity
	}

	return nil
}

func (s *simulation) ClusterEntities(cluster types.ClusterID) []types.EntitySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.clusters[cluster]
	if !ok {
		return nil
	}

	out := make([]types.EntitySnapshot, 0, len(cl.entities))
	for _, e := range cl.entities {
		out = append(out, e.Clone())
	}

	return out
}

func (s *simulation) LoadStats() types.LoadStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := types.LoadStats{TickTimeMs: s.tickMs}
	for _, cl := range s.clusters {
		stats.EntityCount += len(cl.entities)
		for _, e := range cl.entities {
			if _, ok := e.Components["player"]; ok {
				stats.PlayerCount++
			}
		}
	}

	return stats
}
