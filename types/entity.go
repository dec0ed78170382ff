package types

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EntityID is a globally unique entity identifier, stable across the whole
// system. It is never a per-process handle: workers and the coordinator hold
// ids into local tables, never pointers into another process's memory.
type EntityID = uuid.UUID

// Well-known delta field keys. Gameplay component payloads use their own
// component-type tags as keys and are never interpreted by this layer.
const (
	FieldPosition = "position"
	FieldVelocity = "velocity"
)

// EntitySnapshot is the full serialized state of an entity, used for bulk
// cluster loads and transition handoffs.
type EntitySnapshot struct {
	ID       EntityID    `json:"id"`
	Position Vec2        `json:"position"`
	Velocity Vec2        `json:"velocity"`
	Sector   SectorCoord `json:"sector"`
	Cluster  ClusterID   `json:"cluster"`
	Owner    WorkerID    `json:"owner,omitempty"`

	// Components carries opaque gameplay state keyed by component-type tag.
	// The coordination layer transports these bytes but never decodes them.
	Components map[string]json.RawMessage `json:"components,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s EntitySnapshot) Clone() EntitySnapshot {
	out := s
	if s.Components != nil {
		out.Components = make(map[string]json.RawMessage, len(s.Components))
		for tag, raw := range s.Components {
			cp := make(json.RawMessage, len(raw))
			copy(cp, raw)
			out.Components[tag] = cp
		}
	}

	return out
}

// EntityDelta carries only the fields of an entity that changed since the
// last successfully sent tick for a given receiver.
//
// Deltas are unreliable by design: a newer delta always supersedes a stale
// one, so receivers apply a delta field only when its tick is newer than the
// last applied tick for that entity/field and silently discard the rest.
type EntityDelta struct {
	EntityID EntityID `json:"entity_id"`

	// Tick is the monotonically increasing network tick the delta was
	// flushed on.
	Tick uint64 `json:"tick"`

	// Changed maps field keys (FieldPosition, FieldVelocity, or component
	// tags) to their serialized new values.
	Changed map[string]json.RawMessage `json:"changed"`
}
