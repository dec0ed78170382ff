package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ShadowEntityData is the wire form of a near-boundary entity inside a
// BoundaryShadowBatch: position, velocity and a serialized subset of
// components, enough for rendering and queries but never for simulation.
type ShadowEntityData struct {
	EntityID   EntityID                   `json:"entity_id"`
	Position   Vec2                       `json:"position"`
	Velocity   Vec2                       `json:"velocity"`
	Components map[string]json.RawMessage `json:"components,omitempty"`
}

// ShadowEntityRecord is a read-only mirror of a foreign entity held by a
// receiving worker. It is never authoritative and never simulated: records
// are created on first boundary notification, refreshed on each subsequent
// one, and pruned when not refreshed within the configured timeout.
type ShadowEntityRecord struct {
	SourceOwner    WorkerID  `json:"source_owner"`
	SourceEntityID EntityID  `json:"source_entity_id"`
	LocalProxyID   uuid.UUID `json:"local_proxy_id"`

	Position   Vec2                       `json:"position"`
	Velocity   Vec2                       `json:"velocity"`
	Components map[string]json.RawMessage `json:"components,omitempty"`

	LastUpdatedAt time.Time `json:"last_updated_at"`
}
