package delta

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"

	"github.com/Dastari/sidereal/types"
)

// Tracker accumulates per-entity field changes for one receiver. A field is
// dirty when its value differs from the last flushed value; flushing emits
// only dirty fields, stamped with the flush tick.
//
// Safe for concurrent use: the simulation records changes while the network
// tick flushes.
type Tracker struct {
	mu sync.Mutex

	last  map[types.EntityID]map[string]json.RawMessage
	dirty map[types.EntityID]map[string]json.RawMessage
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		last:  make(map[types.EntityID]map[string]json.RawMessage),
		dirty: make(map[types.EntityID]map[string]json.RawMessage),
	}
}

// Record notes a field's current value. Values equal to the last flushed
// value are not marked dirty; a value that changes and then changes back
// before the flush is dropped from the batch.
func (t *Tracker) Record(entity types.EntityID, field string, value json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.last[entity][field]; ok && bytes.Equal(prev, value) {
		if fields, ok := t.dirty[entity]; ok {
			delete(fields, field)
			if len(fields) == 0 {
				delete(t.dirty, entity)
			}
		}
		return
	}

	fields, ok := t.dirty[entity]
	if !ok {
		fields = make(map[string]json.RawMessage)
		t.dirty[entity] = fields
	}
	fields[field] = value
}

// RecordSnapshot records an entity's position and velocity fields from a
// snapshot, plus its opaque components.
func (t *Tracker) RecordSnapshot(snap types.EntitySnapshot) {
	pos, _ := json.Marshal(snap.Position)
	vel, _ := json.Marshal(snap.Velocity)
	t.Record(snap.ID, types.FieldPosition, pos)
	t.Record(snap.ID, types.FieldVelocity, vel)
	for field, value := range snap.Components {
		t.Record(snap.ID, field, value)
	}
}

// Flush emits every dirty field as a batch stamped with tick and marks the
// emitted values as sent. Entities are ordered by id for deterministic
// output; an empty flush returns nil.
func (t *Tracker) Flush(tick uint64) []types.EntityDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.dirty) == 0 {
		return nil
	}

	ids := make([]types.EntityID, 0, len(t.dirty))
	for id := range t.dirty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	batch := make([]types.EntityDelta, 0, len(ids))
	for _, id := range ids {
		fields := t.dirty[id]
		changed := make(map[string]json.RawMessage, len(fields))
		sent, ok := t.last[id]
		if !ok {
			sent = make(map[string]json.RawMessage, len(fields))
			t.last[id] = sent
		}
		for field, value := range fields {
			changed[field] = value
			sent[field] = value
		}
		batch = append(batch, types.EntityDelta{EntityID: id, Tick: tick, Changed: changed})
	}
	t.dirty = make(map[types.EntityID]map[string]json.RawMessage)

	return batch
}

// Forget drops all state for an entity. Called when the entity leaves this
// receiver's interest set, e.g. after a confirmed exit.
func (t *Tracker) Forget(entity types.EntityID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.last, entity)
	delete(t.dirty, entity)
}

// Len reports how many entities have unflushed changes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.dirty)
}
