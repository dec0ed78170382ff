// Package transition implements the coordinator-side entity handoff
// protocol.
//
// Each in-flight transition runs the state machine
//
//	Requested -> (CaseA|CaseB|CaseC) -> Acknowledged -> Closed
//
// where the cases are: same owner (bookkeeping ack only), different active
// owner (two-phase handoff), and unassigned target cluster (activate first,
// then resolve).
//
// The coordinator is the sole arbiter of when ownership flips. For a
// cross-owner handoff it sends ConfirmExit to the old owner before
// EntityEnterSector to the new owner, so there is never an instant with two
// simulating owners; the window with zero simulating owners is bounded by
// message delivery.
//
// Requests are idempotent by client-generated request id: a retried request
// replays the recorded resolution instead of flipping ownership again.
// Detected double-ownership is a fatal per-entity fault: the entity is
// quarantined and surfaced for manual intervention, never silently resolved.
package transition
