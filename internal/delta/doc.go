// Package delta implements the replication discipline shared by every
// outbound synchronization path: send only fields that changed since the
// last flush for that receiver, batch once per network tick, and let
// receivers discard anything older than what they already applied.
//
// Tracker is the sender side, one per receiver. Applier is the receiver
// side; it tracks the last applied tick per entity and field, so
// out-of-order delivery converges to the same state as in-order delivery
// (last write wins by tick number).
package delta
