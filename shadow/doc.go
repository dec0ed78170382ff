// Package shadow implements boundary shadow synchronization: best-effort
// visibility of entities near cluster edges across ownership boundaries.
//
// The Synchronizer runs on the owning worker and periodically scans for
// entities within the transition zone of a cluster edge, batching them per
// neighboring cluster with a different owner. The Registry runs on the
// receiving worker and maintains non-simulated proxy records: created on
// first notification, refreshed on each batch, advanced by their last known
// velocity between refreshes, and pruned when not refreshed within the
// timeout.
//
// Shadow updates are purely additive visibility aids. Losing a batch
// degrades visual and query freshness; it never affects authoritative
// simulation or the transition protocol.
package shadow
