// Package worker implements the shard-side client of the coordination
// layer.
//
// A Shard wraps a game Simulation: it registers with the coordinator,
// heartbeats over JetStream KV, accepts cluster assignments with chunked
// initial state, forwards two-phase entity handoffs, publishes boundary
// shadows to neighboring clusters and flushes tracked entity deltas once
// per network tick.
//
// The Simulation interface is the integration point; the shard never
// interprets entity components, it only moves them.
package worker
