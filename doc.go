// Package sidereal implements the coordination layer of a distributed,
// spatially partitioned real-time simulation.
//
// The world is divided into fixed-size square sectors, grouped into 3x3
// clusters that are the unit of work assignment. A coordinator assigns
// clusters to shard workers, balances load deterministically, arbitrates
// cross-boundary entity handoffs, and persists the cluster map so a
// restarted coordinator resumes instead of starting cold. All cross-node
// traffic flows over NATS: request/reply JSON for the control plane,
// JetStream KV for liveness and persistence, plain publishes for the
// best-effort data plane.
//
// # Quick Start
//
// Running a coordinator:
//
//	cfg := sidereal.DefaultConfig()
//	store := storage.NewMemory()
//
//	coord, err := sidereal.NewCoordinator(&cfg, natsConn, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := coord.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Stop(context.Background())
//
// Shard workers connect with the worker package:
//
//	shard, err := worker.New(&workerCfg, natsConn, sim, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := shard.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Key Guarantees
//
//   - Single authority: every active cluster has exactly one owning worker;
//     during a handoff the old owner stops before the new owner starts.
//   - Deterministic balancing: identical worker and load snapshots always
//     produce identical placement decisions.
//   - Crash recovery: worker heartbeats carry a TTL; a lapsed worker's
//     clusters are force-released and reassigned from persisted snapshots.
//   - Idempotent control plane: retried requests resolve to their recorded
//     outcome, and the periodic sweep is safe to run at any frequency.
//
// # Architecture
//
// The coordinator composes small focused packages: grid (partition math),
// registry (worker bookkeeping), balance (placement scoring),
// internal/lifecycle (cluster state machine), internal/transition (entity
// handoff protocol). Workers compose internal/heartbeat, internal/delta
// (change tracking) and shadow (boundary mirroring). The types package
// holds the shared data model and wire messages.
package sidereal
