// Package heartbeat publishes worker liveness to a NATS JetStream KV bucket.
//
// Each shard worker writes a timestamp under "<prefix>.<worker-id>" at a
// fixed interval. The bucket carries a TTL of roughly three intervals, so a
// crashed worker's key disappears after three missed beats and the
// coordinator's watcher treats the deletion as a worker loss. A graceful
// Stop deletes the key immediately instead of waiting for the TTL.
package heartbeat
