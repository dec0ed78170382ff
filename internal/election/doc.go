// Package election implements leader election for coordinator replicas
// using a NATS JetStream KV lease.
//
// Only one coordinator may drive assignments at a time. Replicas compete for
// a single KV key using atomic Create; the holder renews with
// revision-checked Update and releases with Delete. The bucket's TTL bounds
// failover time when the leader crashes without releasing.
package election
