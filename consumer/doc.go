// Package consumer serves replicated entity state to presentation clients
// over WebSocket.
//
// The Gateway subscribes to every worker's delta subject and fans batches
// out to connected clients. Each client may narrow its feed to a circular
// interest area; per-owner tick ordering is enforced per client so a slow
// or lossy connection converges to the same state as a perfect one.
//
// Consumers are strictly downstream: nothing a client sends reaches the
// coordinator or the workers.
package consumer
