// Package workerid allocates stable worker IDs at registration time.
//
// The coordinator hands each registering shard the lowest free ID from a
// fixed pool ("shard-0", "shard-1", ...). IDs are claimed with atomic KV
// Create so concurrent registrations, and coordinator replicas racing after
// a failover, never hand out the same ID twice. Entries persist until the
// coordinator releases them (graceful deregistration or heartbeat loss), so
// IDs survive coordinator restarts.
package workerid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Dastari/sidereal/internal/logger"
	"github.com/Dastari/sidereal/types"
)

// Defaults for the ID pool.
const (
	DefaultPrefix   = "shard"
	DefaultPoolSize = 256
)

// Common errors returned by the allocator.
var (
	ErrPoolExhausted = errors.New("worker ID pool exhausted")
	ErrNotAllocated  = errors.New("worker ID not allocated")
)

// Allocator assigns worker IDs from a KV-backed pool.
type Allocator struct {
	kv       jetstream.KeyValue
	prefix   string
	poolSize int
	log      types.Logger
}

// NewAllocator creates an allocator over the given KV bucket.
//
// Parameters:
//   - kv: KV bucket holding ID claims (no TTL; the coordinator releases IDs)
//   - prefix: ID prefix (default "shard")
//   - poolSize: Number of IDs in the pool (default 256)
//   - log: Logger, may be nil
//
// Returns:
//   - *Allocator: New allocator instance
func NewAllocator(kv jetstream.KeyValue, prefix string, poolSize int, log types.Logger) *Allocator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Allocator{kv: kv, prefix: prefix, poolSize: poolSize, log: log}
}

// Allocate claims the lowest free worker ID in the pool.
//
// IDs are tried in ascending order with atomic Create, so a freed low ID is
// reused before the pool grows. The stored value records the allocation
// time for operator inspection.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - types.WorkerID: The allocated ID (e.g., "shard-3")
//   - error: ErrPoolExhausted when every ID is taken, or a transport error
func (a *Allocator) Allocate(ctx context.Context) (types.WorkerID, error) {
	for n := 0; n < a.poolSize; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		id := types.WorkerID(fmt.Sprintf("%s-%d", a.prefix, n))
		value := []byte(time.Now().Format(time.RFC3339))

		_, err := a.kv.Create(ctx, string(id), value)
		if err == nil {
			a.log.Debug("worker ID allocated", "worker_id", id, "attempts", n+1)

			return id, nil
		}

		if !errors.Is(err, jetstream.ErrKeyExists) {
			return "", fmt.Errorf("failed to claim worker ID %s: %w", id, err)
		}
	}

	a.log.Error("worker ID pool exhausted", "prefix", a.prefix, "pool_size", a.poolSize)

	return "", ErrPoolExhausted
}

// Release frees a worker ID for reuse.
//
// Called when a worker deregisters gracefully or its heartbeat expires.
// Releasing an unallocated ID returns ErrNotAllocated.
//
// Parameters:
//   - ctx: Context for timeout
//   - id: The worker ID to free
//
// Returns:
//   - error: ErrNotAllocated if the ID is not claimed, or a transport error
func (a *Allocator) Release(ctx context.Context, id types.WorkerID) error {
	if _, err := a.kv.Get(ctx, string(id)); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return ErrNotAllocated
		}

		return fmt.Errorf("failed to check worker ID %s: %w", id, err)
	}

	if err := a.kv.Delete(ctx, string(id)); err != nil {
		return fmt.Errorf("failed to release worker ID %s: %w", id, err)
	}

	a.log.Debug("worker ID released", "worker_id", id)

	return nil
}

// Allocated lists the currently claimed worker IDs.
//
// Used by a restarting coordinator to reconcile its registry against the
// IDs that were live before the restart.
//
// Parameters:
//   - ctx: Context for timeout
//
// Returns:
//   - []types.WorkerID: Claimed IDs, or empty when the bucket has no keys
//   - error: Transport error, if any
func (a *Allocator) Allocated(ctx context.Context) ([]types.WorkerID, error) {
	keys, err := a.kv.Keys(ctx)
	if err != nil {
		if types.IsNoKeysFoundError(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list worker IDs: %w", err)
	}

	ids := make([]types.WorkerID, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, types.WorkerID(key))
	}

	return ids, nil
}
