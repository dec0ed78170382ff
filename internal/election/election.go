package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Common errors for election operations.
var (
	ErrNotLeader      = errors.New("not the leader")
	ErrLeadershipLost = errors.New("leadership was lost")
)

// Election is a KV-lease leader election among coordinator replicas.
//
// Atomic KV operations carry the protocol:
//   - Create: acquire leadership if the key does not exist
//   - Update (with revision): renew leadership while still holding the lease
//   - Delete: release leadership
//
// The leader key holds the node ID and expires with the bucket TTL, so a
// crashed leader fails over automatically. All fields are protected by mu.
type Election struct {
	kv  jetstream.KeyValue
	key string

	mu       sync.RWMutex
	nodeID   string
	revision uint64
	leader   bool
}

// New creates an election agent over the given KV bucket and key.
//
// The bucket should carry a short TTL (10-30s) so leadership fails over
// quickly after a crash.
//
// Parameters:
//   - kv: JetStream KV bucket for election coordination
//   - key: Key name for the leadership claim (e.g., "leader")
//
// Returns:
//   - *Election: New election agent
func New(kv jetstream.KeyValue, key string) *Election {
	return &Election{kv: kv, key: key}
}

// Acquire attempts to take or keep leadership for the given node.
//
// If this node already holds the lease, the lease is renewed. Otherwise an
// atomic Create is attempted; if another node holds the key, Acquire
// returns false with no error.
//
// Parameters:
//   - ctx: Context for timeout
//   - nodeID: Identifier of the candidate coordinator replica
//
// Returns:
//   - bool: true if leadership is held after the call
//   - error: Transport error, if any
func (e *Election) Acquire(ctx context.Context, nodeID string) (bool, error) {
	leader, current, _ := e.state()

	if leader && current == nodeID {
		if err := e.Renew(ctx); err == nil {
			return true, nil
		}
		// Lease lost between checks, fall through and recompete.
		e.clear()
	}

	value := []byte(fmt.Sprintf("%s:%d", nodeID, time.Now().Unix()))

	revision, err := e.kv.Create(ctx, e.key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}

		return false, fmt.Errorf("failed to create leader key: %w", err)
	}

	e.set(true, nodeID, revision)

	return true, nil
}

// Renew extends the current lease.
//
// Uses Update with the recorded revision, so a claim taken over by another
// node fails with ErrLeadershipLost.
//
// Parameters:
//   - ctx: Context for timeout
//
// Returns:
//   - error: ErrNotLeader if this node never held the lease,
//     ErrLeadershipLost if the lease was taken over, nil on success
func (e *Election) Renew(ctx context.Context) error {
	leader, nodeID, revision := e.state()

	if !leader {
		return ErrNotLeader
	}

	value := []byte(fmt.Sprintf("%s:%d", nodeID, time.Now().Unix()))

	newRevision, err := e.kv.Update(ctx, e.key, value, revision)
	if err != nil {
		e.clear()

		return fmt.Errorf("%w: %w", ErrLeadershipLost, err)
	}

	e.mu.Lock()
	e.revision = newRevision
	e.mu.Unlock()

	return nil
}

// Release gives up leadership voluntarily.
//
// Deletes the leader key so another replica can take over immediately
// instead of waiting for the TTL.
//
// Parameters:
//   - ctx: Context for timeout
//
// Returns:
//   - error: ErrNotLeader if not the leader, or the delete error
func (e *Election) Release(ctx context.Context) error {
	leader, _, _ := e.state()

	if !leader {
		return ErrNotLeader
	}

	if err := e.kv.Delete(ctx, e.key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete leader key: %w", err)
	}

	e.set(false, "", 0)

	return nil
}

// IsLeader verifies leadership against the KV store.
//
// The local flag alone is not trusted: the key is fetched and its revision
// compared, so a takeover observed remotely clears the local state.
//
// Parameters:
//   - ctx: Context for timeout
//
// Returns:
//   - bool: true if this node still holds the lease
//   - error: Transport error, if any
func (e *Election) IsLeader(ctx context.Context) (bool, error) {
	leader, _, revision := e.state()

	if !leader {
		return false, nil
	}

	entry, err := e.kv.Get(ctx, e.key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			e.clear()

			return false, nil
		}

		return false, fmt.Errorf("failed to get leader key: %w", err)
	}

	if entry.Revision() != revision {
		e.clear()

		return false, nil
	}

	return true, nil
}

// NodeID returns the node ID this agent holds the lease under, or empty.
func (e *Election) NodeID() string {
	_, nodeID, _ := e.state()
	return nodeID
}

func (e *Election) state() (leader bool, nodeID string, revision uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leader, e.nodeID, e.revision
}

func (e *Election) set(leader bool, nodeID string, revision uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leader = leader
	e.nodeID = nodeID
	e.revision = revision
}

func (e *Election) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leader = false
}
