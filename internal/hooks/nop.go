// Package hooks provides the default no-op lifecycle hook callbacks.
package hooks

import (
	"context"

	"github.com/Dastari/sidereal/types"
)

// NopHooks implements Hooks with no-op callbacks.
//
// This is the default implementation used when no custom hooks are provided,
// eliminating the need for nil checks throughout the codebase.
type NopHooks struct{}

// NewNop creates a new no-op hooks implementation.
//
// Returns:
//   - types.Hooks: Hooks with no-op implementations
func NewNop() types.Hooks {
	h := &NopHooks{}
	return types.Hooks{
		OnClusterAssigned:    h.OnClusterAssigned,
		OnClusterReleased:    h.OnClusterReleased,
		OnTransitionResolved: h.OnTransitionResolved,
		OnWorkerLost:         h.OnWorkerLost,
		OnConsistencyFault:   h.OnConsistencyFault,
		OnError:              h.OnError,
	}
}

// Fill replaces nil callbacks in h with no-op implementations, so callers can
// invoke every hook unconditionally.
func Fill(h types.Hooks) types.Hooks {
	nop := NewNop()
	if h.OnClusterAssigned == nil {
		h.OnClusterAssigned = nop.OnClusterAssigned
	}
	if h.OnClusterReleased == nil {
		h.OnClusterReleased = nop.OnClusterReleased
	}
	if h.OnTransitionResolved == nil {
		h.OnTransitionResolved = nop.OnTransitionResolved
	}
	if h.OnWorkerLost == nil {
		h.OnWorkerLost = nop.OnWorkerLost
	}
	if h.OnConsistencyFault == nil {
		h.OnConsistencyFault = nop.OnConsistencyFault
	}
	if h.OnError == nil {
		h.OnError = nop.OnError
	}

	return h
}

// OnClusterAssigned is a no-op implementation.
func (h *NopHooks) OnClusterAssigned(_ context.Context, _ types.ClusterID, _ types.WorkerID) error {
	return nil
}

// OnClusterReleased is a no-op implementation.
func (h *NopHooks) OnClusterReleased(_ context.Context, _ types.ClusterID, _ types.WorkerID) error {
	return nil
}

// OnTransitionResolved is a no-op implementation.
func (h *NopHooks) OnTransitionResolved(_ context.Context, _ types.EntityID, _, _ types.WorkerID) error {
	return nil
}

// OnWorkerLost is a no-op implementation.
func (h *NopHooks) OnWorkerLost(_ context.Context, _ types.WorkerID, _ []types.ClusterID) error {
	return nil
}

// OnConsistencyFault is a no-op implementation.
func (h *NopHooks) OnConsistencyFault(_ context.Context, _ types.EntityID, _ []types.WorkerID) error {
	return nil
}

// OnError is a no-op implementation.
func (h *NopHooks) OnError(_ context.Context, _ error) error {
	return nil
}
