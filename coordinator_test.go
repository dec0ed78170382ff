package sidereal

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/Dastari/sidereal/storage"
	sidetest "github.com/Dastari/sidereal/testing"
	"github.com/Dastari/sidereal/types"
)

// fakeWorker registers with the coordinator over real NATS and records every
// control message delivered to its inbox, acknowledging each one.
type fakeWorker struct {
	t  *testing.T
	nc *nats.Conn
	id types.WorkerID

	mu       sync.Mutex
	assigns  []types.AssignCluster
	states   []types.InitialState
	releases []types.ReleaseCluster
	acks     []types.AcknowledgeTransition
	enters   []types.EntityEnterSector
	exits    []types.ConfirmExit
}

func registerFakeWorker(t *testing.T, nc *nats.Conn, name string) *fakeWorker {
	t.Helper()

	data, err := json.Marshal(types.RegisterWorker{Version: types.ProtocolVersion, Name: name})
	require.NoError(t, err)

	reply, err := nc.Request(types.SubjectRegister, data, 5*time.Second)
	require.NoError(t, err)

	var ack types.RegistrationAck
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	require.Equal(t, types.ProtocolVersion, ack.Version)
	require.NotEmpty(t, ack.WorkerID)

	w := &fakeWorker{t: t, nc: nc, id: ack.WorkerID}
	sub, err := nc.Subscribe(types.WorkerSubjectPrefix(ack.WorkerID), w.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return w
}

func (w *fakeWorker) handle(msg *nats.Msg) {
	kind := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]

	w.mu.Lock()
	switch kind {
	case types.WorkerMsgAssign:
		var m types.AssignCluster
		if json.Unmarshal(msg.Data, &m) == nil {
			w.assigns = append(w.assigns, m)
		}
	case types.WorkerMsgState:
		var m types.InitialState
		if json.Unmarshal(msg.Data, &m) == nil {
			w.states = append(w.states, m)
		}
	case types.WorkerMsgRelease:
		var m types.ReleaseCluster
		if json.Unmarshal(msg.Data, &m) == nil {
			w.releases = append(w.releases, m)
		}
	case types.WorkerMsgAck:
		var m types.AcknowledgeTransition
		if json.Unmarshal(msg.Data, &m) == nil {
			w.acks = append(w.acks, m)
		}
	case types.WorkerMsgEnter:
		var m types.EntityEnterSector
		if json.Unmarshal(msg.Data, &m) == nil {
			w.enters = append(w.enters, m)
		}
	case types.WorkerMsgExit:
		var m types.ConfirmExit
		if json.Unmarshal(msg.Data, &m) == nil {
			w.exits = append(w.exits, m)
		}
	}
	w.mu.Unlock()

	_ = msg.Respond([]byte("+OK"))
}

// lastAssign returns the most recent assignment, waiting for it to arrive.
func (w *fakeWorker) lastAssign() types.AssignCluster {
	w.t.Helper()

	var got types.AssignCluster
	require.Eventually(w.t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		if len(w.assigns) == 0 {
			return false
		}
		got = w.assigns[len(w.assigns)-1]

		return true
	}, 5*time.Second, 20*time.Millisecond, "no assignment delivered")

	return got
}

func (w *fakeWorker) announceReady(cluster types.ClusterID) {
	w.t.Helper()

	data, err := json.Marshal(types.ClusterReady{
		Version:   types.ProtocolVersion,
		WorkerID:  w.id,
		ClusterID: cluster,
	})
	require.NoError(w.t, err)

	reply, err := w.nc.Request(types.SubjectClusterReady, data, 5*time.Second)
	require.NoError(w.t, err)
	require.Equal(w.t, "+OK", string(reply.Data))
}

// activateAndReady drives a full activation round-trip for the cluster at
// base and returns the assigned cluster id.
func activateAndReady(t *testing.T, coord *Coordinator, w *fakeWorker, base types.SectorCoord) types.ClusterID {
	t.Helper()

	require.NoError(t, coord.ActivateCluster(context.Background(), base))
	assign := w.lastAssign()
	require.Equal(t, base, assign.Base)
	w.announceReady(assign.ClusterID)

	require.Eventually(t, func() bool {
		info, ok := coord.LookupSector(base)

		return ok && info.State == types.ClusterActive && info.Owner == w.id
	}, 5*time.Second, 20*time.Millisecond, "cluster never became active")

	return assign.ClusterID
}

func startCoordinator(t *testing.T, nc *nats.Conn, mutate func(*Config)) *Coordinator {
	t.Helper()

	cfg := TestConfig()
	cfg.EmptyTimeout = time.Minute // keep idle clusters alive for the test
	if mutate != nil {
		mutate(&cfg)
	}

	coord, err := NewCoordinator(&cfg, nc, storage.NewMemory(), WithLogger(sidetest.NewTestLogger(t)))
	require.NoError(t, err)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Stop(ctx)
	})

	return coord
}

func TestNewCoordinator(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)

	t.Run("nil config", func(t *testing.T) {
		_, err := NewCoordinator(nil, nc, storage.NewMemory())
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil connection", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewCoordinator(&cfg, nil, storage.NewMemory())
		require.ErrorIs(t, err, ErrNATSConnectionRequired)
	})

	t.Run("nil storage", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewCoordinator(&cfg, nc, nil)
		require.ErrorIs(t, err, ErrStorageRequired)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := TestConfig()
		cfg.World.SectorSize = -1
		_, err := NewCoordinator(&cfg, nc, storage.NewMemory())
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("valid", func(t *testing.T) {
		cfg := TestConfig()
		coord, err := NewCoordinator(&cfg, nc, storage.NewMemory(), WithNodeID("node-a"))
		require.NoError(t, err)
		require.Equal(t, "node-a", coord.NodeID())
		require.False(t, coord.IsLeader())
	})

	t.Run("random node id by default", func(t *testing.T) {
		cfg := TestConfig()
		coord, err := NewCoordinator(&cfg, nc, storage.NewMemory())
		require.NoError(t, err)
		require.NotEmpty(t, coord.NodeID())
	})
}

func TestCoordinator_StartStop(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)

	cfg := TestConfig()
	coord, err := NewCoordinator(&cfg, nc, storage.NewMemory(), WithLogger(sidetest.NewTestLogger(t)))
	require.NoError(t, err)

	require.NoError(t, coord.Start(context.Background()))
	require.True(t, coord.IsLeader(), "single replica must win the election")

	require.ErrorIs(t, coord.Start(context.Background()), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Stop(ctx))
	require.ErrorIs(t, coord.Stop(ctx), ErrNotStarted)
}

func TestCoordinator_StopBeforeStart(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)

	cfg := TestConfig()
	coord, err := NewCoordinator(&cfg, nc, storage.NewMemory())
	require.NoError(t, err)

	require.ErrorIs(t, coord.Stop(context.Background()), ErrNotStarted)
}

func TestCoordinator_WorkerRegistration(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)

	first := registerFakeWorker(t, nc, "alpha")
	second := registerFakeWorker(t, nc, "beta")

	require.Equal(t, types.WorkerID("shard-0"), first.id)
	require.Equal(t, types.WorkerID("shard-1"), second.id)
	require.Len(t, coord.Workers(), 2)

	t.Run("deregister frees the ID", func(t *testing.T) {
		data, err := json.Marshal(types.DeregisterWorker{Version: types.ProtocolVersion, WorkerID: first.id})
		require.NoError(t, err)

		reply, err := nc.Request(types.SubjectDeregister, data, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "+OK", string(reply.Data))
		require.Len(t, coord.Workers(), 1)

		replacement := registerFakeWorker(t, nc, "gamma")
		require.Equal(t, types.WorkerID("shard-0"), replacement.id, "lowest free ID is reused")
	})
}

func TestCoordinator_ClusterActivation(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)
	worker := registerFakeWorker(t, nc, "alpha")

	base := types.SectorCoord{X: 0, Y: 0}
	require.NoError(t, coord.ActivateCluster(context.Background(), base))

	assign := worker.lastAssign()
	require.Equal(t, base, assign.Base)
	require.Equal(t, 3, assign.Dims)
	require.InDelta(t, 50.0, assign.TransitionZoneWidth, 0.001)

	// An empty region still streams exactly one (empty) state chunk.
	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()

		return len(worker.states) == 1
	}, 5*time.Second, 20*time.Millisecond)
	worker.mu.Lock()
	state := worker.states[0]
	worker.mu.Unlock()
	require.Equal(t, assign.ClusterID, state.ClusterID)
	require.Empty(t, state.Entities)
	require.Equal(t, 1, state.TotalChunks)

	info, ok := coord.LookupSector(base)
	require.True(t, ok)
	require.Equal(t, types.ClusterLoading, info.State)

	worker.announceReady(assign.ClusterID)

	require.Eventually(t, func() bool {
		info, ok := coord.LookupSector(base)

		return ok && info.State == types.ClusterActive
	}, 5*time.Second, 20*time.Millisecond)

	// Sectors inside the 3x3 footprint resolve to the same cluster.
	inner, ok := coord.LookupSector(types.SectorCoord{X: 2, Y: 2})
	require.True(t, ok)
	require.Equal(t, assign.ClusterID, inner.Cluster)
	require.Equal(t, worker.id, inner.Owner)

	_, ok = coord.LookupSector(types.SectorCoord{X: 3, Y: 0})
	require.False(t, ok, "neighboring cluster is untracked")
}

func TestCoordinator_DeactivateCluster(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)
	worker := registerFakeWorker(t, nc, "alpha")

	base := types.SectorCoord{X: 0, Y: 0}
	cluster := activateAndReady(t, coord, worker, base)

	require.NoError(t, coord.DeactivateCluster(context.Background(), base))

	require.Eventually(t, func() bool {
		worker.mu.Lock()
		defer worker.mu.Unlock()

		return len(worker.releases) == 1 && worker.releases[0].ClusterID == cluster
	}, 5*time.Second, 20*time.Millisecond, "release never delivered")

	// Worker flushes and confirms; the cluster returns to Unloaded.
	data, err := json.Marshal(types.ClusterReleased{
		Version:   types.ProtocolVersion,
		WorkerID:  worker.id,
		ClusterID: cluster,
	})
	require.NoError(t, err)
	reply, err := nc.Request(types.SubjectClusterReleased, data, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "+OK", string(reply.Data))

	require.Eventually(t, func() bool {
		info, ok := coord.LookupSector(base)

		return !ok || info.State == types.ClusterUnloaded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCoordinator_TransitionHandoff(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)

	source := registerFakeWorker(t, nc, "alpha")
	target := registerFakeWorker(t, nc, "beta")

	activateAndReady(t, coord, source, types.SectorCoord{X: 0, Y: 0})

	// Load up the first owner so the idle worker wins the second,
	// non-adjacent cluster.
	report, err := json.Marshal(types.LoadReport{
		Version:  types.ProtocolVersion,
		WorkerID: source.id,
		Stats:    types.LoadStats{EntityCount: 200},
	})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(types.SubjectLoadReport, report))
	require.Eventually(t, func() bool {
		for _, w := range coord.Workers() {
			if w.ID == source.id && w.Load.EntityCount == 200 {
				return true
			}
		}

		return false
	}, 5*time.Second, 20*time.Millisecond, "load report not applied")

	require.NoError(t, coord.ActivateCluster(context.Background(), types.SectorCoord{X: 9, Y: 0}))
	targetAssign := target.lastAssign()
	target.announceReady(targetAssign.ClusterID)

	require.Eventually(t, func() bool {
		info, ok := coord.LookupSector(types.SectorCoord{X: 9, Y: 0})

		return ok && info.State == types.ClusterActive && info.Owner == target.id
	}, 5*time.Second, 20*time.Millisecond)

	entity := uuid.New()
	req := types.TransitionRequest{
		Version:      types.ProtocolVersion,
		RequestID:    uuid.New(),
		EntityID:     entity,
		SourceOwner:  source.id,
		TargetSector: types.SectorCoord{X: 9, Y: 0},
		Snapshot: types.EntitySnapshot{
			ID:       entity,
			Position: types.Vec2{X: 9000.5, Y: 10},
			Velocity: types.Vec2{X: 1, Y: 0},
			Sector:   types.SectorCoord{X: 9, Y: 0},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	reply, err := nc.Request(types.SubjectTransition, data, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "+OK", string(reply.Data))

	require.Eventually(t, func() bool {
		source.mu.Lock()
		exits := len(source.exits)
		source.mu.Unlock()
		target.mu.Lock()
		enters := len(target.enters)
		target.mu.Unlock()

		return exits == 1 && enters == 1
	}, 5*time.Second, 20*time.Millisecond, "handoff messages not delivered")

	source.mu.Lock()
	exit := source.exits[0]
	source.mu.Unlock()
	require.Equal(t, req.RequestID, exit.RequestID)
	require.Equal(t, entity, exit.EntityID)

	target.mu.Lock()
	enter := target.enters[0]
	target.mu.Unlock()
	require.Equal(t, req.RequestID, enter.RequestID)
	require.Equal(t, targetAssign.ClusterID, enter.Cluster)
	require.Equal(t, entity, enter.Snapshot.ID)

	t.Run("duplicate request replays the outcome", func(t *testing.T) {
		reply, err := nc.Request(types.SubjectTransition, data, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, "+OK", string(reply.Data))

		require.Eventually(t, func() bool {
			source.mu.Lock()
			defer source.mu.Unlock()

			return len(source.exits) == 2
		}, 5*time.Second, 20*time.Millisecond)
	})
}

func TestCoordinator_TransitionIntoUnloadedCluster(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)
	coord := startCoordinator(t, nc, nil)

	source := registerFakeWorker(t, nc, "alpha")
	activateAndReady(t, coord, source, types.SectorCoord{X: 0, Y: 0})

	entity := uuid.New()
	req := types.TransitionRequest{
		Version:      types.ProtocolVersion,
		RequestID:    uuid.New(),
		EntityID:     entity,
		SourceOwner:  source.id,
		TargetSector: types.SectorCoord{X: -1, Y: 0},
		Snapshot: types.EntitySnapshot{
			ID:       entity,
			Position: types.Vec2{X: -0.5, Y: 10},
			Sector:   types.SectorCoord{X: -1, Y: 0},
		},
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	reply, err := nc.Request(types.SubjectTransition, data, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "+OK", string(reply.Data), "request into cold cluster is parked, not failed")

	// The parked request triggers activation of the target cluster; the
	// entity rides in with the initial state.
	var assign types.AssignCluster
	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		if len(source.assigns) < 2 {
			return false
		}
		assign = source.assigns[1]

		return true
	}, 5*time.Second, 20*time.Millisecond, "no assignment for the cold cluster")
	require.Equal(t, types.SectorCoord{X: -3, Y: 0}, assign.Base)

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		for _, st := range source.states {
			if st.ClusterID == assign.ClusterID {
				return len(st.Entities) == 1 && st.Entities[0].ID == entity
			}
		}

		return false
	}, 5*time.Second, 20*time.Millisecond, "pending entity missing from initial state")

	source.announceReady(assign.ClusterID)

	// Same owner ends up with both clusters, so the parked request resolves
	// as pure bookkeeping.
	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()

		return len(source.acks) == 1
	}, 5*time.Second, 20*time.Millisecond, "parked request never resolved")

	source.mu.Lock()
	ack := source.acks[0]
	source.mu.Unlock()
	require.Equal(t, req.RequestID, ack.RequestID)
	require.Equal(t, types.SectorCoord{X: -1, Y: 0}, ack.Sector)
}

func TestCoordinator_StandbyFailover(t *testing.T) {
	_, nc := sidetest.StartEmbeddedNATS(t)

	leader := startCoordinator(t, nc, func(cfg *Config) { cfg.ElectionTTL = time.Second })

	cfg := TestConfig()
	cfg.ElectionTTL = time.Second
	standby, err := NewCoordinator(&cfg, nc, storage.NewMemory(),
		WithNodeID("standby"),
		WithLogger(sidetest.NewTestLogger(t)))
	require.NoError(t, err)
	require.NoError(t, standby.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = standby.Stop(ctx)
	})

	require.True(t, leader.IsLeader())
	require.False(t, standby.IsLeader())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, leader.Stop(ctx))

	require.Eventually(t, func() bool {
		return standby.IsLeader()
	}, 10*time.Second, 50*time.Millisecond, "standby never took over")

	// The new leader serves registrations.
	worker := registerFakeWorker(t, nc, "alpha")
	require.Equal(t, types.WorkerID("shard-0"), worker.id)
}
