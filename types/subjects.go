package types

import "fmt"

// NATS subject layout.
//
// The control plane uses request/reply JSON on fixed subjects (worker to
// coordinator) and per-worker inbox subjects (coordinator to worker). The
// data plane uses plain publishes; loss is tolerated and newer ticks
// supersede older ones.
const (
	// SubjectRegister is the registration handshake (request/reply).
	SubjectRegister = "sidereal.ctrl.register"

	// SubjectDeregister is the graceful shutdown notice (request/reply).
	SubjectDeregister = "sidereal.ctrl.deregister"

	// SubjectLoadReport carries periodic worker load reports.
	SubjectLoadReport = "sidereal.ctrl.load"

	// SubjectClusterReady acknowledges an AssignCluster (request/reply).
	SubjectClusterReady = "sidereal.ctrl.ready"

	// SubjectClusterReleased acknowledges a ReleaseCluster (request/reply).
	SubjectClusterReleased = "sidereal.ctrl.released"

	// SubjectTransition carries TransitionRequest messages (request/reply).
	SubjectTransition = "sidereal.ctrl.transition"
)

// Per-worker control message kinds, used as the last token of a worker
// inbox subject.
const (
	WorkerMsgAssign  = "assign"
	WorkerMsgState   = "state"
	WorkerMsgRelease = "release"
	WorkerMsgAck     = "ack"
	WorkerMsgEnter   = "enter"
	WorkerMsgExit    = "exit"
)

// WorkerSubject returns the inbox subject for a coordinator-to-worker
// control message.
//
// Parameters:
//   - worker: Destination worker ID
//   - kind: One of the WorkerMsg constants
//
// Returns:
//   - string: Subject in the form "sidereal.worker.<id>.<kind>"
func WorkerSubject(worker WorkerID, kind string) string {
	return fmt.Sprintf("sidereal.worker.%s.%s", worker, kind)
}

// WorkerSubjectPrefix returns the wildcard subscription subject covering
// every control message for one worker.
func WorkerSubjectPrefix(worker WorkerID) string {
	return fmt.Sprintf("sidereal.worker.%s.>", worker)
}

// DeltaWildcard subscribes to the delta batches of every worker. Downstream
// consumers use it to fan replicated state out to clients.
const DeltaWildcard = "sidereal.delta.>"

// DeltaSubject returns the data-plane subject a worker publishes its entity
// delta batches on.
func DeltaSubject(owner WorkerID) string {
	return fmt.Sprintf("sidereal.delta.%s", owner)
}

// ShadowSubject returns the data-plane subject boundary shadow batches for
// the cluster at base are published on.
//
// Addressing by base coordinate lets a publisher reach a neighboring
// cluster without knowing its id or owner: the owner subscribes on its own
// base, and a publish into an unloaded cluster simply has no subscriber.
func ShadowSubject(base SectorCoord) string {
	return fmt.Sprintf("sidereal.shadow.%d_%d", base.X, base.Y)
}
