package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Dastari/sidereal/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	stateTransitions  *prometheus.CounterVec
	assignments       *prometheus.CounterVec
	workersLost       prometheus.Counter
	clustersReleased  prometheus.Counter
	heartbeats        *prometheus.CounterVec
	sweepActions      *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec
	duplicateRequests prometheus.Counter
	consistencyFaults prometheus.Counter
	deltaBatchSize    *prometheus.HistogramVec
	staleDeltas       prometheus.Counter
	shadowBatchSize   prometheus.Histogram
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "sidereal" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "sidereal"
	}

	c := &PrometheusCollector{reg: reg, namespace: namespace}
	c.init()

	return c
}

func (c *PrometheusCollector) init() {
	c.once.Do(func() {
		ns := c.namespace

		c.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cluster_state_transitions_total",
			Help:      "Cluster lifecycle state machine transitions.",
		}, []string{"from", "to"})

		c.assignments = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cluster_assignments_total",
			Help:      "Clusters assigned to workers.",
		}, []string{"worker"})

		c.workersLost = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "workers_lost_total",
			Help:      "Workers removed after heartbeat timeout.",
		})

		c.clustersReleased = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "clusters_force_released_total",
			Help:      "Clusters force-released because their owner was lost.",
		})

		c.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "heartbeats_total",
			Help:      "Heartbeat publish attempts.",
		}, []string{"result"})

		c.sweepActions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "sweep_actions_total",
			Help:      "Actions taken by lifecycle sweeps.",
		}, []string{"action"})

		c.transitionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "transition_duration_milliseconds",
			Help:      "Entity handoff duration from request receipt to close.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}, []string{"kind"})

		c.duplicateRequests = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "duplicate_transition_requests_total",
			Help:      "Transition requests replayed idempotently.",
		})

		c.consistencyFaults = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "consistency_faults_total",
			Help:      "Detected double-ownership faults.",
		})

		c.deltaBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "delta_batch_entities",
			Help:      "Entities per flushed delta batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"receiver"})

		c.staleDeltas = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stale_deltas_total",
			Help:      "Deltas discarded as older than the last applied tick.",
		})

		c.shadowBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "shadow_batch_entities",
			Help:      "Entities per boundary shadow batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		})

		c.reg.MustRegister(
			c.stateTransitions, c.assignments, c.workersLost, c.clustersReleased,
			c.heartbeats, c.sweepActions, c.transitionLatency,
			c.duplicateRequests, c.consistencyFaults,
			c.deltaBatchSize, c.staleDeltas, c.shadowBatchSize,
		)
	})
}

// RecordClusterStateTransition records a cluster state machine step.
func (c *PrometheusCollector) RecordClusterStateTransition(_ types.ClusterID, from, to types.ClusterState) {
	c.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// RecordAssignment records a cluster being assigned to a worker.
func (c *PrometheusCollector) RecordAssignment(worker types.WorkerID, _ types.ClusterID) {
	c.assignments.WithLabelValues(string(worker)).Inc()
}

// RecordWorkerLost records a heartbeat-timeout worker removal.
func (c *PrometheusCollector) RecordWorkerLost(_ types.WorkerID, clustersReleased int) {
	c.workersLost.Inc()
	c.clustersReleased.Add(float64(clustersReleased))
}

// RecordHeartbeat records a heartbeat publish attempt.
func (c *PrometheusCollector) RecordHeartbeat(_ types.WorkerID, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	c.heartbeats.WithLabelValues(result).Inc()
}

// RecordSweep records one lifecycle sweep's actions.
func (c *PrometheusCollector) RecordSweep(activations, deactivations, rebalanceMoves int) {
	c.sweepActions.WithLabelValues("activate").Add(float64(activations))
	c.sweepActions.WithLabelValues("deactivate").Add(float64(deactivations))
	c.sweepActions.WithLabelValues("rebalance").Add(float64(rebalanceMoves))
}

// RecordTransition records a resolved transition.
func (c *PrometheusCollector) RecordTransition(kind string, durationMs float64) {
	c.transitionLatency.WithLabelValues(kind).Observe(durationMs)
}

// RecordDuplicateRequest records an idempotent replay of a request id.
func (c *PrometheusCollector) RecordDuplicateRequest() {
	c.duplicateRequests.Inc()
}

// RecordConsistencyFault records a detected double-ownership fault.
func (c *PrometheusCollector) RecordConsistencyFault(_ types.EntityID) {
	c.consistencyFaults.Inc()
}

// RecordDeltaBatch records a flushed delta batch and its entity count.
func (c *PrometheusCollector) RecordDeltaBatch(receiver string, entities int) {
	c.deltaBatchSize.WithLabelValues(receiver).Observe(float64(entities))
}

// RecordStaleDelta records a delta discarded as stale.
func (c *PrometheusCollector) RecordStaleDelta() {
	c.staleDeltas.Inc()
}

// RecordShadowBatch records a boundary shadow batch and its size.
func (c *PrometheusCollector) RecordShadowBatch(_ types.WorkerID, entities int) {
	c.shadowBatchSize.Observe(float64(entities))
}
