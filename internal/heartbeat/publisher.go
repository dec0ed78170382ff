package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Dastari/sidereal/internal/logger"
	"github.com/Dastari/sidereal/types"
)

// DefaultPrefix is the key prefix both sides of the heartbeat protocol use
// unless configured otherwise.
const DefaultPrefix = "hb"

// Common errors for heartbeat operations.
var (
	ErrNotStarted     = errors.New("publisher not started")
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrNoWorkerID     = errors.New("worker ID not set")
)

// KeyFor returns the KV key a worker's heartbeat is stored under.
//
// Parameters:
//   - prefix: Key prefix shared by all workers (e.g., "hb")
//   - worker: The worker's ID
//
// Returns:
//   - string: Key in the form "<prefix>.<worker>"
func KeyFor(prefix string, worker types.WorkerID) string {
	return fmt.Sprintf("%s.%s", prefix, worker)
}

// WorkerFromKey extracts the worker ID from a heartbeat KV key.
//
// The coordinator's bucket watcher uses this to map key deletions back to
// the worker that went away.
//
// Parameters:
//   - prefix: Key prefix the key is expected to carry
//   - key: Full KV key
//
// Returns:
//   - types.WorkerID: The embedded worker ID
//   - bool: false if the key does not carry the prefix
func WorkerFromKey(prefix, key string) (types.WorkerID, bool) {
	rest, ok := strings.CutPrefix(key, prefix+".")
	if !ok || rest == "" {
		return "", false
	}

	return types.WorkerID(rest), true
}

// Publisher publishes periodic heartbeats to a NATS KV bucket.
//
// The coordinator watches the bucket to detect worker crashes: a missing
// heartbeat key (TTL expiry) triggers forced release of the worker's
// clusters. Workers publish at a regular interval, starting immediately on
// Start.
type Publisher struct {
	kv       jetstream.KeyValue
	prefix   string
	interval time.Duration

	mu      sync.Mutex
	worker  types.WorkerID
	metrics types.MetricsCollector
	log     types.Logger
	started bool
	ticker  *time.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a heartbeat publisher.
//
// The KV bucket should be configured with a TTL of ~3x the heartbeat
// interval so a crash is detected after three missed beats.
//
// Parameters:
//   - kv: JetStream KV bucket for heartbeat storage
//   - prefix: Key prefix for heartbeat keys (e.g., "hb")
//   - interval: Heartbeat interval (typically 2s)
//
// Returns:
//   - *Publisher: New heartbeat publisher instance
func New(kv jetstream.KeyValue, prefix string, interval time.Duration) *Publisher {
	return &Publisher{
		kv:       kv,
		prefix:   prefix,
		interval: interval,
		log:      logger.NewNop(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetWorkerID sets the worker ID used in the heartbeat key.
//
// Must be called before Start. Workers learn their ID from the
// coordinator's registration ack, after the publisher is constructed.
func (p *Publisher) SetWorkerID(worker types.WorkerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.worker = worker
}

// SetLogger sets the logger for publish failures. Optional.
func (p *Publisher) SetLogger(log types.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if log != nil {
		p.log = log
	}
}

// SetMetrics sets the metrics collector for heartbeat events. Optional.
func (p *Publisher) SetMetrics(metrics types.MetricsCollector) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics = metrics
}

// Start publishes the first heartbeat immediately, then continues in the
// background at the configured interval until Stop is called.
//
// Parameters:
//   - ctx: Context for the initial publish
//
// Returns:
//   - error: ErrAlreadyStarted if running, ErrNoWorkerID if the ID is unset,
//     or the initial publish error
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	if p.worker == "" {
		return ErrNoWorkerID
	}

	// The first beat is published synchronously so registration failures
	// surface to the caller instead of a background goroutine.
	if err := p.publish(ctx); err != nil {
		return fmt.Errorf("failed to publish initial heartbeat: %w", err)
	}

	p.started = true
	p.ticker = time.NewTicker(p.interval)

	go p.publishLoop()

	return nil
}

// Stop halts publishing and deletes the heartbeat key.
//
// Deleting the key signals a graceful shutdown immediately instead of
// waiting for TTL expiry. Blocks until the background goroutine exits.
//
// Returns:
//   - error: ErrNotStarted if not running, or the cleanup error
func (p *Publisher) Stop() error {
	p.mu.Lock()

	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}

	p.ticker.Stop()
	close(p.stopCh)
	p.started = false
	worker := p.worker

	p.mu.Unlock()

	<-p.doneCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.kv.Delete(ctx, KeyFor(p.prefix, worker)); err != nil {
		return fmt.Errorf("stopped but failed to delete heartbeat: %w", err)
	}

	return nil
}

// WorkerID returns the configured worker ID.
func (p *Publisher) WorkerID() types.WorkerID {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.worker
}

// IsStarted reports whether the publisher is currently running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

func (p *Publisher) publishLoop() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.publish(ctx)
			cancel()

			p.record(err == nil)

			if err != nil {
				p.mu.Lock()
				log := p.log
				p.mu.Unlock()
				log.Warn("heartbeat publish failed", "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context) error {
	key := KeyFor(p.prefix, p.worker)
	value := []byte(time.Now().Format(time.RFC3339Nano))

	if _, err := p.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to publish heartbeat for %s: %w", p.worker, err)
	}

	return nil
}

func (p *Publisher) record(success bool) {
	p.mu.Lock()
	metrics := p.metrics
	worker := p.worker
	p.mu.Unlock()

	if metrics != nil {
		metrics.RecordHeartbeat(worker, success)
	}
}
