package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/Dastari/sidereal/internal/delta"
	"github.com/Dastari/sidereal/internal/logger"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/types"
)

// Common errors for gateway operations.
var (
	ErrInvalidConfig          = types.ErrInvalidConfig
	ErrNATSConnectionRequired = types.ErrNATSConnectionRequired
	ErrAlreadyStarted         = types.ErrAlreadyStarted
	ErrNotStarted             = types.ErrNotStarted
)

// Config holds the configuration for a consumer gateway.
type Config struct {
	// SendBuffer is the number of outbound frames buffered per client.
	// A client that falls further behind loses frames; delta replication
	// is loss tolerant and the next batch supersedes the missing ones.
	// Default: 64
	SendBuffer int `yaml:"sendBuffer"`

	// WriteTimeout bounds each websocket write. Default: 5s
	WriteTimeout time.Duration `yaml:"writeTimeout"`

	// ReadLimit is the maximum inbound client message size in bytes.
	// Clients only send small interest updates. Default: 4096
	ReadLimit int64 `yaml:"readLimit"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() Config {
	return Config{
		SendBuffer:   64,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    4096,
	}
}

// SetDefaults fills zero-valued fields with defaults.
func SetDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit == 0 {
		cfg.ReadLimit = def.ReadLimit
	}
}

// Option configures a Gateway.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	logger  types.Logger
	metrics types.MetricsCollector
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l types.Logger) Option {
	return func(o *gatewayOptions) { o.logger = l }
}

// WithMetrics sets the metrics collector. Defaults to a no-op collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(o *gatewayOptions) { o.metrics = m }
}

// interestMessage is the inbound client frame. A radius of zero or less
// clears the interest area (the client receives everything again).
type interestMessage struct {
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Radius float64 `json:"radius"`
}

// batchFrame is the outbound client frame carrying filtered deltas.
type batchFrame struct {
	Type   string              `json:"type"`
	Owner  types.WorkerID      `json:"owner"`
	Tick   uint64              `json:"tick"`
	Deltas []types.EntityDelta `json:"deltas"`
}

// circle is a client's interest area in world units.
type circle struct {
	center types.Vec2
	radius float64
}

func (c circle) contains(p types.Vec2) bool {
	dx := p.X - c.center.X
	dy := p.Y - c.center.Y

	return math.Sqrt(dx*dx+dy*dy) <= c.radius
}

// client is one connected websocket consumer.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	closed   bool
	interest *circle
	// appliers is keyed by publishing worker: tick domains are per owner
	// and not comparable across workers.
	appliers map[types.WorkerID]*delta.Applier
}

// enqueue hands a frame to the write loop. Returns false when the frame was
// dropped, either because the client is gone or its buffer is full.
//
// Sends and the channel close both happen under c.mu, so a disconnect
// racing a batch can never send on a closed channel.
func (c *client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once. Returns false if it was
// already closed.
func (c *client) closeSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)

	return true
}

func (c *client) setInterest(area *circle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interest = area
}

func (c *client) interestArea() *circle {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.interest
}

func (c *client) applierFor(owner types.WorkerID, m types.MetricsCollector) *delta.Applier {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.appliers[owner]
	if !ok {
		a = delta.NewApplier(m)
		c.appliers[owner] = a
	}

	return a
}

// Gateway fans replicated entity state out to presentation clients over
// WebSocket.
//
// It subscribes to every worker's delta subject and forwards each batch to
// connected clients, filtered per client by a spatial interest area and by
// last-write-wins tick ordering. Clients never see coordination traffic;
// only entity deltas flow here.
//
// Thread safety: all public methods are safe for concurrent use.
type Gateway struct {
	cfg     Config
	conn    *nats.Conn
	logger  types.Logger
	metrics types.MetricsCollector

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	posMu     sync.RWMutex
	positions map[types.EntityID]types.Vec2
}

// New creates a consumer gateway.
//
// Parameters:
//   - cfg: Configuration (missing fields are filled with defaults)
//   - conn: NATS connection the delta subjects are consumed from
//   - opts: Optional logger and metrics
//
// Returns:
//   - *Gateway: Initialized gateway (call Start, then serve Handler)
//   - error: Validation error if configuration or dependencies are invalid
func New(cfg *Config, conn *nats.Conn, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if conn == nil {
		return nil, ErrNATSConnectionRequired
	}

	SetDefaults(cfg)

	if cfg.SendBuffer < 1 {
		return nil, fmt.Errorf("%w: send buffer must be at least 1, got %d",
			ErrInvalidConfig, cfg.SendBuffer)
	}

	options := &gatewayOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = logger.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}

	return &Gateway{
		cfg:     *cfg,
		conn:    conn,
		logger:  options.logger,
		metrics: options.metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:   make(map[*client]struct{}),
		positions: make(map[types.EntityID]types.Vec2),
	}, nil
}

// Start begins consuming delta batches.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.ctx != nil {
		g.mu.Unlock()

		return ErrAlreadyStarted
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	g.mu.Unlock()

	sub, err := g.conn.Subscribe(types.DeltaWildcard, g.handleBatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe delta subjects: %w", err)
	}

	g.mu.Lock()
	g.sub = sub
	g.mu.Unlock()

	return nil
}

// Stop disconnects every client and stops consuming.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.ctx == nil {
		g.mu.Unlock()

		return ErrNotStarted
	}
	cancel := g.cancel
	sub := g.sub
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
		delete(g.clients, c)
	}
	g.mu.Unlock()

	if sub != nil {
		if err := sub.Drain(); err != nil {
			g.logger.Error("failed to drain delta subscription", "error", err)
		}
	}

	cancel()

	for _, c := range clients {
		c.closeSend()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.clients)
}

// Handler returns the HTTP handler upgrading connections to websocket
// sessions. Mount it on the route of your choice.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		started := g.ctx != nil
		g.mu.Unlock()
		if !started {
			http.Error(w, "gateway not started", http.StatusServiceUnavailable)

			return
		}

		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)

			return
		}

		c := &client{
			conn:     conn,
			send:     make(chan []byte, g.cfg.SendBuffer),
			appliers: make(map[types.WorkerID]*delta.Applier),
		}
		conn.SetReadLimit(g.cfg.ReadLimit)

		g.mu.Lock()
		g.clients[c] = struct{}{}
		g.mu.Unlock()
		g.logger.Info("consumer connected", "remote", r.RemoteAddr)

		g.wg.Add(1)
		go g.writeLoop(c)
		g.readLoop(c, r.RemoteAddr)
	})
}

// readLoop consumes interest updates until the client disconnects.
func (g *Gateway) readLoop(c *client, remote string) {
	defer g.disconnect(c, remote)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg interestMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			g.logger.Debug("malformed client message discarded", "remote", remote, "error", err)

			continue
		}

		if msg.Type != "interest" {
			continue
		}
		if msg.Radius <= 0 {
			c.setInterest(nil)

			continue
		}
		c.setInterest(&circle{center: types.Vec2{X: msg.X, Y: msg.Y}, radius: msg.Radius})
	}
}

// writeLoop drains the client's send channel onto the socket.
func (g *Gateway) writeLoop(c *client) {
	defer g.wg.Done()

	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// readLoop notices the dead socket and disconnects.
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"))
	_ = c.conn.Close()
}

func (g *Gateway) disconnect(c *client, remote string) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()

	if c.closeSend() {
		g.logger.Info("consumer disconnected", "remote", remote)
	}
	_ = c.conn.Close()
}

// handleBatch forwards one worker's delta batch to every interested
// client.
func (g *Gateway) handleBatch(msg *nats.Msg) {
	var batch types.EntityDeltaBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		g.logger.Debug("malformed delta batch dropped", "error", err)

		return
	}

	g.trackPositions(batch)

	g.mu.Lock()
	clients := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		fresh := c.applierFor(batch.Owner, g.metrics).Filter(batch)
		fresh = g.filterInterest(c, fresh)
		if len(fresh) == 0 {
			continue
		}

		frame, err := json.Marshal(batchFrame{
			Type:   "batch",
			Owner:  batch.Owner,
			Tick:   batch.Tick,
			Deltas: fresh,
		})
		if err != nil {
			g.logger.Error("failed to encode client frame", "error", err)

			continue
		}

		if c.enqueue(frame) {
			g.metrics.RecordDeltaBatch("consumer", len(fresh))
		} else {
			// Slow or departed consumer: drop the frame, newer ticks
			// supersede it.
			g.logger.Debug("client frame dropped")
		}
	}
}

// trackPositions keeps the last known world position per entity, so
// interest filtering can classify deltas that do not carry a position.
func (g *Gateway) trackPositions(batch types.EntityDeltaBatch) {
	g.posMu.Lock()
	defer g.posMu.Unlock()

	for _, d := range batch.Deltas {
		raw, ok := d.Changed[types.FieldPosition]
		if !ok {
			continue
		}
		var pos types.Vec2
		if err := json.Unmarshal(raw, &pos); err != nil {
			continue
		}
		g.positions[d.EntityID] = pos
	}
}

// filterInterest drops deltas for entities outside the client's interest
// area. Entities with no known position pass through.
func (g *Gateway) filterInterest(c *client, deltas []types.EntityDelta) []types.EntityDelta {
	area := c.interestArea()
	if area == nil {
		return deltas
	}

	g.posMu.RLock()
	defer g.posMu.RUnlock()

	filtered := deltas[:0]
	for _, d := range deltas {
		pos, known := g.positions[d.EntityID]
		if !known || area.contains(pos) {
			filtered = append(filtered, d)
		}
	}

	return filtered
}
