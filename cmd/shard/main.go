// Command shard runs a sidereal shard worker with a small kinematic demo
// simulation. It registers with the coordinator, accepts cluster
// assignments, and hands entities off as they drift across cluster
// boundaries.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dastari/sidereal/grid"
	"github.com/Dastari/sidereal/internal/logging"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/storage"
	"github.com/Dastari/sidereal/types"
	"github.com/Dastari/sidereal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	natsURL := flag.String("nats", "", "NATS server URL (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	if err := run(cfg, logger); err != nil {
		logger.Error("shard failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *nodeConfig, logger *slog.Logger) error {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.Name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.StartupTimeout)
	defer cancel()

	store, err := storage.NewJetStream(startCtx, js, cfg.SnapshotBucket)
	if err != nil {
		return err
	}

	g := grid.New(cfg.Worker.SectorSize, cfg.Worker.ClusterDims)
	if cfg.Seed.Entities > 0 {
		if err := seedWorld(startCtx, store, g, cfg); err != nil {
			return err
		}
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg, "sidereal")
	metricsSrv := serveMetrics(cfg.MetricsAddr, reg, logger)

	sim := newSimulation(g, logger)
	shard, err := worker.New(&cfg.Worker, nc, sim, store,
		worker.WithLogger(logging.NewSlog(logger)),
		worker.WithMetrics(collector),
	)
	if err != nil {
		return err
	}
	sim.attach(shard)

	if err := shard.Start(startCtx); err != nil {
		return err
	}
	logger.Info("shard started", "worker_id", shard.ID(), "nats", cfg.NATS.URL)

	simCtx, stopSim := context.WithCancel(context.Background())
	go sim.run(simCtx, cfg.TickInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	stopSim()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()

	if err := shard.Stop(stopCtx); err != nil {
		logger.Error("stopping shard", "error", err)
	}
	if err := metricsSrv.Shutdown(stopCtx); err != nil {
		logger.Error("stopping metrics server", "error", err)
	}
	logger.Info("shard stopped")

	return nil
}

// seedWorld writes random drifting entities into the seed cluster's region
// so a cold demo world has something to simulate.
func seedWorld(ctx context.Context, store types.Storage, g grid.Grid, cfg *nodeConfig) error {
	base := types.SectorCoord{X: cfg.Seed.Base[0], Y: cfg.Seed.Base[1]}
	region := types.Region{Base: base, Dims: cfg.Worker.ClusterDims}

	existing, err := store.LoadSnapshot(ctx, region)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	origin := g.SectorOrigin(base)
	span := g.ClusterSpan()
	entities := make([]types.EntitySnapshot, cfg.Seed.Entities)
	for i := range entities {
		entities[i] = types.EntitySnapshot{
			ID: types.EntityID(uuid.New()),
			Position: types.Vec2{
				X: origin.X + rand.Float64()*span,
				Y: origin.Y + rand.Float64()*span,
			},
			Velocity: types.Vec2{
				X: (rand.Float64() - 0.5) * 20,
				Y: (rand.Float64() - 0.5) * 20,
			},
		}
	}

	return store.SaveSnapshot(ctx, region, entities)
}

// serveMetrics exposes /metrics and /healthz on addr.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	return srv
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
