// Command coordinator runs a sidereal coordinator node: the authority for
// worker registration, cluster assignment, and transition arbitration.
// Multiple replicas may run against the same NATS deployment; they elect a
// leader and the rest stand by.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dastari/sidereal"
	"github.com/Dastari/sidereal/internal/logging"
	"github.com/Dastari/sidereal/internal/metrics"
	"github.com/Dastari/sidereal/storage"
	"github.com/Dastari/sidereal/types"
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
		logger.Error("coordinator failed", "error", err)
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

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.StartupTimeout)
	defer cancel()

	store, err := storage.NewJetStream(startCtx, js, cfg.SnapshotBucket)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewPrometheus(reg, "sidereal")
	metricsSrv := serveMetrics(cfg.MetricsAddr, reg, logger)

	opts := []sidereal.Option{
		sidereal.WithLogger(logging.NewSlog(logger)),
		sidereal.WithMetrics(collector),
	}
	if cfg.NodeID != "" {
		opts = append(opts, sidereal.WithNodeID(cfg.NodeID))
	}

	coord, err := sidereal.NewCoordinator(&cfg.Coordinator, nc, store, opts...)
	if err != nil {
		return err
	}

	if err := coord.Start(startCtx); err != nil {
		return err
	}
	logger.Info("coordinator started", "node_id", coord.NodeID(), "nats", cfg.NATS.URL)

	for _, base := range cfg.Activate {
		sc := types.SectorCoord{X: base[0], Y: base[1]}
		if err := coord.ActivateCluster(startCtx, sc); err != nil {
			logger.Warn("bootstrap activation failed", "base", sc, "error", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownTimeout)
	defer cancel()

	if err := coord.Stop(stopCtx); err != nil {
		logger.Error("stopping coordinator", "error", err)
	}
	if err := metricsSrv.Shutdown(stopCtx); err != nil {
		logger.Error("stopping metrics server", "error", err)
	}
	logger.Info("coordinator stopped")

	return nil
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
