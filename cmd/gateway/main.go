// Command gateway runs a sidereal consumer gateway: it subscribes to the
// replication delta feed and fans it out to WebSocket clients, optionally
// filtered by each client's declared area of interest.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/Dastari/sidereal/consumer"
	"github.com/Dastari/sidereal/internal/logging"
)

type nodeConfig struct {
	NATS struct {
		URL  string `yaml:"url"`
		Name string `yaml:"name"`
	} `yaml:"nats"`

	LogLevel   string `yaml:"logLevel"`
	ListenAddr string `yaml:"listenAddr"`

	Gateway consumer.Config `yaml:"gateway"`
}

func loadConfig(path string) (*nodeConfig, error) {
	cfg := &nodeConfig{
		LogLevel:   "info",
		ListenAddr: ":8080",
		Gateway:    consumer.DefaultConfig(),
	}
	cfg.NATS.URL = nats.DefaultURL
	cfg.NATS.Name = "sidereal-gateway"

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

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
		logger.Error("gateway failed", "error", err)
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

	gw, err := consumer.New(&cfg.Gateway, nc, consumer.WithLogger(logging.NewSlog(logger)))
	if err != nil {
		return err
	}
	if err := gw.Start(context.Background()); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "nats", cfg.NATS.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", "signal", sig.String())

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(stopCtx); err != nil {
		logger.Error("stopping http server", "error", err)
	}
	if err := gw.Stop(stopCtx); err != nil {
		logger.Error("stopping gateway", "error", err)
	}
	logger.Info("gateway stopped")

	return nil
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
