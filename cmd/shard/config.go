package main

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/Dastari/sidereal/worker"
)

// nodeConfig is the shard process configuration. The embedded worker.Config
// is validated by worker.New; everything else is process plumbing.
type nodeConfig struct {
	NATS struct {
		URL  string `yaml:"url"`
		Name string `yaml:"name"`
	} `yaml:"nats"`

	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`

	// SnapshotBucket is the JetStream KV bucket entity snapshots persist
	// to. Empty selects the default. Must match the coordinator's bucket.
	SnapshotBucket string `yaml:"snapshotBucket"`

	// TickInterval is the simulation step interval.
	TickInterval time.Duration `yaml:"tickInterval"`

	// Seed populates the snapshot store with random entities at startup,
	// for demo worlds. Zero entities disables seeding.
	Seed struct {
		Entities int    `yaml:"entities"`
		Base     [2]int `yaml:"base"`
	} `yaml:"seed"`

	Worker worker.Config `yaml:"worker"`
}

func loadConfig(path string) (*nodeConfig, error) {
	cfg := &nodeConfig{
		LogLevel:     "info",
		MetricsAddr:  ":9101",
		TickInterval: 50 * time.Millisecond,
		Worker:       worker.DefaultConfig(),
	}
	cfg.NATS.URL = nats.DefaultURL
	cfg.NATS.Name = "sidereal-shard"

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
