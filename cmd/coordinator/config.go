package main

import (
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/Dastari/sidereal"
)

// nodeConfig is the coordinator process configuration. The embedded
// sidereal.Config is validated by NewCoordinator; everything else is
// process plumbing.
type nodeConfig struct {
	NATS struct {
		URL  string `yaml:"url"`
		Name string `yaml:"name"`
	} `yaml:"nats"`

	// NodeID identifies this replica in leader election. Empty means a
	// random id is generated at startup.
	NodeID string `yaml:"nodeId"`

	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`

	// SnapshotBucket is the JetStream KV bucket entity snapshots persist
	// to. Empty selects the default.
	SnapshotBucket string `yaml:"snapshotBucket"`

	// Activate lists cluster bases to activate once a worker is
	// available, for bootstrapping a world from cold storage.
	Activate [][2]int `yaml:"activate"`

	Coordinator sidereal.Config `yaml:"coordinator"`
}

func loadConfig(path string) (*nodeConfig, error) {
	cfg := &nodeConfig{
		LogLevel:    "info",
		MetricsAddr: ":9100",
		Coordinator: sidereal.DefaultConfig(),
	}
	cfg.NATS.URL = nats.DefaultURL
	cfg.NATS.Name = "sidereal-coordinator"

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
