package worker

import (
	"fmt"
	"time"

	goerrors "github.com/pixil98/go-errors"

	"github.com/Dastari/sidereal/types"
)

// Config holds the configuration for a shard worker.
type Config struct {
	// Name is a human-readable label sent with the registration request.
	// The coordinator assigns the actual worker ID.
	Name string `yaml:"name"`

	// HeartbeatBucket is the JetStream KV bucket heartbeats are published
	// to. Must match the coordinator's heartbeat bucket.
	// Default: "sidereal-heartbeat"
	HeartbeatBucket string `yaml:"heartbeatBucket"`

	// HeartbeatInterval is the liveness publish cadence.
	// Default: 2s
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// LoadReportInterval is the cadence of load reports to the
	// coordinator. Default: 5s
	LoadReportInterval time.Duration `yaml:"loadReportInterval"`

	// ShadowSyncInterval is the cadence of boundary shadow scans.
	// Default: 250ms
	ShadowSyncInterval time.Duration `yaml:"shadowSyncInterval"`

	// ShadowTimeout prunes shadow records not refreshed within this
	// window. Default: 3s
	ShadowTimeout time.Duration `yaml:"shadowTimeout"`

	// DeltaFlushInterval is the network tick: tracked changes are batched
	// and published once per interval. Default: 100ms
	DeltaFlushInterval time.Duration `yaml:"deltaFlushInterval"`

	// SectorSize is the world-unit edge length of one sector. Must match
	// the coordinator. Default: 1000.0
	SectorSize float64 `yaml:"sectorSize"`

	// ClusterDims is the cluster edge length in sectors. Must match the
	// coordinator. Default: 3
	ClusterDims int `yaml:"clusterDims"`

	// TransitionZoneWidth is the boundary band scanned for shadow
	// candidates, in world units. Default: 50.0
	TransitionZoneWidth float64 `yaml:"transitionZoneWidth"`

	// RequestTimeout bounds each control-plane request. Default: 5s
	RequestTimeout time.Duration `yaml:"requestTimeout"`

	// TransitionRetries is how many times a transition request is resent
	// with the same request id before giving up. Default: 3
	TransitionRetries int `yaml:"transitionRetries"`

	// StartupTimeout bounds registration and bucket discovery.
	// Default: 30s
	StartupTimeout time.Duration `yaml:"startupTimeout"`

	// ShutdownTimeout bounds the graceful shutdown sequence.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// DefaultConfig returns a configuration with production defaults.
func DefaultConfig() Config {
	return Config{
		Name:                "shard",
		HeartbeatBucket:     "sidereal-heartbeat",
		HeartbeatInterval:   2 * time.Second,
		LoadReportInterval:  5 * time.Second,
		ShadowSyncInterval:  250 * time.Millisecond,
		ShadowTimeout:       3 * time.Second,
		DeltaFlushInterval:  100 * time.Millisecond,
		SectorSize:          1000.0,
		ClusterDims:         3,
		TransitionZoneWidth: 50.0,
		RequestTimeout:      5 * time.Second,
		TransitionRetries:   3,
		StartupTimeout:      30 * time.Second,
		ShutdownTimeout:     10 * time.Second,
	}
}

// SetDefaults fills zero-valued fields with defaults.
func SetDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.HeartbeatBucket == "" {
		cfg.HeartbeatBucket = def.HeartbeatBucket
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LoadReportInterval == 0 {
		cfg.LoadReportInterval = def.LoadReportInterval
	}
	if cfg.ShadowSyncInterval == 0 {
		cfg.ShadowSyncInterval = def.ShadowSyncInterval
	}
	if cfg.ShadowTimeout == 0 {
		cfg.ShadowTimeout = def.ShadowTimeout
	}
	if cfg.DeltaFlushInterval == 0 {
		cfg.DeltaFlushInterval = def.DeltaFlushInterval
	}
	if cfg.SectorSize == 0 {
		cfg.SectorSize = def.SectorSize
	}
	if cfg.ClusterDims == 0 {
		cfg.ClusterDims = def.ClusterDims
	}
	if cfg.TransitionZoneWidth == 0 {
		cfg.TransitionZoneWidth = def.TransitionZoneWidth
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.TransitionRetries == 0 {
		cfg.TransitionRetries = def.TransitionRetries
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
}

// Validate checks the configuration and collects every violation.
func (c *Config) Validate() error {
	el := goerrors.NewErrorList()

	if c.SectorSize <= 0 {
		el.Add(fmt.Errorf("sector size must be positive, got %v",
			c.SectorSize))
	}
	if c.ClusterDims < 1 {
		el.Add(fmt.Errorf("cluster dims must be at least 1, got %d",
			c.ClusterDims))
	}
	if c.TransitionZoneWidth < 0 || c.TransitionZoneWidth >= c.SectorSize/2 {
		el.Add(fmt.Errorf("transition zone width must be in [0, sector size/2), got %v",
			c.TransitionZoneWidth))
	}
	if c.HeartbeatInterval <= 0 {
		el.Add(fmt.Errorf("heartbeat interval must be positive, got %v",
			c.HeartbeatInterval))
	}
	if c.ShadowTimeout < c.ShadowSyncInterval {
		el.Add(fmt.Errorf("shadow timeout %v must not be shorter than the sync interval %v",
			c.ShadowTimeout, c.ShadowSyncInterval))
	}
	if c.TransitionRetries < 1 {
		el.Add(fmt.Errorf("transition retries must be at least 1, got %d",
			c.TransitionRetries))
	}

	if err := el.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}

	return nil
}

// TestConfig returns a configuration tuned for fast tests.
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.LoadReportInterval = 200 * time.Millisecond
	cfg.ShadowSyncInterval = 50 * time.Millisecond
	cfg.ShadowTimeout = time.Second
	cfg.DeltaFlushInterval = 50 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	cfg.StartupTimeout = 10 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second

	return cfg
}
