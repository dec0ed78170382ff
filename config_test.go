package sidereal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Dastari/sidereal/types"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, 1000.0, cfg.World.SectorSize)
	require.Equal(t, 3, cfg.World.ClusterDims)
	require.Equal(t, 50.0, cfg.World.TransitionZoneWidth)
	require.Equal(t, 10.0, cfg.Balance.PlayerWeight)
	require.Equal(t, "sidereal-worker-ids", cfg.KVBuckets.WorkerIDBucket)
	require.Equal(t, "sidereal-heartbeat", cfg.KVBuckets.HeartbeatBucket)
	require.Equal(t, 300*time.Second, cfg.EmptyTimeout)
	require.Equal(t, 60*time.Second, cfg.RebalanceInterval)
	require.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 6*time.Second, cfg.HeartbeatTTL)
	require.Equal(t, 15*time.Second, cfg.ElectionTTL)
	require.Equal(t, 256, cfg.InitialStateChunkSize)
	require.NoError(t, cfg.Validate())
}

func TestSetDefaults(t *testing.T) {
	t.Run("fills empty config", func(t *testing.T) {
		cfg := Config{}
		SetDefaults(&cfg)

		require.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("preserves custom values", func(t *testing.T) {
		cfg := Config{
			World: WorldConfig{
				SectorSize:          500.0,
				TransitionZoneWidth: 25.0,
			},
			EmptyTimeout:     time.Minute,
			WorkerIDPoolSize: 8,
		}
		SetDefaults(&cfg)

		require.Equal(t, 500.0, cfg.World.SectorSize)
		require.Equal(t, 25.0, cfg.World.TransitionZoneWidth)
		require.Equal(t, time.Minute, cfg.EmptyTimeout)
		require.Equal(t, 8, cfg.WorkerIDPoolSize)
		// Untouched fields still pick up defaults.
		require.Equal(t, 3, cfg.World.ClusterDims)
		require.Equal(t, "sidereal-election", cfg.KVBuckets.ElectionBucket)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative sector size", func(c *Config) { c.World.SectorSize = -1 }},
		{"zero cluster dims", func(c *Config) { c.World.ClusterDims = 0 }},
		{"transition zone too wide", func(c *Config) { c.World.TransitionZoneWidth = c.World.SectorSize / 2 }},
		{"negative transition zone", func(c *Config) { c.World.TransitionZoneWidth = -1 }},
		{"zero rebalance threshold", func(c *Config) { c.Balance.RebalanceThreshold = 0 }},
		{"heartbeat TTL too short", func(c *Config) { c.HeartbeatTTL = c.HeartbeatInterval }},
		{"election TTL below sweep renewal", func(c *Config) { c.ElectionTTL = c.SweepInterval }},
		{"activate timeout below request timeout", func(c *Config) { c.ActivateTimeout = c.RequestTimeout }},
		{"zero chunk size", func(c *Config) { c.InitialStateChunkSize = -1 }},
		{"zero worker pool", func(c *Config) { c.WorkerIDPoolSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			require.ErrorIs(t, err, types.ErrInvalidConfig)
		})
	}

	t.Run("all violations reported together", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.World.ClusterDims = 0
		cfg.WorkerIDPoolSize = -1

		err := cfg.Validate()
		require.Error(t, err)
		require.Contains(t, err.Error(), "cluster dims")
		require.Contains(t, err.Error(), "WorkerIDPoolSize")
	})
}

func TestConfig_PartialYAML(t *testing.T) {
	raw := `
world:
  sectorSize: 2000
balance:
  playerWeight: 5
emptyTimeout: 2m
kvBuckets:
  heartbeatBucket: custom-heartbeat
`

	cfg := Config{}
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))
	SetDefaults(&cfg)

	require.Equal(t, 2000.0, cfg.World.SectorSize)
	require.Equal(t, 5.0, cfg.Balance.PlayerWeight)
	require.Equal(t, 2*time.Minute, cfg.EmptyTimeout)
	require.Equal(t, "custom-heartbeat", cfg.KVBuckets.HeartbeatBucket)
	// Unset fields come from defaults.
	require.Equal(t, 3, cfg.World.ClusterDims)
	require.Equal(t, 6*time.Second, cfg.HeartbeatTTL)
	require.NoError(t, cfg.Validate())
}

func TestTestConfig(t *testing.T) {
	cfg := TestConfig()

	require.NoError(t, cfg.Validate())
	require.Less(t, cfg.EmptyTimeout, time.Second)
	require.Less(t, cfg.HeartbeatInterval, time.Second)
}
