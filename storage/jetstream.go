package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Dastari/sidereal/internal/kvutil"
	"github.com/Dastari/sidereal/types"
)

// DefaultSnapshotBucket is the KV bucket snapshots are persisted to when the
// caller does not pick one.
const DefaultSnapshotBucket = "sidereal-snapshots"

// JetStream implements types.Storage on a JetStream KeyValue bucket, one key
// per region. Any node connected to the same JetStream domain sees the same
// snapshots, which is what lets a cluster released on one shard be activated
// later on another.
type JetStream struct {
	kv jetstream.KeyValue
}

var _ types.Storage = (*JetStream)(nil)

// NewJetStream opens (creating if needed) the named KV bucket and returns a
// store backed by it. An empty bucket name selects DefaultSnapshotBucket.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - bucket: KV bucket name, or "" for the default
//
// Returns:
//   - *JetStream: Store backed by the bucket
//   - error: Bucket creation/open failure
func NewJetStream(ctx context.Context, js jetstream.JetStream, bucket string) (*JetStream, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if bucket == "" {
		bucket = DefaultSnapshotBucket
	}

	kv, err := kvutil.EnsureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	}, 5)
	if err != nil {
		return nil, fmt.Errorf("ensuring snapshot bucket: %w", err)
	}

	return &JetStream{kv: kv}, nil
}

// LoadSnapshot returns the persisted entities for a region. A region that
// was never saved returns an empty slice.
func (s *JetStream) LoadSnapshot(ctx context.Context, region types.Region) ([]types.EntitySnapshot, error) {
	entry, err := s.kv.Get(ctx, regionKey(region))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return []types.EntitySnapshot{}, nil
		}

		return nil, fmt.Errorf("loading snapshot for %s: %w", region, err)
	}

	var entities []types.EntitySnapshot
	if err := json.Unmarshal(entry.Value(), &entities); err != nil {
		return nil, fmt.Errorf("decoding snapshot for %s: %w", region, err)
	}

	return entities, nil
}

// SaveSnapshot replaces the region's persisted entities.
func (s *JetStream) SaveSnapshot(ctx context.Context, region types.Region, entities []types.EntitySnapshot) error {
	if entities == nil {
		entities = []types.EntitySnapshot{}
	}

	data, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("encoding snapshot for %s: %w", region, err)
	}

	if _, err := s.kv.Put(ctx, regionKey(region), data); err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", region, err)
	}

	return nil
}

// regionKey renders a region as a KV-safe key. Region.String carries commas
// and parentheses, which KV keys reject.
func regionKey(region types.Region) string {
	return fmt.Sprintf("region.%d_%d.%d", region.Base.X, region.Base.Y, region.Dims)
}
