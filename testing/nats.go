package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// StartEmbeddedNATS starts an in-process NATS server with JetStream enabled.
//
// The server listens on a random port to allow parallel tests, stores
// JetStream data in the test's temp dir, and is shut down via t.Cleanup.
// Startup takes milliseconds, so tests can afford a fresh broker each.
//
// Parameters:
//   - t: Testing context for cleanup and failure reporting
//
// Returns:
//   - *server.Server: The embedded NATS server instance
//   - *nats.Conn: Connected NATS client (closed automatically on cleanup)
func StartEmbeddedNATS(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random available port
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create embedded NATS server: %v", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded NATS server not ready within timeout")
	}

	nc, err := nats.Connect(ns.ClientURL(),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(3),
	)
	if err != nil {
		ns.Shutdown()
		t.Fatalf("failed to connect to embedded NATS server: %v", err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns, nc
}

// CreateKV creates a JetStream KV bucket with test-friendly defaults:
// memory storage, a single replica, and a one-minute TTL.
//
// Parameters:
//   - t: Testing context
//   - nc: NATS connection (from StartEmbeddedNATS)
//   - bucket: Name of the KV bucket to create
//
// Returns:
//   - jetstream.KeyValue: The created KV bucket
func CreateKV(t *testing.T, nc *nats.Conn, bucket string) jetstream.KeyValue {
	t.Helper()

	return CreateKVWithTTL(t, nc, bucket, time.Minute)
}

// CreateKVWithTTL creates a JetStream KV bucket with an explicit TTL.
//
// Heartbeat and election tests use short TTLs to exercise expiry without
// slowing the suite down.
//
// Parameters:
//   - t: Testing context
//   - nc: NATS connection (from StartEmbeddedNATS)
//   - bucket: Name of the KV bucket to create
//   - ttl: Per-key TTL for the bucket
//
// Returns:
//   - jetstream.KeyValue: The created KV bucket
func CreateKVWithTTL(t *testing.T, nc *nats.Conn, bucket string, ttl time.Duration) jetstream.KeyValue {
	t.Helper()

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("failed to get JetStream context: %v", err)
	}

	kv, err := js.CreateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("test KV bucket: %s", bucket),
		TTL:         ttl,
		Storage:     jetstream.MemoryStorage,
		Replicas:    1,
	})
	if err != nil {
		t.Fatalf("failed to create KV bucket %s: %v", bucket, err)
	}

	return kv
}
