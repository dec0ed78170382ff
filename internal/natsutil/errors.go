// Package natsutil keeps NATS-specific error inspection out of types/ so
// the shared data model stays free of transport imports.
package natsutil

import (
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Dastari/sidereal/types"
)

// IsConnectivityError reports whether an error is caused by a transport
// problem: NATS timeouts, refused connections, disconnects, or a missing
// JetStream responder.
//
// The coordinator uses this to distinguish a broker outage (keep cached
// assignments, retry) from a protocol error (fail the operation).
//
// Parameters:
//   - err: Error to check
//
// Returns:
//   - bool: true if the error indicates a connectivity issue
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, types.ErrConnectivity) ||
		errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout")
}
