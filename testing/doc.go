// Package testing provides test utilities for the sidereal coordination
// layer.
//
// The main helper is StartEmbeddedNATS, which runs an in-process NATS server
// with JetStream enabled so transport-dependent code can be tested without
// external infrastructure. It follows Go's convention of a dedicated testing
// package (similar to net/http/httptest).
//
// Example usage:
//
//	import (
//	    "testing"
//	    sidetest "github.com/Dastari/sidereal/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := sidetest.StartEmbeddedNATS(t)
//	    // Use nc for your tests.
//	}
package testing
