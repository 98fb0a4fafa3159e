// Package peering owns the per-peer session lifecycle: discovery-triggered
// connection negotiation, candidate queuing, channel readiness, and atomic
// teardown of every per-peer resource.
//
// The underlying peer-to-peer transport is a capability interface
// (Transport/PeerLink); the production implementation is WebRTC via pion,
// and tests use in-memory fakes.
package peering
