// Package signaling is the relay-facing client: a single persistent
// WebSocket connection used for discovery announcements and out-of-band
// negotiation envelopes, never for conversation content.
package signaling
