// Package signalwire models the two wire surfaces of the chat system: the
// relay envelope protocol used for discovery and session negotiation, and
// the application frame protocol spoken over an established data channel.
//
// Both surfaces are closed tagged unions. Messages are strict-decoded
// (unknown fields and trailing data rejected) and validated per type on
// receipt. This package intentionally avoids depending on any WebRTC
// library type; it models the protocol, not the transport implementation.
package signalwire
