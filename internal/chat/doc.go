// Package chat is the conversation layer: the peer directory, the active
// conversation's message log and typing state, and the sealed message codec
// sitting on top of the per-peer session layer.
package chat
