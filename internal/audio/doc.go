// Package audio implements the optional voice leg of a peer session: local
// capture analysis and attachment of whatever remote audio source is
// currently active.
//
// Audio is independent of the key-exchange/message path. It is not wrapped
// by the message codec; media protection is the transport's own concern.
package audio
