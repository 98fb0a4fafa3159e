package peering

import (
	"github.com/MaliosDark/secure-chat-sdk/internal/audio"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// LinkState is the transport-reported state of one negotiation link.
type LinkState string

const (
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
	LinkClosed       LinkState = "closed"
)

// Channel is the open application channel of a direct session.
type Channel interface {
	Send(data []byte) error
	Close() error
}

// LinkObserver receives transport events for one peer link. Callbacks may
// arrive on transport goroutines and after teardown; the coordinator
// re-checks session existence on every event.
type LinkObserver interface {
	// OnLocalCandidate fires for each locally gathered candidate.
	OnLocalCandidate(cand signalwire.Candidate)
	// OnChannelOpen fires once the application channel is usable, on both
	// the side that created it and the side that received it.
	OnChannelOpen(ch Channel)
	OnChannelMessage(data []byte)
	OnChannelClose()
	OnStateChange(state LinkState)
	// OnRemoteAudio fires when a remote audio leg arrives; src is nil when
	// the leg ends.
	OnRemoteAudio(src audio.Source)
}

// PeerLink is one direct transport session under negotiation. All methods
// are safe to call from the coordinator's goroutines.
type PeerLink interface {
	// OpenChannel creates the application channel locally. The initiator
	// calls this before producing its offer so the channel is part of the
	// negotiated session.
	OpenChannel(label string) error
	// CreateOffer produces and locally applies an offer. With iceRestart
	// set the offer requests fresh candidates on the existing session.
	CreateOffer(iceRestart bool) (signalwire.Description, error)
	// CreateAnswer produces and locally applies an answer to the previously
	// set remote offer.
	CreateAnswer() (signalwire.Description, error)
	SetRemoteDescription(desc signalwire.Description) error
	AddCandidate(cand signalwire.Candidate) error
	// WriteAudioFrame sends one PCM frame on the outbound audio leg, if the
	// link carries one.
	WriteAudioFrame(frame []int16) error
	Close() error
}

// Transport creates peer links. Implementations must not invoke observer
// callbacks before NewLink returns.
type Transport interface {
	NewLink(obs LinkObserver) (PeerLink, error)
}
