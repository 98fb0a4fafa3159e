package signalwire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// EnvelopeType tags a relay envelope.
type EnvelopeType string

const (
	EnvelopeJoin             EnvelopeType = "join"
	EnvelopeDiscoveryPing    EnvelopeType = "discovery_ping"
	EnvelopeDiscoveryPong    EnvelopeType = "discovery_pong"
	EnvelopePeerDiscovered   EnvelopeType = "peer_discovered"
	EnvelopePeerDisconnected EnvelopeType = "peer_disconnected"
	EnvelopeOffer            EnvelopeType = "offer"
	EnvelopeAnswer           EnvelopeType = "answer"
	EnvelopeICECandidate     EnvelopeType = "ice_candidate"
)

// Description is a minimal, JSON-friendly negotiation description
// (offer/answer session parameters).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is a reachable network address/path proposed for the direct
// session.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Envelope is a relay wire message. The payload carries a Description for
// offer/answer envelopes and a Candidate for ice_candidate envelopes;
// Validate enforces the closed union.
//
// SenderID is stamped by the relay on routed envelopes (offer, answer,
// ice_candidate); clients never set it themselves.
type Envelope struct {
	Type EnvelopeType `json:"type"`

	NodeID   string `json:"nodeId,omitempty"`
	Username string `json:"username,omitempty"`

	PeerID     string `json:"peerId,omitempty"`
	TargetNode string `json:"targetNode,omitempty"`
	TargetPeer string `json:"targetPeer,omitempty"`
	SenderID   string `json:"senderId,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewOffer builds an offer envelope addressed to targetPeer.
func NewOffer(targetPeer string, desc Description) (Envelope, error) {
	return newRouted(EnvelopeOffer, targetPeer, desc)
}

// NewAnswer builds an answer envelope addressed to targetPeer.
func NewAnswer(targetPeer string, desc Description) (Envelope, error) {
	return newRouted(EnvelopeAnswer, targetPeer, desc)
}

// NewICECandidate builds an ice_candidate envelope addressed to targetPeer.
func NewICECandidate(targetPeer string, cand Candidate) (Envelope, error) {
	return newRouted(EnvelopeICECandidate, targetPeer, cand)
}

func newRouted(t EnvelopeType, targetPeer string, payload any) (Envelope, error) {
	if targetPeer == "" {
		return Envelope{}, fmt.Errorf("%s envelope missing targetPeer", t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, TargetPeer: targetPeer, Payload: raw}, nil
}

// ParseEnvelope strict-decodes and validates a relay envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DescriptionPayload strict-decodes the payload of an offer/answer envelope.
func (e Envelope) DescriptionPayload() (Description, error) {
	if e.Type != EnvelopeOffer && e.Type != EnvelopeAnswer {
		return Description{}, fmt.Errorf("%s envelope carries no negotiation description", e.Type)
	}
	var desc Description
	if err := decodeStrict(e.Payload, &desc); err != nil {
		return Description{}, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return desc, nil
}

// CandidatePayload strict-decodes the payload of an ice_candidate envelope.
func (e Envelope) CandidatePayload() (Candidate, error) {
	if e.Type != EnvelopeICECandidate {
		return Candidate{}, fmt.Errorf("%s envelope carries no candidate", e.Type)
	}
	var cand Candidate
	if err := decodeStrict(e.Payload, &cand); err != nil {
		return Candidate{}, fmt.Errorf("decode ice_candidate payload: %w", err)
	}
	return cand, nil
}

func (e Envelope) Validate() error {
	switch e.Type {
	case EnvelopeJoin:
		if e.NodeID == "" || e.Username == "" {
			return fmt.Errorf("join envelope missing nodeId/username")
		}
		if e.PeerID != "" || e.TargetNode != "" || e.TargetPeer != "" || e.Payload != nil {
			return fmt.Errorf("join envelope has unexpected fields")
		}
	case EnvelopeDiscoveryPing:
		if e.NodeID == "" || e.Username == "" {
			return fmt.Errorf("discovery_ping envelope missing nodeId/username")
		}
		if e.TargetNode != "" || e.TargetPeer != "" || e.Payload != nil {
			return fmt.Errorf("discovery_ping envelope has unexpected fields")
		}
	case EnvelopeDiscoveryPong:
		if e.NodeID == "" || e.Username == "" || e.TargetNode == "" {
			return fmt.Errorf("discovery_pong envelope missing nodeId/username/targetNode")
		}
		if e.TargetPeer != "" || e.Payload != nil {
			return fmt.Errorf("discovery_pong envelope has unexpected fields")
		}
	case EnvelopePeerDiscovered:
		if e.PeerID == "" {
			return fmt.Errorf("peer_discovered envelope missing peerId")
		}
		if e.NodeID != "" || e.TargetNode != "" || e.TargetPeer != "" || e.Payload != nil {
			return fmt.Errorf("peer_discovered envelope has unexpected fields")
		}
	case EnvelopePeerDisconnected:
		if e.PeerID == "" {
			return fmt.Errorf("peer_disconnected envelope missing peerId")
		}
		if e.NodeID != "" || e.Username != "" || e.TargetNode != "" || e.TargetPeer != "" || e.Payload != nil {
			return fmt.Errorf("peer_disconnected envelope has unexpected fields")
		}
	case EnvelopeOffer, EnvelopeAnswer:
		if e.Payload == nil {
			return fmt.Errorf("%s envelope missing payload", e.Type)
		}
		desc, err := e.DescriptionPayload()
		if err != nil {
			return err
		}
		if string(e.Type) != desc.Type {
			return fmt.Errorf("%s envelope has payload.type=%q", e.Type, desc.Type)
		}
		if desc.SDP == "" {
			return fmt.Errorf("%s envelope has empty sdp", e.Type)
		}
		if e.TargetPeer == "" && e.SenderID == "" {
			return fmt.Errorf("%s envelope missing targetPeer", e.Type)
		}
	case EnvelopeICECandidate:
		if e.Payload == nil {
			return fmt.Errorf("ice_candidate envelope missing payload")
		}
		if _, err := e.CandidatePayload(); err != nil {
			return err
		}
		if e.TargetPeer == "" && e.SenderID == "" {
			return fmt.Errorf("ice_candidate envelope missing targetPeer")
		}
	default:
		return fmt.Errorf("unsupported envelope type %q", e.Type)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
