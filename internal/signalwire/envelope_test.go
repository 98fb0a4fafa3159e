package signalwire

import (
	"encoding/json"
	"testing"
)

func TestEnvelope_MarshalParseOffer(t *testing.T) {
	env, err := NewOffer("peer-b", Description{Type: "offer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("NewOffer: %v", err)
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := ParseEnvelope(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != EnvelopeOffer || got.TargetPeer != "peer-b" {
		t.Fatalf("unexpected decoded offer: %#v", got)
	}
	desc, err := got.DescriptionPayload()
	if err != nil {
		t.Fatalf("DescriptionPayload: %v", err)
	}
	if desc.Type != "offer" || desc.SDP != "v=0" {
		t.Fatalf("unexpected payload: %#v", desc)
	}
}

func TestEnvelope_ParseICECandidate(t *testing.T) {
	raw := []byte(`{
		"type":"ice_candidate",
		"targetPeer":"peer-b",
		"senderId":"peer-a",
		"payload":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		}
	}`)

	got, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cand, err := got.CandidatePayload()
	if err != nil {
		t.Fatalf("CandidatePayload: %v", err)
	}
	if cand.Candidate == "" || cand.SDPMid == nil || *cand.SDPMid != "0" {
		t.Fatalf("unexpected candidate: %#v", cand)
	}
}

func TestEnvelope_ParseDiscoveryPong(t *testing.T) {
	raw := []byte(`{"type":"discovery_pong","nodeId":"n1","username":"alice","targetNode":"n2","timestamp":1700000000}`)
	got, err := ParseEnvelope(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.TargetNode != "n2" || got.Username != "alice" {
		t.Fatalf("unexpected decoded pong: %#v", got)
	}
}

func TestEnvelope_DisallowUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"join","nodeId":"n1","username":"alice","unexpected":true}`)
	if _, err := ParseEnvelope(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEnvelope_RejectsMismatchedPayloadType(t *testing.T) {
	raw := []byte(`{"type":"answer","targetPeer":"p","payload":{"type":"offer","sdp":"v=0"}}`)
	if _, err := ParseEnvelope(raw); err == nil {
		t.Fatalf("expected error for answer carrying an offer payload")
	}
}

func TestEnvelope_RejectsJoinWithPayload(t *testing.T) {
	raw := []byte(`{"type":"join","nodeId":"n1","username":"alice","payload":{"type":"offer","sdp":"v=0"}}`)
	if _, err := ParseEnvelope(raw); err == nil {
		t.Fatalf("expected error for join with payload")
	}
}

func TestEnvelope_RejectsUnsupportedType(t *testing.T) {
	raw := []byte(`{"type":"teleport","nodeId":"n1"}`)
	if _, err := ParseEnvelope(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFrame_MarshalParseKeyExchange(t *testing.T) {
	f := Frame{
		Type:      FrameKeyExchange,
		Sender:    "peer-a",
		PublicKey: []byte{1, 2, 3},
		Timestamp: 1700000000,
	}
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseFrame(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != FrameKeyExchange || len(got.PublicKey) != 3 || got.IsResponse {
		t.Fatalf("unexpected decoded frame: %#v", got)
	}
}

func TestFrame_RejectsEncryptedMessageWithoutNonce(t *testing.T) {
	raw := []byte(`{"type":"encrypted_message","sender":"peer-a","ciphertext":"AQID"}`)
	if _, err := ParseFrame(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFrame_RejectsMissingSender(t *testing.T) {
	raw := []byte(`{"type":"typing_indicator","typing":true}`)
	if _, err := ParseFrame(raw); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFrame_TypingIndicatorRoundTrip(t *testing.T) {
	b, err := json.Marshal(Frame{Type: FrameTypingIndicator, Sender: "peer-a", Typing: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := ParseFrame(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Typing {
		t.Fatalf("typing flag lost: %#v", got)
	}
}
