package keyex

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"

	"github.com/MaliosDark/secure-chat-sdk/internal/chatcrypto"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

type fakeStore struct {
	mu   sync.Mutex
	keys map[string][]byte
	gone map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string][]byte), gone: make(map[string]bool)}
}

func (s *fakeStore) SharedKey(peerID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[peerID]
	return k, ok
}

func (s *fakeStore) SetSharedKey(peerID string, key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone[peerID] {
		return false
	}
	s.keys[peerID] = key
	return true
}

type testPeer struct {
	id    string
	ex    *Exchanger
	store *fakeStore

	mu          sync.Mutex
	established []string
	sent        []signalwire.Frame
}

func newTestPeer(t *testing.T, id string) *testPeer {
	t.Helper()
	kp, err := chatcrypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	p := &testPeer{id: id, store: newFakeStore()}
	p.ex, err = New(Config{
		NodeID: id,
		Keys:   kp,
		Store:  p.store,
		Send: func(peerID string, f signalwire.Frame) error {
			p.mu.Lock()
			p.sent = append(p.sent, f)
			p.mu.Unlock()
			return nil
		},
		OnEstablished: func(peerID string) {
			p.mu.Lock()
			p.established = append(p.established, peerID)
			p.mu.Unlock()
		},
		Logger: slog.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func (p *testPeer) drainSent() []signalwire.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.sent
	p.sent = nil
	return out
}

func (p *testPeer) establishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.established)
}

// deliver feeds every frame queued on from into to's handler.
func deliver(from, to *testPeer) {
	for _, f := range from.drainSent() {
		to.ex.HandleFrame(from.id, f)
	}
}

func TestExchange_InitiatorResponderConverge(t *testing.T) {
	a := newTestPeer(t, "a")
	b := newTestPeer(t, "b")

	if err := a.ex.Start("b"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deliver(a, b) // b receives a's initial, stores key, replies
	deliver(b, a) // a receives b's response, stores key, no reply

	keyA, okA := a.store.SharedKey("b")
	keyB, okB := b.store.SharedKey("a")
	if !okA || !okB {
		t.Fatalf("both sides must hold a key (a=%v b=%v)", okA, okB)
	}
	if !bytes.Equal(keyA, keyB) {
		t.Fatalf("derived keys differ")
	}
	if a.establishedCount() != 1 || b.establishedCount() != 1 {
		t.Fatalf("established events: a=%d b=%d, want 1 each", a.establishedCount(), b.establishedCount())
	}
	if extra := a.drainSent(); len(extra) != 0 {
		t.Fatalf("a sent %d frames after receiving a response, want 0", len(extra))
	}
}

func TestExchange_SimultaneousInitiationConverges(t *testing.T) {
	a := newTestPeer(t, "a")
	b := newTestPeer(t, "b")

	// Both initiate before either frame is delivered (crossed in flight).
	if err := a.ex.Start("b"); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.ex.Start("a"); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	aInitial := a.drainSent()
	bInitial := b.drainSent()
	for _, f := range aInitial {
		b.ex.HandleFrame("a", f)
	}
	for _, f := range bInitial {
		a.ex.HandleFrame("b", f)
	}
	// Flush the response frames both sides generated.
	deliver(a, b)
	deliver(b, a)

	keyA, _ := a.store.SharedKey("b")
	keyB, _ := b.store.SharedKey("a")
	if !bytes.Equal(keyA, keyB) || keyA == nil {
		t.Fatalf("crossed initiation must converge to one shared key")
	}
	if a.establishedCount() != 1 || b.establishedCount() != 1 {
		t.Fatalf("established events: a=%d b=%d, want exactly 1 each", a.establishedCount(), b.establishedCount())
	}
}

func TestStart_IdempotentWhenKeyExists(t *testing.T) {
	a := newTestPeer(t, "a")
	a.store.SetSharedKey("b", make([]byte, chatcrypto.KeySize))

	if err := a.ex.Start("b"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := a.drainSent(); len(got) != 0 {
		t.Fatalf("Start with existing key sent %d frames, want 0", len(got))
	}
	if a.establishedCount() != 0 {
		t.Fatalf("established events = %d, want 0 (key was already in place)", a.establishedCount())
	}
}

func TestHandleFrame_DuplicateDeliveryIsNoOp(t *testing.T) {
	a := newTestPeer(t, "a")
	b := newTestPeer(t, "b")

	if err := a.ex.Start("b"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initial := a.drainSent()
	if len(initial) != 1 {
		t.Fatalf("expected one initial frame, got %d", len(initial))
	}

	b.ex.HandleFrame("a", initial[0])
	key1, _ := b.store.SharedKey("a")
	b.ex.HandleFrame("a", initial[0]) // duplicate
	key2, _ := b.store.SharedKey("a")

	if !bytes.Equal(key1, key2) {
		t.Fatalf("duplicate delivery mutated the stored key")
	}
	if b.establishedCount() != 1 {
		t.Fatalf("established events = %d, want 1", b.establishedCount())
	}
	if got := b.drainSent(); len(got) != 1 {
		t.Fatalf("b sent %d responses, want exactly 1", len(got))
	}
}

func TestHandleFrame_MalformedKeyLeavesPeerUnencrypted(t *testing.T) {
	b := newTestPeer(t, "b")

	b.ex.HandleFrame("a", signalwire.Frame{
		Type:      signalwire.FrameKeyExchange,
		Sender:    "a",
		PublicKey: []byte("not a curve point"),
	})

	if _, ok := b.store.SharedKey("a"); ok {
		t.Fatalf("malformed public key must not establish a key")
	}
	if b.establishedCount() != 0 {
		t.Fatalf("no established event expected")
	}
}

func TestHandleFrame_TeardownMidDerivationIsNoOp(t *testing.T) {
	a := newTestPeer(t, "a")
	b := newTestPeer(t, "b")

	if err := a.ex.Start("b"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.store.gone["a"] = true // session removed while frame was in flight

	deliver(a, b)

	if _, ok := b.store.SharedKey("a"); ok {
		t.Fatalf("torn-down session must not gain a key")
	}
	if b.establishedCount() != 0 {
		t.Fatalf("no established event after teardown")
	}
	if got := b.drainSent(); len(got) != 0 {
		t.Fatalf("no response expected after teardown, got %d", len(got))
	}
}
