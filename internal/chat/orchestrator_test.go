package chat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MaliosDark/secure-chat-sdk/internal/chatcrypto"
	"github.com/MaliosDark/secure-chat-sdk/internal/peering"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// fakeConn records coordinator calls and lets tests own the key table.
type fakeConn struct {
	mu       sync.Mutex
	keys     map[string][]byte
	connects []string
	frames   []sentFrame
	torn     []string
	closed   bool
	sendErr  error
}

type sentFrame struct {
	peerID string
	frame  signalwire.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{keys: make(map[string][]byte)}
}

func (f *fakeConn) Connect(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, peerID)
	return nil
}

func (f *fakeConn) SendFrame(peerID string, fr signalwire.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, sentFrame{peerID: peerID, frame: fr})
	return nil
}

func (f *fakeConn) Teardown(peerID string, _ peering.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torn = append(f.torn, peerID)
}

func (f *fakeConn) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) SharedKey(peerID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[peerID]
	return key, ok
}

func (f *fakeConn) setKey(t *testing.T, peerID string) []byte {
	t.Helper()
	key := make([]byte, chatcrypto.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	f.mu.Lock()
	f.keys[peerID] = key
	f.mu.Unlock()
	return key
}

func (f *fakeConn) sentFrames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

type obsRecorder struct {
	mu        sync.Mutex
	dirs      [][]Peer
	messages  []Message
	typing    []struct {
		peerID string
		on     bool
	}
	relay []bool
}

func (r *obsRecorder) DirectoryChanged(peers []Peer) {
	r.mu.Lock()
	r.dirs = append(r.dirs, peers)
	r.mu.Unlock()
}

func (r *obsRecorder) MessageAppended(msg Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *obsRecorder) PeerTyping(peerID string, on bool) {
	r.mu.Lock()
	r.typing = append(r.typing, struct {
		peerID string
		on     bool
	}{peerID, on})
	r.mu.Unlock()
}

func (r *obsRecorder) RelayStatusChanged(connected bool) {
	r.mu.Lock()
	r.relay = append(r.relay, connected)
	r.mu.Unlock()
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeConn, *obsRecorder) {
	t.Helper()
	conn := newFakeConn()
	rec := &obsRecorder{}
	o, err := NewOrchestrator(Config{
		NodeID:     "self",
		Username:   "alice",
		Conn:       conn,
		Codec:      NewCodec(conn, nil),
		Observer:   rec,
		TypingIdle: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o, conn, rec
}

func sealFor(t *testing.T, key []byte, sender, content string, ts int64) (ciphertext, nonce []byte) {
	t.Helper()
	store := newFakeConn()
	store.mu.Lock()
	store.keys[sender] = key
	store.mu.Unlock()
	c := NewCodec(store, nil)
	ciphertext, nonce, err := c.Encrypt(sender, sender, content, ts)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return ciphertext, nonce
}

func TestDirectory_DiscoveryUpsertsAndSorts(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	o.PeerDiscovered("p2", "zoe")
	o.PeerDiscovered("p1", "bob")
	o.PeerDiscovered("p2", "zoe") // repeat announcement

	peers := o.Peers()
	if len(peers) != 2 {
		t.Fatalf("directory size = %d, want 2", len(peers))
	}
	if peers[0].Username != "bob" || peers[1].Username != "zoe" {
		t.Fatalf("directory not sorted by username: %#v", peers)
	}
	if !peers[0].Online || peers[0].ConnectionState != ConnDisconnected {
		t.Fatalf("discovered peer shape: %#v", peers[0])
	}
}

func TestDirectory_OwnAnnouncementIgnored(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.PeerDiscovered("self", "alice")
	if got := len(o.Peers()); got != 0 {
		t.Fatalf("own announcement added to directory: %d entries", got)
	}
}

func TestSelect_InitiatesSessionAndClearsLog(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	o.PeerDiscovered("b", "ben")

	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	key := conn.setKey(t, "a")
	o.EncryptionEstablished("a")
	ct, nonce := sealFor(t, key, "a", "one", 1)
	o.FrameReceived("a", signalwire.Frame{Type: signalwire.FrameEncryptedMessage, Sender: "a", Ciphertext: ct, Nonce: nonce})
	if got := len(o.Messages()); got != 1 {
		t.Fatalf("log size = %d, want 1", got)
	}

	if err := o.Select("b"); err != nil {
		t.Fatalf("Select(b): %v", err)
	}
	if got := len(o.Messages()); got != 0 {
		t.Fatalf("switching conversations kept %d log entries, want 0", got)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.connects) != 2 || conn.connects[0] != "a" || conn.connects[1] != "b" {
		t.Fatalf("connects = %v, want [a b]", conn.connects)
	}
}

func TestSelect_UnknownPeerRejected(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if err := o.Select("ghost"); err == nil {
		t.Fatalf("selecting an unknown peer must fail")
	}
}

func TestSendMessage_RequiresSelectionAndKey(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)

	if _, err := o.SendMessage("hi"); !errors.Is(err, ErrNoPeerSelected) {
		t.Fatalf("err = %v, want ErrNoPeerSelected", err)
	}

	o.PeerDiscovered("a", "ann")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := o.SendMessage("hi"); !errors.Is(err, ErrEncryptionPending) {
		t.Fatalf("err = %v, want ErrEncryptionPending", err)
	}

	conn.setKey(t, "a")
	o.EncryptionEstablished("a")
	msg, err := o.SendMessage("hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !msg.Own || !msg.Encrypted || msg.Content != "hi" || msg.ID == "" {
		t.Fatalf("own message shape: %#v", msg)
	}
	if got := o.Messages(); len(got) != 1 || got[0].ID != msg.ID {
		t.Fatalf("optimistic append missing: %#v", got)
	}

	frames := conn.sentFrames()
	if len(frames) != 1 || frames[0].frame.Type != signalwire.FrameEncryptedMessage {
		t.Fatalf("sent frames: %#v", frames)
	}
	if frames[0].frame.Sender != "self" || len(frames[0].frame.Ciphertext) == 0 || len(frames[0].frame.Nonce) != chatcrypto.NonceSize {
		t.Fatalf("encrypted frame shape: %#v", frames[0].frame)
	}
}

func TestSendMessage_SendFailureSkipsAppend(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	conn.setKey(t, "a")
	o.EncryptionEstablished("a")
	conn.sendErr = errors.New("channel gone")

	if _, err := o.SendMessage("hi"); err == nil {
		t.Fatalf("SendMessage must surface the send failure")
	}
	if got := len(o.Messages()); got != 0 {
		t.Fatalf("failed send appended %d messages, want 0", got)
	}
}

func TestInboundMessage_AppendsForActiveConversation(t *testing.T) {
	o, conn, rec := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	key := conn.setKey(t, "a")

	ct, nonce := sealFor(t, key, "a", "hello", 42)
	o.FrameReceived("a", signalwire.Frame{Type: signalwire.FrameEncryptedMessage, Sender: "a", Ciphertext: ct, Nonce: nonce})

	got := o.Messages()
	if len(got) != 1 {
		t.Fatalf("log size = %d, want 1", len(got))
	}
	m := got[0]
	if m.Content != "hello" || m.SenderID != "a" || m.SenderName != "ann" || !m.Encrypted || m.Own {
		t.Fatalf("inbound message shape: %#v", m)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 1 {
		t.Fatalf("observer notified %d times, want 1", len(rec.messages))
	}
}

func TestInboundMessage_InactiveConversationDropped(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	o.PeerDiscovered("b", "ben")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	key := conn.setKey(t, "b")

	ct, nonce := sealFor(t, key, "b", "psst", 1)
	o.FrameReceived("b", signalwire.Frame{Type: signalwire.FrameEncryptedMessage, Sender: "b", Ciphertext: ct, Nonce: nonce})
	if got := len(o.Messages()); got != 0 {
		t.Fatalf("inactive conversation leaked into the log: %d entries", got)
	}
}

func TestInboundMessage_BadCiphertextIsNonFatal(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	key := conn.setKey(t, "a")
	ct, nonce := sealFor(t, key, "a", "hello", 1)
	ct[0] ^= 0xff

	o.FrameReceived("a", signalwire.Frame{Type: signalwire.FrameEncryptedMessage, Sender: "a", Ciphertext: ct, Nonce: nonce})
	if got := len(o.Messages()); got != 0 {
		t.Fatalf("tampered message delivered: %d entries", got)
	}
	// The conversation continues: a clean message still lands.
	ct2, nonce2 := sealFor(t, key, "a", "again", 2)
	o.FrameReceived("a", signalwire.Frame{Type: signalwire.FrameEncryptedMessage, Sender: "a", Ciphertext: ct2, Nonce: nonce2})
	if got := len(o.Messages()); got != 1 {
		t.Fatalf("session did not survive a bad ciphertext: %d entries", got)
	}
}

func TestTyping_DebounceSendsTrueOnceThenFalse(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	o.InputActivity()
	o.InputActivity()
	o.InputActivity()

	frames := conn.sentFrames()
	if len(frames) != 1 || frames[0].frame.Type != signalwire.FrameTypingIndicator || !frames[0].frame.Typing {
		t.Fatalf("continuous activity frames: %#v", frames)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fs := conn.sentFrames()
		if len(fs) == 2 {
			if fs[1].frame.Typing {
				t.Fatalf("idle expiry must send typing=false: %#v", fs[1].frame)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("typing indicator never withdrawn after idle")
}

func TestTyping_RemoteFlagForwarded(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")

	o.FrameReceived("a", signalwire.Frame{Type: signalwire.FrameTypingIndicator, Sender: "a", Typing: true})
	o.FrameReceived("a", signalwire.Frame{Type: signalwire.FrameTypingIndicator, Sender: "a"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.typing) != 2 || !rec.typing[0].on || rec.typing[1].on {
		t.Fatalf("typing events: %#v", rec.typing)
	}
}

func TestPeerGone_RemovesEntryAndClearsSelection(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	o.PeerGone("a")

	if got := len(o.Peers()); got != 0 {
		t.Fatalf("directory size = %d, want 0", got)
	}
	if o.SelectedPeer() != "" {
		t.Fatalf("selection survived peer departure")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.torn) != 1 || conn.torn[0] != "a" {
		t.Fatalf("teardowns = %v, want [a]", conn.torn)
	}
}

func TestSessionLoss_KeepsDirectoryEntry(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	conn.setKey(t, "a")
	o.EncryptionEstablished("a")
	o.PeerStateChanged("a", peering.StateChannelOpen)

	o.PeerDisconnected("a")

	peers := o.Peers()
	if len(peers) != 1 {
		t.Fatalf("directory size = %d, want 1 (relay still reports the peer)", len(peers))
	}
	if peers[0].EncryptionEstablished || peers[0].ConnectionState != ConnDisconnected {
		t.Fatalf("session loss not reflected: %#v", peers[0])
	}
}

func TestStateMapping(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")

	cases := []struct {
		in   peering.State
		want ConnState
	}{
		{peering.StateNegotiating, ConnConnecting},
		{peering.StateChannelOpen, ConnConnected},
		{peering.StateFailed, ConnFailed},
		{peering.StateClosed, ConnDisconnected},
	}
	for _, tc := range cases {
		o.PeerStateChanged("a", tc.in)
		if got := o.Peers()[0].ConnectionState; got != tc.want {
			t.Fatalf("state %s mapped to %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestClose_TearsDownEverything(t *testing.T) {
	o, conn, _ := newTestOrchestrator(t)
	o.PeerDiscovered("a", "ann")
	if err := o.Select("a"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	o.Close()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Fatalf("Close did not close the coordinator")
	}
}
