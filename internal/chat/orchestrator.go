package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MaliosDark/secure-chat-sdk/internal/audio"
	"github.com/MaliosDark/secure-chat-sdk/internal/metrics"
	"github.com/MaliosDark/secure-chat-sdk/internal/peering"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// ConnState is a peer's connection state as shown in the directory.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
)

// DefaultTypingIdle is how long after the last input activity the local
// typing indicator is withdrawn.
const DefaultTypingIdle = time.Second

var (
	// ErrNoPeerSelected is returned by send operations with no conversation
	// selected.
	ErrNoPeerSelected = errors.New("chat: no peer selected")
	// ErrEncryptionPending is returned when the selected peer has no
	// established key yet.
	ErrEncryptionPending = errors.New("chat: encryption not established")
)

// Peer is a directory entry.
type Peer struct {
	ID                    string
	Username              string
	Online                bool
	ConnectionState       ConnState
	EncryptionEstablished bool
}

// Message is one entry of the active conversation's log.
type Message struct {
	ID         string
	Content    string
	SenderID   string
	SenderName string
	Timestamp  time.Time
	Encrypted  bool
	Own        bool
}

// Connector is the slice of the session coordinator the orchestrator drives.
type Connector interface {
	Connect(peerID string) error
	SendFrame(peerID string, f signalwire.Frame) error
	Teardown(peerID string, terminal peering.State)
	CloseAll()
}

// Observer receives orchestrator events. Callbacks may arrive on transport
// or timer goroutines and must not call back into the Orchestrator.
type Observer interface {
	DirectoryChanged(peers []Peer)
	MessageAppended(msg Message)
	PeerTyping(peerID string, typing bool)
	RelayStatusChanged(connected bool)
}

// Config wires an Orchestrator's dependencies.
type Config struct {
	NodeID   string
	Username string

	Conn     Connector
	Codec    *Codec
	Observer Observer
	// Audio is optional; without it remote audio sources are discarded.
	Audio *audio.Pipeline

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	TypingIdle time.Duration
}

// Orchestrator is the top-level conversation façade: peer directory,
// selected peer, message log, and typing state. It consumes coordinator and
// relay events and exposes a single observer surface.
type Orchestrator struct {
	cfg Config

	mu          sync.Mutex
	peers       map[string]*Peer
	selected    string
	log         []Message
	typingOut   bool
	typingTimer *time.Timer
	closed      bool
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("chat: missing node id")
	}
	if cfg.Conn == nil {
		return nil, errors.New("chat: missing connector")
	}
	if cfg.Codec == nil {
		return nil, errors.New("chat: missing codec")
	}
	if cfg.Observer == nil {
		return nil, errors.New("chat: missing observer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultTypingIdle
	}
	return &Orchestrator{
		cfg:   cfg,
		peers: make(map[string]*Peer),
	}, nil
}

// Peers returns a directory snapshot ordered by username then id.
func (o *Orchestrator) Peers() []Peer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// SelectedPeer returns the active conversation's peer id, empty when none.
func (o *Orchestrator) SelectedPeer() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

// Messages returns the active conversation's log.
func (o *Orchestrator) Messages() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.log...)
}

// Select makes peerID the active conversation. The message log is cleared
// and typing state reset; other peers' sessions are untouched. Selecting
// initiates the peer's session when none exists yet.
func (o *Orchestrator) Select(peerID string) error {
	o.mu.Lock()
	if _, ok := o.peers[peerID]; !ok {
		o.mu.Unlock()
		return fmt.Errorf("chat: unknown peer %s", peerID)
	}
	if o.selected == peerID {
		o.mu.Unlock()
		return nil
	}
	o.selected = peerID
	o.log = nil
	o.stopTypingLocked()
	o.mu.Unlock()

	if err := o.cfg.Conn.Connect(peerID); err != nil {
		o.cfg.Logger.Warn("session initiation failed", "peer_id", peerID, "err", err)
		return err
	}
	return nil
}

// SendMessage encrypts content for the selected peer, sends it, and appends
// the locally-owned message to the log before delivery is confirmed.
func (o *Orchestrator) SendMessage(content string) (Message, error) {
	o.mu.Lock()
	peerID := o.selected
	if peerID == "" {
		o.mu.Unlock()
		return Message{}, ErrNoPeerSelected
	}
	p, ok := o.peers[peerID]
	if !ok || !p.EncryptionEstablished {
		o.mu.Unlock()
		return Message{}, fmt.Errorf("%w: peer %s", ErrEncryptionPending, peerID)
	}
	o.mu.Unlock()

	now := time.Now()
	ciphertext, nonce, err := o.cfg.Codec.Encrypt(peerID, o.cfg.NodeID, content, now.UnixMilli())
	if err != nil {
		return Message{}, err
	}
	err = o.cfg.Conn.SendFrame(peerID, signalwire.Frame{
		Type:       signalwire.FrameEncryptedMessage,
		Sender:     o.cfg.NodeID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
	})
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:         uuid.NewString(),
		Content:    content,
		SenderID:   o.cfg.NodeID,
		SenderName: o.cfg.Username,
		Timestamp:  now,
		Encrypted:  true,
		Own:        true,
	}
	o.mu.Lock()
	if o.selected == peerID {
		o.log = append(o.log, msg)
	}
	o.mu.Unlock()
	o.cfg.Observer.MessageAppended(msg)
	return msg, nil
}

// InputActivity reports local typing activity for the active conversation.
// The first call announces typing; the announcement is withdrawn after the
// idle interval passes without further calls.
func (o *Orchestrator) InputActivity() {
	o.mu.Lock()
	peerID := o.selected
	if peerID == "" || o.closed {
		o.mu.Unlock()
		return
	}
	announce := !o.typingOut
	o.typingOut = true
	if o.typingTimer != nil {
		o.typingTimer.Stop()
	}
	o.typingTimer = time.AfterFunc(o.cfg.TypingIdle, func() {
		o.typingIdle(peerID)
	})
	o.mu.Unlock()

	if announce {
		o.sendTyping(peerID, true)
	}
}

func (o *Orchestrator) typingIdle(peerID string) {
	o.mu.Lock()
	still := o.typingOut && o.selected == peerID && !o.closed
	if still {
		o.typingOut = false
	}
	o.mu.Unlock()
	if still {
		o.sendTyping(peerID, false)
	}
}

func (o *Orchestrator) sendTyping(peerID string, typing bool) {
	err := o.cfg.Conn.SendFrame(peerID, signalwire.Frame{
		Type:   signalwire.FrameTypingIndicator,
		Sender: o.cfg.NodeID,
		Typing: typing,
	})
	if err != nil {
		o.cfg.Logger.Debug("typing indicator send failed", "peer_id", peerID, "err", err)
	}
}

// Disconnect tears down the peer's session. The directory entry survives as
// long as the relay reports the peer online.
func (o *Orchestrator) Disconnect(peerID string) {
	o.cfg.Conn.Teardown(peerID, peering.StateClosed)
}

// Close shuts the orchestrator down, tearing down every session.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.stopTypingLocked()
	o.mu.Unlock()

	o.cfg.Conn.CloseAll()
	if o.cfg.Audio != nil {
		o.cfg.Audio.Cleanup()
	}
}

// PeerDiscovered handles a relay discovery announcement.
func (o *Orchestrator) PeerDiscovered(peerID, username string) {
	if peerID == o.cfg.NodeID {
		return
	}
	o.mu.Lock()
	p, ok := o.peers[peerID]
	if !ok {
		p = &Peer{ID: peerID, ConnectionState: ConnDisconnected}
		o.peers[peerID] = p
	}
	p.Username = username
	p.Online = true
	peers := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Observer.DirectoryChanged(peers)
}

// PeerGone handles a relay peer_disconnected announcement: the entry leaves
// the directory and any session with it is torn down.
func (o *Orchestrator) PeerGone(peerID string) {
	o.mu.Lock()
	if _, ok := o.peers[peerID]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.peers, peerID)
	if o.selected == peerID {
		o.selected = ""
		o.log = nil
		o.stopTypingLocked()
	}
	peers := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Conn.Teardown(peerID, peering.StateClosed)
	o.cfg.Observer.DirectoryChanged(peers)
}

// RelayStatusChanged handles relay connectivity changes. Loss of the relay
// is a status change only; established peer sessions keep running.
func (o *Orchestrator) RelayStatusChanged(connected bool) {
	o.cfg.Observer.RelayStatusChanged(connected)
}

// PeerStateChanged implements peering.Events.
func (o *Orchestrator) PeerStateChanged(peerID string, state peering.State) {
	o.mu.Lock()
	p, ok := o.peers[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	p.ConnectionState = connStateFor(state)
	peers := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Observer.DirectoryChanged(peers)
}

// PeerDisconnected implements peering.Events. The session is gone; the
// directory entry stays while the relay still reports the peer.
func (o *Orchestrator) PeerDisconnected(peerID string) {
	o.mu.Lock()
	p, ok := o.peers[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	p.EncryptionEstablished = false
	if p.ConnectionState == ConnConnecting || p.ConnectionState == ConnConnected {
		p.ConnectionState = ConnDisconnected
	}
	peers := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Observer.DirectoryChanged(peers)
	o.cfg.Observer.PeerTyping(peerID, false)
}

// EncryptionEstablished implements peering.Events.
func (o *Orchestrator) EncryptionEstablished(peerID string) {
	o.mu.Lock()
	p, ok := o.peers[peerID]
	if !ok {
		o.mu.Unlock()
		return
	}
	p.EncryptionEstablished = true
	peers := o.snapshotLocked()
	o.mu.Unlock()

	o.cfg.Observer.DirectoryChanged(peers)
}

// FrameReceived implements peering.Events: inbound channel frames become
// messages and typing updates.
func (o *Orchestrator) FrameReceived(peerID string, f signalwire.Frame) {
	switch f.Type {
	case signalwire.FrameEncryptedMessage:
		o.onEncryptedMessage(peerID, f)
	case signalwire.FrameTypingIndicator:
		o.cfg.Observer.PeerTyping(peerID, f.Typing)
	default:
		o.cfg.Logger.Debug("unhandled channel frame", "peer_id", peerID, "type", f.Type)
	}
}

func (o *Orchestrator) onEncryptedMessage(peerID string, f signalwire.Frame) {
	content, ts, sender, err := o.cfg.Codec.Decrypt(peerID, f.Ciphertext, f.Nonce)
	if err != nil {
		// Non-fatal: the message is dropped, the conversation continues.
		o.cfg.Logger.Warn("inbound message rejected", "peer_id", peerID, "err", err)
		return
	}

	o.mu.Lock()
	name := peerID
	if p, ok := o.peers[peerID]; ok && p.Username != "" {
		name = p.Username
	}
	msg := Message{
		ID:         uuid.NewString(),
		Content:    content,
		SenderID:   sender,
		SenderName: name,
		Timestamp:  time.UnixMilli(ts),
		Encrypted:  true,
	}
	appended := o.selected == peerID
	if appended {
		o.log = append(o.log, msg)
	}
	o.mu.Unlock()

	if appended {
		o.cfg.Observer.MessageAppended(msg)
	} else {
		o.cfg.Logger.Debug("message for inactive conversation dropped", "peer_id", peerID)
	}
}

// RemoteAudioChanged implements peering.Events.
func (o *Orchestrator) RemoteAudioChanged(peerID string, src audio.Source) {
	if o.cfg.Audio == nil {
		if src != nil {
			_ = src.Close()
		}
		return
	}
	o.mu.Lock()
	selected := o.selected == peerID
	o.mu.Unlock()
	if !selected {
		// Only the active conversation's audio is attached.
		if src != nil {
			_ = src.Close()
		}
		return
	}
	o.cfg.Audio.SetRemoteSource(src)
}

func (o *Orchestrator) snapshotLocked() []Peer {
	peers := make([]Peer, 0, len(o.peers))
	for _, p := range o.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Username != peers[j].Username {
			return peers[i].Username < peers[j].Username
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

func (o *Orchestrator) stopTypingLocked() {
	o.typingOut = false
	if o.typingTimer != nil {
		o.typingTimer.Stop()
		o.typingTimer = nil
	}
}

func connStateFor(state peering.State) ConnState {
	switch state {
	case peering.StateNew, peering.StateNegotiating:
		return ConnConnecting
	case peering.StateChannelOpen:
		return ConnConnected
	case peering.StateFailed:
		return ConnFailed
	default:
		return ConnDisconnected
	}
}
