package peering

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MaliosDark/secure-chat-sdk/internal/audio"
	"github.com/MaliosDark/secure-chat-sdk/internal/chatcrypto"
	"github.com/MaliosDark/secure-chat-sdk/internal/keyex"
	"github.com/MaliosDark/secure-chat-sdk/internal/metrics"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// State is the per-peer negotiation state.
type State string

const (
	StateNew         State = "new"
	StateNegotiating State = "negotiating"
	StateChannelOpen State = "channel_open"
	StateFailed      State = "failed"
	StateClosed      State = "closed"
)

const (
	// DefaultDisconnectedGrace is how long a transient "disconnected" link
	// condition may persist before the session is treated as terminal.
	DefaultDisconnectedGrace = 10 * time.Second

	// DefaultChannelLabel is the application channel label.
	DefaultChannelLabel = "chat"
)

var (
	// ErrUnknownPeer is returned for operations on peers without a session.
	ErrUnknownPeer = errors.New("peering: no session for peer")
	// ErrNoChannel is returned when a frame send requires an open channel.
	ErrNoChannel = errors.New("peering: session channel not open")
	// ErrClosed is returned after CloseAll.
	ErrClosed = errors.New("peering: coordinator closed")
)

// Signaler delivers negotiation envelopes out of band via the relay.
type Signaler interface {
	SendEnvelope(env signalwire.Envelope) error
}

// Events is the coordinator's observer surface. Callbacks fire without
// internal locks held and may arrive on transport goroutines.
type Events interface {
	PeerStateChanged(peerID string, state State)
	PeerDisconnected(peerID string)
	EncryptionEstablished(peerID string)
	// FrameReceived delivers encrypted_message and typing_indicator frames;
	// readiness and key exchange frames are consumed internally.
	FrameReceived(peerID string, f signalwire.Frame)
	RemoteAudioChanged(peerID string, src audio.Source)
}

// Config wires a Coordinator's dependencies.
type Config struct {
	NodeID    string
	Transport Transport
	Signaler  Signaler
	// Keys is the process-lifetime agreement key pair used for per-peer key
	// establishment.
	Keys   *chatcrypto.KeyPair
	Events Events

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	DisconnectedGrace time.Duration
	ChannelLabel      string
}

// session is the per-peer resource bundle. Every field is created, updated,
// and destroyed with the record itself; teardown removes the whole record
// from the coordinator's map in one step so no field can outlive another.
type session struct {
	peerID  string
	link    PeerLink
	channel Channel

	state         State
	initiator     bool
	remoteApplied bool
	pending       []signalwire.Candidate
	flushing      bool

	sharedKey []byte

	readySent    bool
	readyPeer    bool
	keyexStarted bool

	restartAttempted bool
	linkState        LinkState
	graceTimer       *time.Timer
}

// Coordinator owns the per-peer negotiation state machine, the pending
// candidate queue, and the session channel lifecycle.
type Coordinator struct {
	cfg Config
	ex  *keyex.Exchanger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("peering: missing node id")
	}
	if cfg.Transport == nil {
		return nil, errors.New("peering: missing transport")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("peering: missing signaler")
	}
	if cfg.Keys == nil {
		return nil, errors.New("peering: missing key pair")
	}
	if cfg.Events == nil {
		return nil, errors.New("peering: missing events observer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.DisconnectedGrace <= 0 {
		cfg.DisconnectedGrace = DefaultDisconnectedGrace
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = DefaultChannelLabel
	}

	c := &Coordinator{
		cfg:      cfg,
		sessions: make(map[string]*session),
	}

	ex, err := keyex.New(keyex.Config{
		NodeID: cfg.NodeID,
		Keys:   cfg.Keys,
		Store:  c,
		Send:   c.SendFrame,
		OnEstablished: func(peerID string) {
			cfg.Events.EncryptionEstablished(peerID)
		},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.ex = ex
	return c, nil
}

// Connect initiates a session with peerID. It is idempotent: a session in
// any live state is left alone.
func (c *Coordinator) Connect(peerID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.sessions[peerID]; ok {
		c.mu.Unlock()
		return nil
	}

	link, err := c.cfg.Transport.NewLink(&linkObserver{c: c, peerID: peerID})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create link for %s: %w", peerID, err)
	}
	s := &session{peerID: peerID, link: link, state: StateNew, initiator: true}
	c.sessions[peerID] = s
	c.setStateLocked(s, StateNegotiating)
	label := c.cfg.ChannelLabel
	c.mu.Unlock()

	c.cfg.Events.PeerStateChanged(peerID, StateNegotiating)

	// The channel must exist before the offer so it is part of the
	// negotiated session.
	if err := link.OpenChannel(label); err != nil {
		c.Teardown(peerID, StateFailed)
		return fmt.Errorf("open channel for %s: %w", peerID, err)
	}
	offer, err := link.CreateOffer(false)
	if err != nil {
		c.Teardown(peerID, StateFailed)
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	env, err := signalwire.NewOffer(peerID, offer)
	if err != nil {
		c.Teardown(peerID, StateFailed)
		return err
	}
	if err := c.cfg.Signaler.SendEnvelope(env); err != nil {
		c.cfg.Metrics.Inc(metrics.RelaySendFailed)
		c.Teardown(peerID, StateFailed)
		return fmt.Errorf("send offer to %s: %w", peerID, err)
	}
	return nil
}

// HandleOffer processes a remote offer. An offer from an unknown peer
// creates that peer's session.
func (c *Coordinator) HandleOffer(senderID string, desc signalwire.Description) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	s, ok := c.sessions[senderID]
	created := false
	if !ok {
		link, err := c.cfg.Transport.NewLink(&linkObserver{c: c, peerID: senderID})
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("create link for %s: %w", senderID, err)
		}
		s = &session{peerID: senderID, link: link, state: StateNew}
		c.sessions[senderID] = s
		c.setStateLocked(s, StateNegotiating)
		created = true
	}
	link := s.link
	c.mu.Unlock()

	if created {
		c.cfg.Events.PeerStateChanged(senderID, StateNegotiating)
	}

	if err := link.SetRemoteDescription(desc); err != nil {
		c.cfg.Metrics.Inc(metrics.NegotiationFailed)
		c.Teardown(senderID, StateFailed)
		return fmt.Errorf("apply offer from %s: %w", senderID, err)
	}
	c.releaseCandidates(senderID)

	answer, err := link.CreateAnswer()
	if err != nil {
		c.cfg.Metrics.Inc(metrics.NegotiationFailed)
		c.Teardown(senderID, StateFailed)
		return fmt.Errorf("create answer for %s: %w", senderID, err)
	}
	env, err := signalwire.NewAnswer(senderID, answer)
	if err != nil {
		c.Teardown(senderID, StateFailed)
		return err
	}
	if err := c.cfg.Signaler.SendEnvelope(env); err != nil {
		c.cfg.Metrics.Inc(metrics.RelaySendFailed)
		c.Teardown(senderID, StateFailed)
		return fmt.Errorf("send answer to %s: %w", senderID, err)
	}
	return nil
}

// HandleAnswer applies a remote answer on an initiated session.
func (c *Coordinator) HandleAnswer(senderID string, desc signalwire.Description) error {
	c.mu.Lock()
	s, ok := c.sessions[senderID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, senderID)
	}
	link := s.link
	c.mu.Unlock()

	if err := link.SetRemoteDescription(desc); err != nil {
		c.cfg.Metrics.Inc(metrics.NegotiationFailed)
		c.Teardown(senderID, StateFailed)
		return fmt.Errorf("apply answer from %s: %w", senderID, err)
	}
	c.releaseCandidates(senderID)
	return nil
}

// HandleCandidate applies a remote candidate, queueing it when the remote
// description has not been applied yet.
func (c *Coordinator) HandleCandidate(senderID string, cand signalwire.Candidate) error {
	c.mu.Lock()
	s, ok := c.sessions[senderID]
	if !ok {
		c.mu.Unlock()
		c.cfg.Metrics.Inc(metrics.CandidateDropped)
		return fmt.Errorf("%w: %s", ErrUnknownPeer, senderID)
	}
	if !s.remoteApplied || s.flushing {
		s.pending = append(s.pending, cand)
		c.mu.Unlock()
		return nil
	}
	link := s.link
	c.mu.Unlock()

	if err := link.AddCandidate(cand); err != nil {
		c.cfg.Logger.Warn("candidate apply failed", "peer_id", senderID, "err", err)
		c.cfg.Metrics.Inc(metrics.CandidateDropped)
	}
	return nil
}

// SendFrame marshals and sends a frame on the peer's open channel.
func (c *Coordinator) SendFrame(peerID string, f signalwire.Frame) error {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	ch := s.channel
	c.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, peerID)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if err := ch.Send(data); err != nil {
		c.cfg.Metrics.Inc(metrics.FrameSendFailed)
		return fmt.Errorf("send %s frame to %s: %w", f.Type, peerID, err)
	}
	return nil
}

// WriteAudioFrame forwards one captured PCM frame onto the peer's outbound
// audio leg.
func (c *Coordinator) WriteAudioFrame(peerID string, frame []int16) error {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	link := s.link
	c.mu.Unlock()
	return link.WriteAudioFrame(frame)
}

// PeerState reports a peer's negotiation state.
func (c *Coordinator) PeerState(peerID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	if !ok {
		return StateClosed, false
	}
	return s.state, true
}

// SharedKey implements keyex.KeyStore. It is also the codec's key source.
func (c *Coordinator) SharedKey(peerID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	if !ok || s.sharedKey == nil {
		return nil, false
	}
	return s.sharedKey, true
}

// SetSharedKey implements keyex.KeyStore. Storing a key on a torn-down
// session is a no-op returning false.
func (c *Coordinator) SetSharedKey(peerID string, key []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[peerID]
	if !ok {
		return false
	}
	s.sharedKey = key
	return true
}

// RotateKey removes the peer's current key and re-runs establishment.
func (c *Coordinator) RotateKey(peerID string) error {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	s.sharedKey = nil
	c.mu.Unlock()
	return c.ex.Start(peerID)
}

// Teardown releases every resource of the peer's session as one unit and
// emits a peer-disconnected event. Tearing down an absent peer is a no-op.
func (c *Coordinator) Teardown(peerID string, terminal State) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	// Removing the record is the single observable step: channel handle,
	// negotiation handle, candidate queue, state, and shared key all go
	// with it.
	delete(c.sessions, peerID)
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	link, ch := s.link, s.channel
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	_ = link.Close()

	c.cfg.Events.PeerStateChanged(peerID, terminal)
	c.cfg.Events.PeerDisconnected(peerID)
}

// CloseAll tears down every session and permanently closes the coordinator.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	c.closed = true
	peers := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		peers = append(peers, id)
	}
	c.mu.Unlock()

	for _, id := range peers {
		c.Teardown(id, StateClosed)
	}
}

func (c *Coordinator) setStateLocked(s *session, state State) {
	s.state = state
}

// releaseCandidates flips the remote-description gate and drains the pending
// queue in arrival order. The gate flip and the flush claim happen in one
// critical section, so a candidate racing in from another goroutine queues
// behind the batch (the flushing flag holds it back) instead of jumping it.
func (c *Coordinator) releaseCandidates(peerID string) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.remoteApplied = true
	s.flushing = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		s, ok := c.sessions[peerID]
		if !ok {
			c.mu.Unlock()
			return
		}
		if len(s.pending) == 0 {
			s.flushing = false
			c.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = nil
		link := s.link
		c.mu.Unlock()

		for _, cand := range batch {
			if err := link.AddCandidate(cand); err != nil {
				c.cfg.Logger.Warn("queued candidate apply failed", "peer_id", peerID, "err", err)
				c.cfg.Metrics.Inc(metrics.CandidateDropped)
			}
		}
	}
}

// onChannelOpen runs when a peer's application channel becomes usable on
// this side. Readiness is an explicit handshake: each side announces
// channel_ready, and key exchange starts only once both announcements are
// in; there are no fixed-delay heuristics.
func (c *Coordinator) onChannelOpen(peerID string, ch Channel) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	s.channel = ch
	c.setStateLocked(s, StateChannelOpen)
	s.readySent = true
	start := s.readyPeer && !s.keyexStarted
	if start {
		s.keyexStarted = true
	}
	c.mu.Unlock()

	c.cfg.Events.PeerStateChanged(peerID, StateChannelOpen)

	err := c.SendFrame(peerID, signalwire.Frame{
		Type:      signalwire.FrameChannelReady,
		Sender:    c.cfg.NodeID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		c.cfg.Logger.Warn("channel_ready send failed", "peer_id", peerID, "err", err)
	}

	if start {
		if err := c.ex.Start(peerID); err != nil {
			c.cfg.Logger.Warn("key exchange start failed", "peer_id", peerID, "err", err)
		}
	}
}

func (c *Coordinator) onChannelMessage(peerID string, data []byte) {
	f, err := signalwire.ParseFrame(data)
	if err != nil {
		c.cfg.Logger.Warn("bad channel frame", "peer_id", peerID, "err", err)
		c.cfg.Metrics.Inc(metrics.BadFrame)
		return
	}

	switch f.Type {
	case signalwire.FrameChannelReady:
		c.onPeerReady(peerID)
	case signalwire.FrameKeyExchange:
		c.ex.HandleFrame(peerID, f)
	default:
		c.cfg.Events.FrameReceived(peerID, f)
	}
}

func (c *Coordinator) onPeerReady(peerID string) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.readyPeer = true
	start := s.readySent && !s.keyexStarted
	if start {
		s.keyexStarted = true
	}
	c.mu.Unlock()

	if start {
		if err := c.ex.Start(peerID); err != nil {
			c.cfg.Logger.Warn("key exchange start failed", "peer_id", peerID, "err", err)
		}
	}
}

func (c *Coordinator) onChannelClose(peerID string) {
	c.mu.Lock()
	_, ok := c.sessions[peerID]
	c.mu.Unlock()
	if ok {
		c.Teardown(peerID, StateClosed)
	}
}

// onLinkState applies the failure policy: one immediate restart attempt on
// a fatal link failure, a grace period on transient disconnection, and
// teardown when either path proves unrecoverable.
func (c *Coordinator) onLinkState(peerID string, state LinkState) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	s.linkState = state

	switch state {
	case LinkConnected:
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
		}
		c.mu.Unlock()

	case LinkDisconnected:
		if s.graceTimer == nil {
			s.graceTimer = time.AfterFunc(c.cfg.DisconnectedGrace, func() {
				c.onGraceExpired(peerID)
			})
		}
		c.mu.Unlock()

	case LinkFailed:
		restart := !s.restartAttempted
		if restart {
			s.restartAttempted = true
		}
		link := s.link
		c.mu.Unlock()

		if !restart {
			c.cfg.Metrics.Inc(metrics.NegotiationFailed)
			c.Teardown(peerID, StateFailed)
			return
		}
		c.cfg.Logger.Info("negotiation link failed, attempting restart", "peer_id", peerID)
		offer, err := link.CreateOffer(true)
		if err == nil {
			var env signalwire.Envelope
			env, err = signalwire.NewOffer(peerID, offer)
			if err == nil {
				err = c.cfg.Signaler.SendEnvelope(env)
			}
		}
		if err != nil {
			c.cfg.Logger.Warn("restart failed", "peer_id", peerID, "err", err)
			c.cfg.Metrics.Inc(metrics.NegotiationFailed)
			c.Teardown(peerID, StateFailed)
		}

	case LinkClosed:
		c.mu.Unlock()
		c.Teardown(peerID, StateClosed)

	default:
		c.mu.Unlock()
	}
}

func (c *Coordinator) onGraceExpired(peerID string) {
	c.mu.Lock()
	s, ok := c.sessions[peerID]
	stillDown := ok && s.linkState == LinkDisconnected
	c.mu.Unlock()

	if stillDown {
		c.cfg.Logger.Info("disconnected grace period expired", "peer_id", peerID)
		c.cfg.Metrics.Inc(metrics.NegotiationFailed)
		c.Teardown(peerID, StateFailed)
	}
}

func (c *Coordinator) onLocalCandidate(peerID string, cand signalwire.Candidate) {
	c.mu.Lock()
	_, ok := c.sessions[peerID]
	c.mu.Unlock()
	if !ok {
		return
	}

	env, err := signalwire.NewICECandidate(peerID, cand)
	if err != nil {
		c.cfg.Logger.Warn("encode candidate failed", "peer_id", peerID, "err", err)
		return
	}
	if err := c.cfg.Signaler.SendEnvelope(env); err != nil {
		c.cfg.Metrics.Inc(metrics.RelaySendFailed)
		c.cfg.Logger.Warn("candidate send failed", "peer_id", peerID, "err", err)
	}
}

func (c *Coordinator) onRemoteAudio(peerID string, src audio.Source) {
	c.mu.Lock()
	_, ok := c.sessions[peerID]
	c.mu.Unlock()
	if !ok {
		if src != nil {
			_ = src.Close()
		}
		return
	}
	c.cfg.Events.RemoteAudioChanged(peerID, src)
}

// linkObserver routes transport callbacks for one peer into the
// coordinator.
type linkObserver struct {
	c      *Coordinator
	peerID string
}

func (o *linkObserver) OnLocalCandidate(cand signalwire.Candidate) {
	o.c.onLocalCandidate(o.peerID, cand)
}

func (o *linkObserver) OnChannelOpen(ch Channel) { o.c.onChannelOpen(o.peerID, ch) }

func (o *linkObserver) OnChannelMessage(data []byte) { o.c.onChannelMessage(o.peerID, data) }

func (o *linkObserver) OnChannelClose() { o.c.onChannelClose(o.peerID) }

func (o *linkObserver) OnStateChange(state LinkState) { o.c.onLinkState(o.peerID, state) }

func (o *linkObserver) OnRemoteAudio(src audio.Source) { o.c.onRemoteAudio(o.peerID, src) }
