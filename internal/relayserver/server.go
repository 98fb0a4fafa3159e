package relayserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaliosDark/secure-chat-sdk/internal/metrics"
	"github.com/MaliosDark/secure-chat-sdk/internal/ratelimit"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

const (
	// DefaultMaxMessageBytes bounds a single relay envelope.
	DefaultMaxMessageBytes = 64 * 1024
	// DefaultMessagesPerSecond is the per-connection envelope budget.
	DefaultMessagesPerSecond = 50

	joinWait  = 10 * time.Second
	writeWait = 5 * time.Second
)

// Config wires a relay Server.
type Config struct {
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   ratelimit.Clock

	MaxMessageBytes   int64
	MessagesPerSecond int64
}

func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = DefaultMessagesPerSecond
	}
	return c
}

type node struct {
	id       string
	username string
	conn     *websocket.Conn

	writeMu sync.Mutex
}

func (n *node) send(env signalwire.Envelope) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	_ = n.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return n.conn.WriteJSON(env)
}

// Server is the relay hub: it registers nodes on join, routes addressed
// envelopes by target, and broadcasts presence changes. It never inspects
// payloads beyond envelope validation; conversation content never touches
// the relay.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader

	mu    sync.Mutex
	nodes map[string]*node
}

func New(cfg Config) *Server {
	return &Server{
		cfg: cfg.WithDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		nodes: make(map[string]*node),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	n, ok := s.awaitJoin(conn)
	if !ok {
		return
	}
	s.cfg.Logger.Info("node joined", "node_id", n.id, "username", n.username)

	s.announceJoin(n)
	s.serveNode(n)

	s.mu.Lock()
	// Only unregister ourselves; the id may have been reused by a newer
	// connection in the meantime.
	if cur, ok := s.nodes[n.id]; ok && cur == n {
		delete(s.nodes, n.id)
	}
	s.mu.Unlock()

	s.cfg.Logger.Info("node left", "node_id", n.id)
	s.broadcast(n.id, signalwire.Envelope{
		Type:   signalwire.EnvelopePeerDisconnected,
		PeerID: n.id,
	})
}

// awaitJoin reads and validates the mandatory first envelope.
func (s *Server) awaitJoin(conn *websocket.Conn) (*node, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(joinWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	env, err := signalwire.ParseEnvelope(data)
	if err != nil || env.Type != signalwire.EnvelopeJoin {
		writeClose(conn, websocket.ClosePolicyViolation, "join required")
		return nil, false
	}

	n := &node{id: env.NodeID, username: env.Username, conn: conn}
	s.mu.Lock()
	if _, taken := s.nodes[n.id]; taken {
		s.mu.Unlock()
		writeClose(conn, websocket.ClosePolicyViolation, "node id already joined")
		return nil, false
	}
	s.nodes[n.id] = n
	s.mu.Unlock()
	return n, true
}

// announceJoin tells the newcomer about present nodes and vice versa.
func (s *Server) announceJoin(n *node) {
	s.mu.Lock()
	others := make([]*node, 0, len(s.nodes))
	for _, other := range s.nodes {
		if other.id != n.id {
			others = append(others, other)
		}
	}
	s.mu.Unlock()

	for _, other := range others {
		if err := n.send(signalwire.Envelope{
			Type:     signalwire.EnvelopePeerDiscovered,
			PeerID:   other.id,
			Username: other.username,
		}); err != nil {
			return
		}
	}
	s.broadcast(n.id, signalwire.Envelope{
		Type:     signalwire.EnvelopePeerDiscovered,
		PeerID:   n.id,
		Username: n.username,
	})
}

func (s *Server) serveNode(n *node) {
	bucket := ratelimit.NewTokenBucket(s.cfg.Clock, s.cfg.MessagesPerSecond, s.cfg.MessagesPerSecond)

	for {
		_, data, err := n.conn.ReadMessage()
		if err != nil {
			return
		}
		if !bucket.Allow(1) {
			s.cfg.Metrics.Inc(metrics.RateLimited)
			writeClose(n.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := signalwire.ParseEnvelope(data)
		if err != nil {
			s.cfg.Logger.Warn("bad envelope", "node_id", n.id, "err", err)
			continue
		}
		s.route(n, env)
	}
}

func (s *Server) route(n *node, env signalwire.Envelope) {
	switch env.Type {
	case signalwire.EnvelopeDiscoveryPing:
		// Announcements fan out so every node can pong back.
		env.NodeID = n.id
		s.broadcast(n.id, env)

	case signalwire.EnvelopeDiscoveryPong:
		env.NodeID = n.id
		s.sendTo(env.TargetNode, env)

	case signalwire.EnvelopeOffer, signalwire.EnvelopeAnswer, signalwire.EnvelopeICECandidate:
		target := env.TargetPeer
		env.SenderID = n.id
		env.TargetPeer = ""
		s.sendTo(target, env)

	default:
		s.cfg.Logger.Warn("unroutable envelope", "node_id", n.id, "type", env.Type)
	}
}

func (s *Server) sendTo(nodeID string, env signalwire.Envelope) {
	s.mu.Lock()
	target, ok := s.nodes[nodeID]
	s.mu.Unlock()
	if !ok {
		s.cfg.Logger.Debug("envelope for absent node dropped", "node_id", nodeID, "type", env.Type)
		return
	}
	if err := target.send(env); err != nil {
		s.cfg.Metrics.Inc(metrics.RelaySendFailed)
		s.cfg.Logger.Warn("relay delivery failed", "node_id", nodeID, "err", err)
	}
}

func (s *Server) broadcast(fromID string, env signalwire.Envelope) {
	s.mu.Lock()
	targets := make([]*node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.id != fromID {
			targets = append(targets, n)
		}
	}
	s.mu.Unlock()

	for _, n := range targets {
		if err := n.send(env); err != nil {
			s.cfg.Metrics.Inc(metrics.RelaySendFailed)
			s.cfg.Logger.Warn("broadcast delivery failed", "node_id", n.id, "err", err)
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
