package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MaliosDark/secure-chat-sdk/internal/metrics"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

const (
	// DefaultDiscoveryInterval is how often the client announces itself.
	DefaultDiscoveryInterval = 15 * time.Second

	writeWait = 5 * time.Second
)

// ErrNotConnected is returned by SendEnvelope before Connect or after the
// relay connection was lost.
var ErrNotConnected = errors.New("signaling: not connected to relay")

// Directory receives discovery events.
type Directory interface {
	PeerDiscovered(peerID, username string)
	PeerGone(peerID string)
	RelayStatusChanged(connected bool)
}

// Negotiator receives routed negotiation envelopes.
type Negotiator interface {
	HandleOffer(senderID string, desc signalwire.Description) error
	HandleAnswer(senderID string, desc signalwire.Description) error
	HandleCandidate(senderID string, cand signalwire.Candidate) error
}

// Config wires a Client's dependencies.
type Config struct {
	NodeID   string
	Username string

	Directory  Directory
	Negotiator Negotiator

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	DiscoveryInterval time.Duration
}

// Client is the single relay connection: it joins, announces itself
// periodically, and routes inbound envelopes. A lost connection surfaces a
// status change only: there is no automatic reconnection, and existing
// peer sessions are unaffected.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("signaling: missing node id")
	}
	if cfg.Username == "" {
		return nil, errors.New("signaling: missing username")
	}
	if cfg.Directory == nil {
		return nil, errors.New("signaling: missing directory")
	}
	if cfg.Negotiator == nil {
		return nil, errors.New("signaling: missing negotiator")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultDiscoveryInterval
	}
	return &Client{cfg: cfg, done: make(chan struct{})}, nil
}

// Connect dials the relay, sends the join envelope, and starts the read
// loop and the periodic discovery announcements.
func (c *Client) Connect(ctx context.Context, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	err = c.SendEnvelope(signalwire.Envelope{
		Type:     signalwire.EnvelopeJoin,
		NodeID:   c.cfg.NodeID,
		Username: c.cfg.Username,
	})
	if err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		return fmt.Errorf("join relay: %w", err)
	}

	c.cfg.Directory.RelayStatusChanged(true)

	go c.readLoop(conn)
	go c.discoveryLoop()
	return nil
}

// SendEnvelope implements peering.Signaler: one serialized write per
// envelope on the relay connection.
func (c *Client) SendEnvelope(env signalwire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		c.cfg.Metrics.Inc(metrics.RelaySendFailed)
		return fmt.Errorf("send %s envelope: %w", env.Type, err)
	}
	return nil
}

// Close shuts the relay connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Client) discoveryLoop() {
	ticker := time.NewTicker(c.cfg.DiscoveryInterval)
	defer ticker.Stop()

	c.announce()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.announce()
		}
	}
}

func (c *Client) announce() {
	err := c.SendEnvelope(signalwire.Envelope{
		Type:      signalwire.EnvelopeDiscoveryPing,
		NodeID:    c.cfg.NodeID,
		Username:  c.cfg.Username,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.cfg.Logger.Warn("discovery announcement failed", "err", err)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		lost := c.conn == conn
		if lost {
			c.conn = nil
		}
		c.mu.Unlock()
		if lost {
			// Relay loss is a status change only; peer sessions continue.
			c.cfg.Directory.RelayStatusChanged(false)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.cfg.Logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		env, err := signalwire.ParseEnvelope(data)
		if err != nil {
			c.cfg.Logger.Warn("bad relay envelope", "err", err)
			continue
		}
		c.route(env)
	}
}

func (c *Client) route(env signalwire.Envelope) {
	switch env.Type {
	case signalwire.EnvelopeDiscoveryPing:
		c.onDiscoveryPing(env)

	case signalwire.EnvelopeDiscoveryPong:
		// Pongs are addressed; ignore ones relayed past their target.
		if env.TargetNode == c.cfg.NodeID && env.NodeID != c.cfg.NodeID {
			c.cfg.Directory.PeerDiscovered(env.NodeID, env.Username)
		}

	case signalwire.EnvelopePeerDiscovered:
		c.cfg.Directory.PeerDiscovered(env.PeerID, env.Username)

	case signalwire.EnvelopePeerDisconnected:
		c.cfg.Directory.PeerGone(env.PeerID)

	case signalwire.EnvelopeOffer:
		desc, err := env.DescriptionPayload()
		if err != nil {
			c.cfg.Logger.Warn("bad offer payload", "sender_id", env.SenderID, "err", err)
			return
		}
		if err := c.cfg.Negotiator.HandleOffer(env.SenderID, desc); err != nil {
			c.cfg.Logger.Warn("offer handling failed", "sender_id", env.SenderID, "err", err)
		}

	case signalwire.EnvelopeAnswer:
		desc, err := env.DescriptionPayload()
		if err != nil {
			c.cfg.Logger.Warn("bad answer payload", "sender_id", env.SenderID, "err", err)
			return
		}
		if err := c.cfg.Negotiator.HandleAnswer(env.SenderID, desc); err != nil {
			c.cfg.Logger.Warn("answer handling failed", "sender_id", env.SenderID, "err", err)
		}

	case signalwire.EnvelopeICECandidate:
		cand, err := env.CandidatePayload()
		if err != nil {
			c.cfg.Logger.Warn("bad candidate payload", "sender_id", env.SenderID, "err", err)
			return
		}
		if err := c.cfg.Negotiator.HandleCandidate(env.SenderID, cand); err != nil {
			c.cfg.Logger.Debug("candidate handling failed", "sender_id", env.SenderID, "err", err)
		}

	default:
		c.cfg.Logger.Debug("unhandled relay envelope", "type", env.Type)
	}
}

// onDiscoveryPing answers with a pong addressed to the sender and reports
// the sender as discovered.
func (c *Client) onDiscoveryPing(env signalwire.Envelope) {
	if env.NodeID == c.cfg.NodeID {
		return
	}
	err := c.SendEnvelope(signalwire.Envelope{
		Type:       signalwire.EnvelopeDiscoveryPong,
		NodeID:     c.cfg.NodeID,
		Username:   c.cfg.Username,
		TargetNode: env.NodeID,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		c.cfg.Logger.Warn("discovery pong failed", "peer_id", env.NodeID, "err", err)
	}
	c.cfg.Directory.PeerDiscovered(env.NodeID, env.Username)
}
