package keyex

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MaliosDark/secure-chat-sdk/internal/chatcrypto"
	"github.com/MaliosDark/secure-chat-sdk/internal/signalwire"
)

// KeyStore is the per-peer shared key storage, owned by the session
// coordinator so keys live and die with the rest of the peer session.
type KeyStore interface {
	// SharedKey returns the peer's established key, if any.
	SharedKey(peerID string) ([]byte, bool)
	// SetSharedKey stores a newly derived key. It returns false when the
	// peer's session no longer exists; the caller must treat that as a
	// cancelled exchange and do nothing further.
	SetSharedKey(peerID string, key []byte) bool
}

// Sender delivers a frame to a peer over its established data channel.
type Sender func(peerID string, f signalwire.Frame) error

// Config wires an Exchanger's dependencies.
type Config struct {
	// NodeID is the local node identity stamped on outbound frames.
	NodeID string
	// Keys is the process-lifetime agreement key pair.
	Keys *chatcrypto.KeyPair
	Store KeyStore
	Send  Sender
	// OnEstablished fires exactly once per successful establishment.
	OnEstablished func(peerID string)
	Logger        *slog.Logger
}

// Exchanger performs one X25519-derived symmetric key agreement per peer
// over an established session channel.
//
// The protocol converges even when both peers initiate simultaneously: a
// non-response frame is answered exactly once with a response-marked frame,
// and response frames are never answered.
type Exchanger struct {
	cfg Config
}

func New(cfg Config) (*Exchanger, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("keyex: missing node id")
	}
	if cfg.Keys == nil {
		return nil, errors.New("keyex: missing key pair")
	}
	if cfg.Store == nil {
		return nil, errors.New("keyex: missing key store")
	}
	if cfg.Send == nil {
		return nil, errors.New("keyex: missing sender")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Exchanger{cfg: cfg}, nil
}

// Start begins key establishment with a peer whose channel is ready. If a
// shared key already exists Start is a no-op.
func (e *Exchanger) Start(peerID string) error {
	if _, ok := e.cfg.Store.SharedKey(peerID); ok {
		return nil
	}
	return e.sendPublicKey(peerID, false)
}

// HandleFrame processes an inbound key_exchange frame. Malformed peer keys
// are logged and dropped; the peer simply remains without encryption.
// Duplicate and crossed-in-flight deliveries are no-ops on the stored key.
func (e *Exchanger) HandleFrame(peerID string, f signalwire.Frame) {
	if _, ok := e.cfg.Store.SharedKey(peerID); ok {
		return
	}

	key, err := e.cfg.Keys.DeriveSharedKey(f.PublicKey)
	if err != nil {
		e.cfg.Logger.Warn("key exchange failed", "peer_id", peerID, "err", err)
		return
	}

	// The session may have been torn down while we derived; in that case
	// the record is gone and nothing may be mutated.
	if !e.cfg.Store.SetSharedKey(peerID, key) {
		return
	}

	if !f.IsResponse {
		if err := e.sendPublicKey(peerID, true); err != nil {
			e.cfg.Logger.Warn("key exchange response send failed", "peer_id", peerID, "err", err)
		}
	}

	e.established(peerID)
}

func (e *Exchanger) sendPublicKey(peerID string, isResponse bool) error {
	f := signalwire.Frame{
		Type:       signalwire.FrameKeyExchange,
		Sender:     e.cfg.NodeID,
		PublicKey:  e.cfg.Keys.PublicKey(),
		IsResponse: isResponse,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := e.cfg.Send(peerID, f); err != nil {
		return fmt.Errorf("send key exchange to %s: %w", peerID, err)
	}
	return nil
}

func (e *Exchanger) established(peerID string) {
	if e.cfg.OnEstablished != nil {
		e.cfg.OnEstablished(peerID)
	}
}
