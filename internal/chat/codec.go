package chat

import (
	"encoding/json"
	"fmt"

	"github.com/MaliosDark/secure-chat-sdk/internal/chatcrypto"
	"github.com/MaliosDark/secure-chat-sdk/internal/metrics"
)

// KeySource resolves a peer's established symmetric key. The session
// coordinator implements it; keys disappear with the peer's session.
type KeySource interface {
	SharedKey(peerID string) ([]byte, bool)
}

// payload is the authenticated plaintext framing. Sender and timestamp sit
// inside the sealed payload so their integrity is covered by the tag, not
// just the transport.
type payload struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Sender    string `json:"sender"`
}

// Codec seals and opens application messages with per-peer keys.
type Codec struct {
	keys    KeySource
	metrics *metrics.Metrics
}

func NewCodec(keys KeySource, m *metrics.Metrics) *Codec {
	if m == nil {
		m = metrics.New()
	}
	return &Codec{keys: keys, metrics: m}
}

// Encrypt seals one message for peerID with a fresh random nonce. It fails
// with chatcrypto.ErrNoKey when no key has been established.
func (c *Codec) Encrypt(peerID, sender, content string, timestamp int64) (ciphertext, nonce []byte, err error) {
	key, ok := c.keys.SharedKey(peerID)
	if !ok {
		c.metrics.Inc(metrics.NoKey)
		return nil, nil, fmt.Errorf("encrypt for %s: %w", peerID, chatcrypto.ErrNoKey)
	}
	plain, err := json.Marshal(payload{Content: content, Timestamp: timestamp, Sender: sender})
	if err != nil {
		return nil, nil, fmt.Errorf("encode message payload: %w", err)
	}
	ciphertext, nonce, err = chatcrypto.Seal(key, plain)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt for %s: %w", peerID, err)
	}
	return ciphertext, nonce, nil
}

// Decrypt opens a sealed message from peerID. A missing key fails with
// chatcrypto.ErrNoKey, a failed tag with chatcrypto.ErrDecrypt; both are
// non-fatal to the session, the message is simply not delivered.
func (c *Codec) Decrypt(peerID string, ciphertext, nonce []byte) (content string, timestamp int64, sender string, err error) {
	key, ok := c.keys.SharedKey(peerID)
	if !ok {
		c.metrics.Inc(metrics.NoKey)
		return "", 0, "", fmt.Errorf("decrypt from %s: %w", peerID, chatcrypto.ErrNoKey)
	}
	plain, err := chatcrypto.Open(key, ciphertext, nonce)
	if err != nil {
		c.metrics.Inc(metrics.DecryptFailed)
		return "", 0, "", fmt.Errorf("decrypt from %s: %w", peerID, err)
	}
	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		c.metrics.Inc(metrics.DecryptFailed)
		return "", 0, "", fmt.Errorf("decode message payload from %s: %w", peerID, err)
	}
	return p.Content, p.Timestamp, p.Sender, nil
}
