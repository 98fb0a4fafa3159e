package chat

import (
	"errors"
	"testing"

	"github.com/MaliosDark/secure-chat-sdk/internal/chatcrypto"
)

type mapKeys map[string][]byte

func (m mapKeys) SharedKey(peerID string) ([]byte, bool) {
	key, ok := m[peerID]
	return key, ok
}

func testKey(fill byte) []byte {
	key := make([]byte, chatcrypto.KeySize)
	for i := range key {
		key[i] = fill
	}
	return key
}

func TestCodec_RoundTrip(t *testing.T) {
	keys := mapKeys{"peer": testKey(7)}
	c := NewCodec(keys, nil)

	ct, nonce, err := c.Encrypt("peer", "self", "hello world", 1234)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(nonce) != chatcrypto.NonceSize {
		t.Fatalf("nonce length = %d, want %d", len(nonce), chatcrypto.NonceSize)
	}

	content, ts, sender, err := c.Decrypt("peer", ct, nonce)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if content != "hello world" || ts != 1234 || sender != "self" {
		t.Fatalf("round trip = (%q, %d, %q)", content, ts, sender)
	}
}

func TestCodec_NoKey(t *testing.T) {
	c := NewCodec(mapKeys{}, nil)

	if _, _, err := c.Encrypt("peer", "self", "x", 1); !errors.Is(err, chatcrypto.ErrNoKey) {
		t.Fatalf("Encrypt err = %v, want ErrNoKey", err)
	}
	if _, _, _, err := c.Decrypt("peer", []byte{1}, make([]byte, chatcrypto.NonceSize)); !errors.Is(err, chatcrypto.ErrNoKey) {
		t.Fatalf("Decrypt err = %v, want ErrNoKey", err)
	}
}

func TestCodec_ForeignCiphertextFails(t *testing.T) {
	keysA := mapKeys{"peer": testKey(1)}
	keysB := mapKeys{"peer": testKey(2)}

	ct, nonce, err := NewCodec(keysA, nil).Encrypt("peer", "a", "secret", 1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, _, _, err := NewCodec(keysB, nil).Decrypt("peer", ct, nonce); !errors.Is(err, chatcrypto.ErrDecrypt) {
		t.Fatalf("foreign ciphertext err = %v, want ErrDecrypt", err)
	}
}
