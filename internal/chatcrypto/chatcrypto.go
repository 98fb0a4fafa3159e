package chatcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of both X25519 keys and derived AES-256 keys.
	KeySize = 32
	// NonceSize is the AES-GCM nonce size (96 bits).
	NonceSize = 12
)

// hkdfInfo domain-separates chat session keys from any other use of the
// same X25519 agreement output.
var hkdfInfo = []byte("secure-chat-sdk session key v1")

var (
	// ErrNoKey is returned when a peer has no established shared key.
	ErrNoKey = errors.New("chatcrypto: no shared key for peer")
	// ErrDecrypt is returned when the authentication tag does not verify
	// (wrong key, corrupted or foreign ciphertext).
	ErrDecrypt = errors.New("chatcrypto: decryption failed")
	// ErrBadPublicKey is returned for malformed or low-order peer public keys.
	ErrBadPublicKey = errors.New("chatcrypto: invalid peer public key")
)

// KeyPair is a process-lifetime X25519 agreement key pair. One pair is
// generated per node lifetime; per-peer keys differ only because peer public
// keys differ.
type KeyPair struct {
	private [KeySize]byte
	public  [KeySize]byte
}

// GenerateKeyPair returns a fresh X25519 key pair. The private key is
// clamped per RFC 7748.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, fmt.Errorf("generate agreement key: %w", err)
	}
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive agreement public key: %w", err)
	}
	copy(kp.public[:], pub)
	return &kp, nil
}

// PublicKey returns the exportable public half as a fresh slice.
func (kp *KeyPair) PublicKey() []byte {
	out := make([]byte, KeySize)
	copy(out, kp.public[:])
	return out
}

// DeriveSharedKey computes the X25519 shared secret against peerPublic and
// expands it into an AES-256 key via HKDF-SHA256.
func (kp *KeyPair) DeriveSharedKey(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadPublicKey, len(peerPublic), KeySize)
	}
	secret, err := curve25519.X25519(kp.private[:], peerPublic)
	if err != nil {
		// curve25519 rejects low-order points with an all-zero output.
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under key, generating a fresh
// 96-bit nonce per call.
func Seal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts and authenticates ciphertext. A tag mismatch yields
// ErrDecrypt; callers treat that as a dropped message, not a session fault.
func Open(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce size %d", ErrDecrypt, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key size %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
