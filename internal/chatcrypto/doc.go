// Package chatcrypto provides the cryptographic primitives for peer
// sessions: X25519 key agreement, HKDF key derivation, and AES-256-GCM
// authenticated encryption.
//
// The package deliberately exposes a small functional surface; key exchange
// sequencing and per-peer key storage live in higher layers.
package chatcrypto
