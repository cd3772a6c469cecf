// Package crypto wraps the cryptographic primitives Reticulum links and
// announces rely on: Ed25519 signing, X25519 ECDH (via Ed25519 ephemeral
// keys converted per RFC 8032), HKDF-SHA256 key derivation, and an
// AES-128-CBC + HMAC-SHA256 "token" cipher for link payloads. All
// operations here are invoked as opaque building blocks by link and
// channel — neither package inspects key material directly.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

var (
	ErrInvalidPubKeySize  = errors.New("invalid public key size: expected 32 bytes")
	ErrInvalidPrivKeySize = errors.New("invalid private key size: expected 64 bytes")
)

// EphemeralKeyPair holds the Ed25519 keypair a Link generates for each
// handshake. The ECDH shared secret is derived by converting both sides'
// keys to their X25519 equivalents.
type EphemeralKeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateEphemeralKeyPair creates a new per-link Ed25519 keypair.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key pair: %w", err)
	}
	return &EphemeralKeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Ed25519PubKeyToX25519 converts an Ed25519 public key to its X25519
// (Curve25519) equivalent birational map, used for ECDH key exchange.
func Ed25519PubKeyToX25519(edPubKey []byte) ([]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(edPubKey)
	if err != nil {
		return nil, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	return point.BytesMontgomery(), nil
}

// Ed25519PrivKeyToX25519 converts an Ed25519 private key to its X25519
// equivalent, following RFC 8032: SHA-512 the seed, then clamp.
func Ed25519PrivKeyToX25519(edPrivKey ed25519.PrivateKey) ([]byte, error) {
	if len(edPrivKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}

	seed := edPrivKey.Seed()
	h := sha512.Sum512(seed)

	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	return h[:32], nil
}

// ComputeLinkSharedSecret derives the raw ECDH secret for a link handshake
// from one side's ephemeral Ed25519 private key and the peer's ephemeral
// Ed25519 public key. The 32-byte result is not used directly as a cipher
// key — it is always passed through DeriveLinkKeys first.
func ComputeLinkSharedSecret(localPrivKey ed25519.PrivateKey, remotePubKey []byte) ([]byte, error) {
	if len(remotePubKey) != ed25519.PublicKeySize {
		return nil, ErrInvalidPubKeySize
	}

	x25519Priv, err := Ed25519PrivKeyToX25519(localPrivKey)
	if err != nil {
		return nil, fmt.Errorf("converting private key: %w", err)
	}

	x25519Pub, err := Ed25519PubKeyToX25519(remotePubKey)
	if err != nil {
		return nil, fmt.Errorf("converting public key: %w", err)
	}

	secret, err := curve25519.X25519(x25519Priv, x25519Pub)
	if err != nil {
		return nil, fmt.Errorf("ECDH failed: %w", err)
	}

	return secret, nil
}
