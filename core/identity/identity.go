// Package identity provides Reticulum identity key material: the
// X25519 encryption keypair and Ed25519 signing keypair that together
// identify a destination. Public-only material is an Identity;
// PrivateIdentity additionally carries the private halves.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/hexmesh/reticulum-go/core/hash"
)

// KeySize is the size in bytes of each of the two public key halves.
const KeySize = 32

// Identity holds the public key material for a Reticulum identity:
// an X25519 encryption public key and an Ed25519 signing public key.
type Identity struct {
	EncryptPub [KeySize]byte
	SignPub    ed25519.PublicKey
}

// PrivateIdentity additionally holds the private key halves. It is never
// transmitted; only the embedded Identity is announced.
type PrivateIdentity struct {
	Identity
	EncryptPriv [KeySize]byte
	SignPriv    ed25519.PrivateKey
}

// New generates a fresh PrivateIdentity with random key material.
func New() (*PrivateIdentity, error) {
	var encPriv [KeySize]byte
	if _, err := rand.Read(encPriv[:]); err != nil {
		return nil, fmt.Errorf("generating encryption key: %w", err)
	}
	// Clamp per RFC 7748 / X25519 convention.
	encPriv[0] &= 248
	encPriv[31] &= 127
	encPriv[31] |= 64

	var encPub [KeySize]byte
	pub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption public key: %w", err)
	}
	copy(encPub[:], pub)

	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}

	return &PrivateIdentity{
		Identity: Identity{
			EncryptPub: encPub,
			SignPub:    signPub,
		},
		EncryptPriv: encPriv,
		SignPriv:    signPriv,
	}, nil
}

// FromPrivateKeys reconstructs a PrivateIdentity from an existing X25519
// private scalar and Ed25519 private key, deriving the public halves.
func FromPrivateKeys(encPriv [KeySize]byte, signPriv ed25519.PrivateKey) (*PrivateIdentity, error) {
	if len(signPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size: %d", len(signPriv))
	}
	pub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption public key: %w", err)
	}
	var encPub [KeySize]byte
	copy(encPub[:], pub)

	signPub := signPriv.Public().(ed25519.PublicKey)

	return &PrivateIdentity{
		Identity: Identity{
			EncryptPub: encPub,
			SignPub:    signPub,
		},
		EncryptPriv: encPriv,
		SignPriv:    signPriv,
	}, nil
}

// Sign signs the given message with the identity's Ed25519 private key.
func (p *PrivateIdentity) Sign(message []byte) []byte {
	return ed25519.Sign(p.SignPriv, message)
}

// Verify checks a signature against the identity's Ed25519 public key.
func (id *Identity) Verify(message, sig []byte) bool {
	return ed25519.Verify(id.SignPub, message, sig)
}

// String returns the hex-encoded concatenation of both public key halves,
// matching Reticulum's on-wire identity representation.
func (id *Identity) String() string {
	return hex.EncodeToString(id.EncryptPub[:]) + hex.EncodeToString(id.SignPub)
}

// NameHash computes the destination name hash component: the truncated
// SHA-256 of the dotted app/aspect name string, independent of identity.
func NameHash(name string) hash.AddressHash {
	return hash.Compute([]byte(name))
}

// DestinationAddressHash computes the AddressHash for a destination built
// from this identity and a full name (e.g. "app.aspect"). It combines the
// name hash with the identity's public key material, matching Reticulum's
// destination hash derivation.
func DestinationAddressHash(name string, id *Identity) hash.AddressHash {
	nh := NameHash(name)
	return hash.Compute(nh[:], id.EncryptPub[:], id.SignPub)
}

// PlainDestinationAddressHash computes the AddressHash for a destination
// that is not bound to any identity (Plain or Group destination types).
func PlainDestinationAddressHash(name string) hash.AddressHash {
	nh := NameHash(name)
	return hash.Compute(nh[:])
}
