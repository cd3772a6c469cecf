// Package hash provides the AddressHash identifier used throughout
// Reticulum for destinations, links, interfaces, and transport ids.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of an AddressHash: a truncated SHA-256 digest.
const Size = 16

// AddressHash is a 16-byte truncated SHA-256 identifier. It is used
// uniformly as a map key and for order-independent equality across
// destinations, links, interfaces, and transport ids.
type AddressHash [Size]byte

// Zero is the all-zero AddressHash, used as a sentinel for "no value".
var Zero AddressHash

// Compute derives an AddressHash from the concatenation of the given byte
// slices: SHA-256 truncated to Size bytes.
func Compute(parts ...[]byte) AddressHash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	sum := h.Sum(nil)
	var out AddressHash
	copy(out[:], sum[:Size])
	return out
}

// String returns the hex-encoded representation of the hash.
func (a AddressHash) String() string {
	return hex.EncodeToString(a[:])
}

// Bytes returns the underlying byte slice.
func (a AddressHash) Bytes() []byte {
	return a[:]
}

// IsZero reports whether the hash is the zero value.
func (a AddressHash) IsZero() bool {
	return a == Zero
}

// Parse decodes a hex-encoded string into an AddressHash.
func Parse(s string) (AddressHash, error) {
	var out AddressHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(b) != Size {
		return out, fmt.Errorf("invalid length: expected %d bytes, got %d", Size, len(b))
	}
	copy(out[:], b)
	return out, nil
}
