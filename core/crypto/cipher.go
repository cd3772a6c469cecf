package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// AESKeySize is the AES-128 key size used for link payload encryption.
	AESKeySize = 16
	// HMACKeySize is the HMAC-SHA256 key size.
	HMACKeySize = 32
	// MACSize is the full HMAC-SHA256 tag size appended to ciphertext.
	MACSize = 32
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short for IV and MAC")
	ErrMACMismatch        = errors.New("MAC verification failed")
)

// LinkKeys holds the two subkeys derived from a raw ECDH secret via HKDF:
// an AES-128 key for confidentiality and an HMAC-SHA256 key for integrity.
// This matches Reticulum's practice of never using a raw ECDH output
// directly as a cipher key.
type LinkKeys struct {
	AESKey  [AESKeySize]byte
	HMACKey [HMACKeySize]byte
}

// DeriveLinkKeys expands a raw ECDH shared secret into a LinkKeys pair
// using HKDF-SHA256, with salt and info binding the keys to the specific
// link id so that two links sharing a secret (which should not happen,
// but defense in depth) never reuse the same subkeys.
func DeriveLinkKeys(secret []byte, linkID []byte) (*LinkKeys, error) {
	kdf := hkdf.New(sha256.New, secret, linkID, []byte("reticulum-link-keys"))

	out := make([]byte, AESKeySize+HMACKeySize)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("HKDF expansion failed: %w", err)
	}

	keys := &LinkKeys{}
	copy(keys.AESKey[:], out[:AESKeySize])
	copy(keys.HMACKey[:], out[AESKeySize:])
	return keys, nil
}

// Encrypt encrypts plaintext for transmission over a link: a random IV,
// AES-128-CBC encryption, and an HMAC-SHA256 tag over IV||ciphertext.
// Wire format: [IV(16) || ciphertext || MAC(32)].
func (k *LinkKeys) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(k.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, k.HMACKey[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
	out = append(out, iv...)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

// Decrypt verifies the HMAC tag and decrypts an Encrypt'd payload. Fails
// closed: any MAC mismatch or malformed framing returns an error without
// revealing whether the failure was due to the MAC or the padding, so the
// caller never gets an oracle to distinguish the two.
func (k *LinkKeys) Decrypt(data []byte) ([]byte, error) {
	if len(data) < aes.BlockSize+MACSize {
		return nil, ErrCiphertextTooShort
	}

	iv := data[:aes.BlockSize]
	ciphertext := data[aes.BlockSize : len(data)-MACSize]
	receivedTag := data[len(data)-MACSize:]

	mac := hmac.New(sha256.New, k.HMACKey[:])
	mac.Write(iv)
	mac.Write(ciphertext)
	expectedTag := mac.Sum(nil)

	if !hmac.Equal(receivedTag, expectedTag) {
		return nil, ErrMACMismatch
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrMACMismatch
	}

	block, err := aes.NewCipher(k.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, ok := pkcs7Unpad(plaintext, aes.BlockSize)
	if !ok {
		return nil, ErrMACMismatch
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - (len(data) % blockSize)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, false
		}
	}
	return data[:len(data)-padLen], true
}
