// Package envelope provides authenticated encryption for wire datagrams,
// keyed by a shared network secret rather than a per-human passphrase.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// kdfSalt is fixed rather than random: every node on the mesh derives the
// same key from the same network secret independently, with no handshake
// to exchange a salt. Uniqueness comes from the secret itself, not the salt.
const kdfSalt = "p2p_mesh_network"

const kdfIterations = 100_000

const keyLen = 32 // chacha20poly1305.KeySize

// Sealer encrypts and decrypts mesh datagrams with a key derived once from
// the network secret at construction time.
type Sealer struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from secret via PBKDF2-HMAC-SHA256 and builds a
// ChaCha20-Poly1305 AEAD sealer.
func New(secret string) (*Sealer, error) {
	key := deriveKey(secret)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to construct AEAD cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

func deriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(kdfSalt), kdfIterations, keyLen, sha256.New)
}

// Encrypt seals plaintext with a freshly randomized 12-byte nonce, prepended
// to the returned ciphertext. Every call produces a different output even
// for identical plaintext.
func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt splits the leading nonce from ciphertext and opens it. Any
// tampering, truncation, or key mismatch produces an error; the caller
// should silently drop the datagram rather than surface it to a peer.
func (s *Sealer) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes, need at least %d", len(ciphertext), nonceSize)
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt datagram: %w", err)
	}
	return plaintext, nil
}
