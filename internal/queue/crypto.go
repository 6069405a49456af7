// Package queue implements the durable, encrypted local queue of sales
// awaiting upload to the authoritative store.
package queue

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyLen is the required length of the queue encryption key.
const KeyLen = chacha20poly1305.KeySize

// Cipher seals and opens queue payloads with XChaCha20-Poly1305. The sync id
// of the owning sale is bound as additional data so a ciphertext cannot be
// replayed under a different entry.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher constructs a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext with a random nonce prefix.
func (c *Cipher) Seal(plaintext, syncID []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+c.aead.Overhead())
	out = append(out, nonce...)
	out = append(out, c.aead.Seal(nil, nonce, plaintext, syncID)...)
	return out, nil
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(blob, syncID []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("blob too short")
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return c.aead.Open(nil, nonce, ct, syncID)
}
