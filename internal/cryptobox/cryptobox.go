// Package cryptobox holds the cryptographic primitives the core builds on:
// the password KDF, X25519 identity key pairs, peer shared-secret
// derivation, and the AEAD used for message payloads.
package cryptobox

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

// ErrDecrypt is returned when a payload cannot be authenticated under the
// given key. The caller's prior plaintext must be left untouched.
var ErrDecrypt = errors.New("payload authentication failed")

const (
	// KeySize is the byte length of X25519 keys and derived AEAD keys.
	KeySize = 32
	// SaltSize is the byte length of KDF salts.
	SaltSize = 16

	nonceSize = 12
)

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	return salt, nil
}

// Verifier returns a tag for checking a password-derived key without
// persisting or comparing the raw key bytes.
func Verifier(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}

// GenerateKeyPair creates a new X25519 key pair in exportable form.
func GenerateKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	return pub, priv, nil
}

// SharedSecret derives the symmetric key shared between the local private
// key and a peer's public key: X25519 ECDH expanded through HKDF-SHA256.
// Both sides derive the same key from their own private and the other's
// public half.
func SharedSecret(priv, peerPub []byte) ([]byte, error) {
	point, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, point, nil, []byte("susurro message key v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with AES-256-GCM. The random nonce is
// prepended to the returned payload.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal. Returns ErrDecrypt when the
// payload cannot be authenticated under key.
func Open(key, payload []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < nonceSize {
		return nil, ErrDecrypt
	}
	plaintext, err := aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
