// Package aead wraps XChaCha20-Poly1305 (the AEAD primitive spec.md calls
// for throughout: the authenticated channel, the ratchet, the group
// cipher, and the file blob codec) and HKDF-SHA256 key derivation behind
// small, panic-free helpers.
package aead

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the symmetric key size used throughout the core.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the XChaCha20-Poly1305 nonce size (24 bytes).
const NonceSize = chacha20poly1305.NonceSizeX

// TagSize is the Poly1305 authentication tag size.
const TagSize = 16

// ErrInvalidKeySize is returned when a caller supplies a key of the wrong
// length.
var ErrInvalidKeySize = errors.New("aead: invalid key size")

// Seal encrypts and authenticates plaintext under key, nonce, and
// associated data, appending the sealed ciphertext (with trailing tag) to
// dst.
func Seal(dst, key, nonce, plaintext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("aead: invalid nonce size")
	}
	return aead.Seal(dst, nonce, plaintext, ad), nil
}

// Open authenticates and decrypts ciphertext under key, nonce, and
// associated data, appending the plaintext to dst.
func Open(dst, key, nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("aead: invalid nonce size")
	}
	return aead.Open(dst, nonce, ciphertext, ad)
}

// HKDF derives outLen bytes from ikm (input key material) using salt and
// info as the HKDF-SHA256 salt and info parameters.
func HKDF(ikm, salt []byte, info string, outLen int) ([]byte, error) {
	h := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HKDFTwo is a convenience for the common "derive two 32-byte secrets"
// pattern used by the root/chain KDFs throughout the ratchet and group
// engines.
func HKDFTwo(ikm, salt []byte, info string) (a, b [32]byte, err error) {
	out, err := HKDF(ikm, salt, info, 64)
	if err != nil {
		return a, b, err
	}
	copy(a[:], out[:32])
	copy(b[:], out[32:64])
	return a, b, nil
}
