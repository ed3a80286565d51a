// Package kem wraps the ML-KEM-768 post-quantum key encapsulation
// mechanism used to hybridize the double-ratchet's X3DH handshake
// (spec.md §4.5 step 3). It is a thin adapter over circl's generic
// kem.Scheme interface so callers deal only in byte slices.
package kem

import (
	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

// scheme is the single KEM instance this module speaks; spec.md names
// ML-KEM-768 explicitly.
var scheme = mlkem768.Scheme()

// PublicKeySize, PrivateKeySize, CiphertextSize, and SharedSecretSize are
// the fixed sizes of ML-KEM-768's artifacts.
var (
	PublicKeySize    = scheme.PublicKeySize()
	PrivateKeySize   = scheme.PrivateKeySize()
	CiphertextSize   = scheme.CiphertextSize()
	SharedSecretSize = scheme.SharedKeySize()
)

// GenerateKeyPair creates a fresh ML-KEM-768 keypair, returning the
// marshaled public and private keys.
func GenerateKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	pub, err = pk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	priv, err = sk.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Encapsulate generates a shared secret against the peer's public key,
// returning the ciphertext to send and the shared secret to mix into the
// ratchet root.
func Encapsulate(pub []byte) (ciphertext, sharedSecret []byte, err error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	ct, ss, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext using the
// local private key.
func Decapsulate(priv, ciphertext []byte) (sharedSecret []byte, err error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return scheme.Decapsulate(sk, ciphertext)
}

var _ kem.Scheme = scheme
