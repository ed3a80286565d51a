// Package ratchet implements the per-conversation double ratchet engine
// described in spec.md §4.3: an X3DH-style initial handshake (hybridized
// with an ML-KEM-768 encapsulation for post-quantum forward secrecy),
// followed by the usual Diffie-Hellman + symmetric-key ratchet used to
// derive a fresh AEAD key for every message in either direction.
package ratchet

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
)

// KeyPair is a marshaled X25519 private key; the public half is derivable
// from it at any time via Engine.Public.
type KeyPair []byte

// PublicKey is a peer's marshaled X25519 public key.
type PublicKey []byte

// RootKey seeds each step of the root chain. Always 32 bytes.
type RootKey []byte

// ChainKey is advanced once per message sent or received on a chain.
// Always 32 bytes.
type ChainKey []byte

// MessageKey is derived from a ChainKey and consumed exactly once to seal
// or open a single message. Always 32 bytes.
type MessageKey []byte

// Header travels alongside every ciphertext so the recipient can detect a
// DH ratchet step and locate skipped message keys.
type Header struct {
	// DHPublic is the sender's current ratchet public key.
	DHPublic PublicKey
	// PN is the number of messages sent on the previous sending chain.
	PN uint32
	// N is this message's index within the current sending chain.
	N uint32
}

// Engine implements the cryptographic primitives a Session composes into
// the double ratchet. The production Engine (DJB) uses X25519 DH,
// HKDF-SHA256, HMAC-SHA256, and XChaCha20-Poly1305; it is exposed as an
// interface so tests can swap in deterministic key generation.
type Engine interface {
	Generate() (KeyPair, error)
	Public(KeyPair) PublicKey
	DH(KeyPair, PublicKey) ([]byte, error)
	KDFrk(RootKey, []byte) (RootKey, ChainKey)
	KDFck(ChainKey) (ChainKey, MessageKey)
	Seal(key MessageKey, plaintext, ad []byte) ([]byte, error)
	Open(key MessageKey, ciphertext, ad []byte) ([]byte, error)
}

var _ Engine = (*djbEngine)(nil)

// djbEngine is the production Engine: X25519 + HKDF-SHA256 +
// HMAC-SHA256 + XChaCha20-Poly1305, namespaced by info strings so that
// the per-message AEAD key can never collide with the root-chain KDF even
// if a future bug reused a raw key across both.
type djbEngine struct {
	rootInfo string
	msgInfo  string
}

// NewEngine constructs the production double ratchet engine. namespace is
// mixed into every HKDF info string so unrelated protocol instances (for
// example, the group sender-key chain, which derives its own KDF
// separately) can never be confused with a one-to-one ratchet.
func NewEngine(namespace string) Engine {
	return &djbEngine{
		rootInfo: namespace + ":" + constants.InfoRatchetRoot,
		msgInfo:  namespace + ":" + constants.InfoRatchetMessage,
	}
}

func (djbEngine) Generate() (KeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return KeyPair(priv.Bytes()), nil
}

func (djbEngine) Public(priv KeyPair) PublicKey {
	key, err := ecdh.X25519().NewPrivateKey(priv)
	if err != nil {
		panic("ratchet: invalid private key: " + err.Error())
	}
	return PublicKey(key.PublicKey().Bytes())
}

func (djbEngine) DH(priv KeyPair, pub PublicKey) ([]byte, error) {
	privKey, err := ecdh.X25519().NewPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("ratchet: invalid private key: %w", err)
	}
	pubKey, err := ecdh.X25519().NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: invalid public key: %w", err)
	}
	return privKey.ECDH(pubKey)
}

func (d djbEngine) KDFrk(rk RootKey, dh []byte) (RootKey, ChainKey) {
	a, b, err := aead.HKDFTwo(dh, rk, d.rootInfo)
	if err != nil {
		panic("ratchet: KDFrk: " + err.Error())
	}
	return RootKey(a[:]), ChainKey(b[:])
}

func (djbEngine) KDFck(ck ChainKey) (ChainKey, MessageKey) {
	h := hmac.New(sha256.New, ck)
	h.Write([]byte{0x02})
	nextCK := h.Sum(nil)

	h.Reset()
	h.Write([]byte{0x01})
	mk := h.Sum(nil)

	return ChainKey(nextCK), MessageKey(mk)
}

// derive expands a message key into an AEAD key and nonce, keeping the raw
// chain-derived key out of direct AEAD use.
func (d djbEngine) derive(key MessageKey) (k, nonce []byte, err error) {
	out, err := aead.HKDF([]byte(key), nil, d.msgInfo, aead.KeySize+aead.NonceSize)
	if err != nil {
		return nil, nil, err
	}
	return out[:aead.KeySize], out[aead.KeySize:], nil
}

func (d djbEngine) Seal(key MessageKey, plaintext, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("ratchet: invalid message key size")
	}
	k, nonce, err := d.derive(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, k, nonce, plaintext, ad)
}

func (d djbEngine) Open(key MessageKey, ciphertext, ad []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("ratchet: invalid message key size")
	}
	k, nonce, err := d.derive(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, k, nonce, ciphertext, ad)
}

// headerAD serializes a Header so it can be authenticated as associated
// data without ambiguity against the caller-supplied AD.
func headerAD(ad []byte, h Header) []byte {
	buf := make([]byte, 0, 4+len(ad)+8+len(h.DHPublic))
	buf = appendUint32(buf, uint32(len(ad)))
	buf = append(buf, ad...)
	buf = appendUint32(buf, h.PN)
	buf = appendUint32(buf, h.N)
	buf = append(buf, h.DHPublic...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
