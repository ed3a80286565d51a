package ratchet

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
	"github.com/mi-e2ee/client/crypto/kem"
)

// signedPrekeyContext namespaces the signature the bundle owner makes
// over its signed prekey, separating it from other uses of the identity
// signing key (ratchet headers never need their own signature, but group
// key distribution and KT leaves each use their own label).
const signedPrekeyContext = "mi_e2ee_signed_prekey_v1"

// ErrBundleSignatureInvalid is returned when a prekey bundle's signed
// prekey signature does not verify under the bundle's identity signing
// key.
var ErrBundleSignatureInvalid = errors.New("ratchet: prekey bundle signature invalid")

// ErrBundleShapeInvalid is returned when a prekey bundle is missing a
// required field or carries a malformed key size.
var ErrBundleShapeInvalid = errors.New("ratchet: prekey bundle shape invalid")

// PrekeyBundle is a peer's published handshake material, as fetched (and
// KT-verified by the caller) per spec.md §4.5 step 1.
type PrekeyBundle struct {
	IdentitySigPub   ed25519.PublicKey
	IdentityDHPub    PublicKey
	SignedPrekeyPub  PublicKey
	SignedPrekeySig  []byte
	OneTimePrekeyPub PublicKey // nil if none was available
	KEMPublicKey     []byte
}

// Verify checks the bundle's internal signature and key-size invariants.
// Callers must separately verify the bundle's KT inclusion/consistency
// proof before trusting it (spec.md §4.5 step 1; see package kt).
func (b PrekeyBundle) Verify() error {
	if len(b.IdentitySigPub) != ed25519.PublicKeySize {
		return ErrBundleShapeInvalid
	}
	if len(b.IdentityDHPub) != 32 || len(b.SignedPrekeyPub) != 32 {
		return ErrBundleShapeInvalid
	}
	if len(b.KEMPublicKey) == 0 {
		return ErrBundleShapeInvalid
	}
	msg := append([]byte(signedPrekeyContext), b.SignedPrekeyPub...)
	if !ed25519.Verify(b.IdentitySigPub, msg, b.SignedPrekeySig) {
		return ErrBundleSignatureInvalid
	}
	return nil
}

// SignPrekey produces the signature a bundle owner attaches to its
// signed prekey.
func SignPrekey(identitySigPriv ed25519.PrivateKey, signedPrekeyPub PublicKey) []byte {
	msg := append([]byte(signedPrekeyContext), signedPrekeyPub...)
	return ed25519.Sign(identitySigPriv, msg)
}

// HandshakeResult is the outcome of the initiator's side of X3DH: the
// derived root key, the fresh ephemeral public key to send to the peer,
// and the ML-KEM-768 ciphertext encapsulated against the peer's KEM
// public key.
type HandshakeResult struct {
	RootKey       RootKey
	EphemeralPub  PublicKey
	KEMCiphertext []byte
}

// Initiate runs the initiator's half of the X3DH-style handshake
// described in spec.md §4.5: four Diffie-Hellman operations (three if the
// bundle carries no one-time prekey) mixed via HKDF, hybridized with an
// ML-KEM-768 encapsulation against the peer's post-quantum public key.
func Initiate(engine Engine, identityDHPriv KeyPair, bundle PrekeyBundle) (*HandshakeResult, error) {
	if err := bundle.Verify(); err != nil {
		return nil, err
	}

	ephemeralPriv, err := engine.Generate()
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh generate ephemeral: %w", err)
	}

	dh1, err := engine.DH(identityDHPriv, bundle.SignedPrekeyPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh DH1: %w", err)
	}
	dh2, err := engine.DH(ephemeralPriv, bundle.IdentityDHPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh DH2: %w", err)
	}
	dh3, err := engine.DH(ephemeralPriv, bundle.SignedPrekeyPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh DH3: %w", err)
	}

	ikm := append([]byte{}, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	if len(bundle.OneTimePrekeyPub) > 0 {
		dh4, err := engine.DH(ephemeralPriv, bundle.OneTimePrekeyPub)
		if err != nil {
			return nil, fmt.Errorf("ratchet: x3dh DH4: %w", err)
		}
		ikm = append(ikm, dh4...)
	}

	kemCiphertext, kemSecret, err := kem.Encapsulate(bundle.KEMPublicKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh kem encapsulate: %w", err)
	}
	ikm = append(ikm, kemSecret...)

	sk, err := aead.HKDF(ikm, nil, constants.InfoRatchetRoot, 32)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh derive root: %w", err)
	}

	return &HandshakeResult{
		RootKey:       RootKey(sk),
		EphemeralPub:  engine.Public(ephemeralPriv),
		KEMCiphertext: kemCiphertext,
	}, nil
}

// Respond runs the responder's half of the handshake: the bundle owner
// reconstructs the same root key from its private key material, the
// initiator's identity and ephemeral public keys, and the KEM ciphertext
// it received.
func Respond(
	engine Engine,
	identityDHPriv KeyPair,
	signedPrekeyPriv KeyPair,
	oneTimePrekeyPriv KeyPair, // nil if the bundle carried none
	kemPriv []byte,
	initiatorIdentityDHPub PublicKey,
	initiatorEphemeralPub PublicKey,
	kemCiphertext []byte,
) (RootKey, error) {
	dh1, err := engine.DH(signedPrekeyPriv, initiatorIdentityDHPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh respond DH1: %w", err)
	}
	dh2, err := engine.DH(identityDHPriv, initiatorEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh respond DH2: %w", err)
	}
	dh3, err := engine.DH(signedPrekeyPriv, initiatorEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh respond DH3: %w", err)
	}

	ikm := append([]byte{}, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)
	if len(oneTimePrekeyPriv) > 0 {
		dh4, err := engine.DH(oneTimePrekeyPriv, initiatorEphemeralPub)
		if err != nil {
			return nil, fmt.Errorf("ratchet: x3dh respond DH4: %w", err)
		}
		ikm = append(ikm, dh4...)
	}

	kemSecret, err := kem.Decapsulate(kemPriv, kemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh respond kem decapsulate: %w", err)
	}
	ikm = append(ikm, kemSecret...)

	sk, err := aead.HKDF(ikm, nil, constants.InfoRatchetRoot, 32)
	if err != nil {
		return nil, fmt.Errorf("ratchet: x3dh respond derive root: %w", err)
	}
	return RootKey(sk), nil
}
