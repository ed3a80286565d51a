package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mi-e2ee/client/crypto/kem"
)

func mustGenDH(t *testing.T, engine Engine) KeyPair {
	t.Helper()
	priv, err := engine.Generate()
	require.NoError(t, err)
	return priv
}

func buildBundle(
	t *testing.T,
	engine Engine,
	sigPub ed25519.PublicKey,
	sigPriv ed25519.PrivateKey,
	identityPriv, signedPrekeyPriv, oneTimePrekeyPriv KeyPair,
	kemPub []byte,
) PrekeyBundle {
	t.Helper()
	signedPrekeyPub := engine.Public(signedPrekeyPriv)
	return PrekeyBundle{
		IdentitySigPub:   sigPub,
		IdentityDHPub:    engine.Public(identityPriv),
		SignedPrekeyPub:  signedPrekeyPub,
		SignedPrekeySig:  SignPrekey(sigPriv, signedPrekeyPub),
		OneTimePrekeyPub: engine.Public(oneTimePrekeyPriv),
		KEMPublicKey:     kemPub,
	}
}

func TestX3DHHandshakeAgreesOnRootKey(t *testing.T) {
	engine := NewEngine("test")

	bobIdentityPriv := mustGenDH(t, engine)
	bobSignedPrekeyPriv := mustGenDH(t, engine)
	bobOneTimePrekeyPriv := mustGenDH(t, engine)
	bobKEMPub, bobKEMPriv, err := kem.GenerateKeyPair()
	require.NoError(t, err)

	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	aliceIdentityPriv := mustGenDH(t, engine)

	realBundle := buildBundle(t, engine, sigPub, sigPriv, bobIdentityPriv, bobSignedPrekeyPriv, bobOneTimePrekeyPriv, bobKEMPub)

	result, err := Initiate(engine, aliceIdentityPriv, realBundle)
	require.NoError(t, err)
	require.Len(t, result.RootKey, 32)

	aliceIdentityPub := engine.Public(aliceIdentityPriv)

	bobRoot, err := Respond(
		engine,
		bobIdentityPriv,
		bobSignedPrekeyPriv,
		bobOneTimePrekeyPriv,
		bobKEMPriv,
		aliceIdentityPub,
		result.EphemeralPub,
		result.KEMCiphertext,
	)
	require.NoError(t, err)
	require.Equal(t, []byte(result.RootKey), []byte(bobRoot))
}

func TestSessionSealOpenRoundTrip(t *testing.T) {
	engine := NewEngine("test")
	bobPriv := mustGenDH(t, engine)
	bobPub := engine.Public(bobPriv)

	sk := RootKey(make([]byte, 32))
	for i := range sk {
		sk[i] = byte(i)
	}

	alice, err := NewInitiator(engine, append(RootKey{}, sk...), bobPub, nil)
	require.NoError(t, err)
	bob, err := NewResponder(engine, append(RootKey{}, sk...), bobPriv, nil)
	require.NoError(t, err)

	msg, err := alice.Seal([]byte("hello bob"), []byte("ad"))
	require.NoError(t, err)

	plaintext, err := bob.Open(msg, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))

	reply, err := bob.Seal([]byte("hi alice"), []byte("ad"))
	require.NoError(t, err)
	plaintext, err = alice.Open(reply, []byte("ad"))
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(plaintext))
}

func TestSessionHandlesOutOfOrderDelivery(t *testing.T) {
	engine := NewEngine("test")
	bobPriv := mustGenDH(t, engine)
	bobPub := engine.Public(bobPriv)
	sk := make(RootKey, 32)

	alice, err := NewInitiator(engine, append(RootKey{}, sk...), bobPub, nil)
	require.NoError(t, err)
	bob, err := NewResponder(engine, append(RootKey{}, sk...), bobPriv, nil)
	require.NoError(t, err)

	var msgs []Message
	for i := 0; i < 3; i++ {
		m, err := alice.Seal([]byte{byte(i)}, nil)
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	// Deliver out of order: 2, 0, 1.
	p2, err := bob.Open(msgs[2], nil)
	require.NoError(t, err)
	require.Equal(t, []byte{2}, p2)

	p0, err := bob.Open(msgs[0], nil)
	require.NoError(t, err)
	require.Equal(t, []byte{0}, p0)

	p1, err := bob.Open(msgs[1], nil)
	require.NoError(t, err)
	require.Equal(t, []byte{1}, p1)
}

func TestSessionRejectsTamperedCiphertext(t *testing.T) {
	engine := NewEngine("test")
	bobPriv := mustGenDH(t, engine)
	bobPub := engine.Public(bobPriv)
	sk := make(RootKey, 32)

	alice, err := NewInitiator(engine, append(RootKey{}, sk...), bobPub, nil)
	require.NoError(t, err)
	bob, err := NewResponder(engine, append(RootKey{}, sk...), bobPriv, nil)
	require.NoError(t, err)

	msg, err := alice.Seal([]byte("hello"), nil)
	require.NoError(t, err)
	msg.Ciphertext[0] ^= 0xFF

	_, err = bob.Open(msg, nil)
	require.Error(t, err)
}

func TestSkipBeyondMaxSkipPerChainFails(t *testing.T) {
	engine := NewEngine("test")
	bobPriv := mustGenDH(t, engine)
	bobPub := engine.Public(bobPriv)
	sk := make(RootKey, 32)

	alice, err := NewInitiator(engine, append(RootKey{}, sk...), bobPub, nil)
	require.NoError(t, err)
	bob, err := NewResponder(engine, append(RootKey{}, sk...), bobPriv, nil)
	require.NoError(t, err)

	var last Message
	for i := 0; i < 2100; i++ {
		m, err := alice.Seal([]byte("x"), nil)
		require.NoError(t, err)
		last = m
	}
	_, err = bob.Open(last, nil)
	require.ErrorIs(t, err, ErrTooManySkipped)
}
