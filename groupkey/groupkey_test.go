package groupkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDistSignAndVerify(t *testing.T) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	chain, err := NewChain("group-1", "alice", time.Now())
	require.NoError(t, err)

	dist := Sign(chain, sigPriv)
	require.True(t, dist.Verify(sigPub))

	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.False(t, dist.Verify(otherPub))
}

func TestAdoptDistributionRejectsRegression(t *testing.T) {
	chain, err := NewChain("group-1", "alice", time.Now())
	require.NoError(t, err)
	chain.Version = 3
	chain.Iteration = 5

	regressed := GroupSenderKeyDist{GroupID: "group-1", Sender: "alice", Version: 2, Iteration: 0}
	require.ErrorIs(t, chain.AdoptDistribution(regressed), ErrVersionRegression)
}

func TestGroupCipherSealOpenRoundTrip(t *testing.T) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ownerChain, err := NewChain("group-1", "alice", time.Now())
	require.NoError(t, err)

	dist := Sign(ownerChain, sigPriv)
	require.True(t, dist.Verify(sigPub))
	receiverChain := FromDistribution(dist)

	wireMsg, err := Seal(ownerChain, sigPriv, []byte("hello group"))
	require.NoError(t, err)

	plaintext, err := Open(receiverChain, sigPub, wireMsg)
	require.NoError(t, err)
	require.Equal(t, "hello group", string(plaintext))
}

func TestGroupCipherHandlesOutOfOrderDelivery(t *testing.T) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ownerChain, err := NewChain("group-1", "alice", time.Now())
	require.NoError(t, err)
	dist := Sign(ownerChain, sigPriv)
	receiverChain := FromDistribution(dist)

	var msgs [][]byte
	for i := 0; i < 3; i++ {
		m, err := Seal(ownerChain, sigPriv, []byte{byte(i)})
		require.NoError(t, err)
		msgs = append(msgs, m)
	}

	p2, err := Open(receiverChain, sigPub, msgs[2])
	require.NoError(t, err)
	require.Equal(t, []byte{2}, p2)

	p0, err := Open(receiverChain, sigPub, msgs[0])
	require.NoError(t, err)
	require.Equal(t, []byte{0}, p0)

	p1, err := Open(receiverChain, sigPub, msgs[1])
	require.NoError(t, err)
	require.Equal(t, []byte{1}, p1)
}

func TestGroupCipherRejectsTamperedSignature(t *testing.T) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	ownerChain, err := NewChain("group-1", "alice", time.Now())
	require.NoError(t, err)
	dist := Sign(ownerChain, sigPriv)
	receiverChain := FromDistribution(dist)

	wireMsg, err := Seal(ownerChain, sigPriv, []byte("hi"))
	require.NoError(t, err)
	wireMsg[len(wireMsg)-1] ^= 0xFF

	_, err = Open(receiverChain, sigPub, wireMsg)
	require.Error(t, err)
}

func TestChainNeedsRotation(t *testing.T) {
	now := time.Now()
	chain, err := NewChain("group-1", "alice", now)
	require.NoError(t, err)
	require.False(t, chain.NeedsRotation(now))

	require.True(t, chain.NeedsRotation(now.Add(8*24*time.Hour)))

	chain2, err := NewChain("group-1", "alice", now)
	require.NoError(t, err)
	chain2.MessageCount = 10000
	require.True(t, chain2.NeedsRotation(now))
}

func TestCallKeySignAndVerify(t *testing.T) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var callID [16]byte
	_, err = rand.Read(callID[:])
	require.NoError(t, err)
	var callKey [32]byte
	_, err = rand.Read(callKey[:])
	require.NoError(t, err)

	dist := SignCallKey("group-1", callID, 1, callKey, sigPriv)
	require.True(t, dist.Verify(sigPub))
}
