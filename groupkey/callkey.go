package groupkey

import (
	"crypto/ed25519"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/wire"
)

// GroupCallKeyDist distributes a fresh per-call symmetric key, analogous
// to GroupSenderKeyDist but keyed by a per-call identifier rather than a
// chain iteration (spec.md §4.6, final paragraph).
type GroupCallKeyDist struct {
	GroupID   string
	CallID    [16]byte
	KeyID     uint32
	CallKey   [32]byte
	Signature []byte
}

// GroupCallKeyReq is sent by a participant joining a call without the
// current call key.
type GroupCallKeyReq struct {
	GroupID string
	CallID  [16]byte
}

func callKeySignedMessage(groupID string, callID [16]byte, keyID uint32, callKey [32]byte) []byte {
	buf := []byte(constants.GroupCallKeyDistCtx)
	buf = append(buf, []byte(groupID)...)
	buf = append(buf, callID[:]...)
	buf = wire.WriteUint32(keyID, buf)
	buf = append(buf, callKey[:]...)
	return buf
}

// SignCallKey signs a freshly generated call key under the caller's
// identity signing key.
func SignCallKey(groupID string, callID [16]byte, keyID uint32, callKey [32]byte, identitySigPriv ed25519.PrivateKey) GroupCallKeyDist {
	msg := callKeySignedMessage(groupID, callID, keyID, callKey)
	return GroupCallKeyDist{
		GroupID:   groupID,
		CallID:    callID,
		KeyID:     keyID,
		CallKey:   callKey,
		Signature: ed25519.Sign(identitySigPriv, msg),
	}
}

// Verify checks a GroupCallKeyDist's signature against the distributing
// member's identity signing public key.
func (d GroupCallKeyDist) Verify(senderSigPub ed25519.PublicKey) bool {
	msg := callKeySignedMessage(d.GroupID, d.CallID, d.KeyID, d.CallKey)
	return ed25519.Verify(senderSigPub, msg, d.Signature)
}
