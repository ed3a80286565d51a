package groupkey

import (
	"crypto/ed25519"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/wire"
)

// GroupSenderKeyDist is the envelope a chain owner sends to distribute
// (or re-distribute, after rotation) its current sender-key chain state.
type GroupSenderKeyDist struct {
	GroupID   string
	Sender    string
	Version   uint32
	Iteration uint32
	CK        [32]byte
	Signature []byte
}

// GroupSenderKeyReq is sent by a member lacking the current key for a
// group, asking the owner to (re-)send a GroupSenderKeyDist.
type GroupSenderKeyReq struct {
	GroupID     string
	WantVersion uint32
}

// distSignedMessage builds the exact byte string the distribution's
// signature covers: "MI_GSKD_V1" || group_id || u32(version) ||
// u32(iteration) || ck.
func distSignedMessage(groupID string, version, iteration uint32, ck [32]byte) []byte {
	buf := []byte(constants.GroupSenderKeyDistCtx)
	buf = append(buf, []byte(groupID)...)
	buf = wire.WriteUint32(version, buf)
	buf = wire.WriteUint32(iteration, buf)
	buf = append(buf, ck[:]...)
	return buf
}

// Sign produces the GroupSenderKeyDist for the owner's current chain
// state, signed under the owner's identity signing key.
func Sign(c *Chain, identitySigPriv ed25519.PrivateKey) GroupSenderKeyDist {
	msg := distSignedMessage(c.GroupID, c.Version, c.Iteration, c.CK)
	return GroupSenderKeyDist{
		GroupID:   c.GroupID,
		Sender:    c.Sender,
		Version:   c.Version,
		Iteration: c.Iteration,
		CK:        c.CK,
		Signature: ed25519.Sign(identitySigPriv, msg),
	}
}

// Verify checks a distribution's signature against the sender's identity
// signing public key.
func (d GroupSenderKeyDist) Verify(senderSigPub ed25519.PublicKey) bool {
	msg := distSignedMessage(d.GroupID, d.Version, d.Iteration, d.CK)
	return ed25519.Verify(senderSigPub, msg, d.Signature)
}
