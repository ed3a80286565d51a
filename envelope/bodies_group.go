package envelope

import "github.com/mi-e2ee/client/wire"

// GroupTextBody is envelope type 4: a group chat message, sealed under
// the sender's current sender-key before being wrapped in this envelope.
type GroupTextBody struct {
	GroupID string
	Text    string
}

func (GroupTextBody) envelopeType() Type { return TypeGroupText }

func (b GroupTextBody) encode(out []byte) []byte {
	out = wire.WriteString(b.GroupID, out)
	out = wire.WriteString(b.Text, out)
	return out
}

func decodeGroupText(in []byte, off *int) (Body, error) {
	var b GroupTextBody
	var err error
	if b.GroupID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if b.Text, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	return b, nil
}

// GroupInviteBody is envelope type 5: an invitation to join a group,
// carrying the inviter's view of current membership and group metadata.
type GroupInviteBody struct {
	GroupID   string
	GroupName string
	Members   []string
}

func (GroupInviteBody) envelopeType() Type { return TypeGroupInvite }

func (b GroupInviteBody) encode(out []byte) []byte {
	out = wire.WriteString(b.GroupID, out)
	out = wire.WriteString(b.GroupName, out)
	out = wire.WriteUint32(uint32(len(b.Members)), out)
	for _, m := range b.Members {
		out = wire.WriteString(m, out)
	}
	return out
}

func decodeGroupInvite(in []byte, off *int) (Body, error) {
	var b GroupInviteBody
	var err error
	if b.GroupID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if b.GroupName, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	count, err := wire.ReadUint32(in, off)
	if err != nil {
		return nil, err
	}
	b.Members = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		m, err := wire.ReadString(in, off)
		if err != nil {
			return nil, err
		}
		b.Members = append(b.Members, m)
	}
	return b, nil
}

// GroupFileBody is envelope type 6: a file transfer reference scoped to a
// group conversation.
type GroupFileBody struct {
	GroupID  string
	Filename string
	MimeType string
	Blob     []byte
}

func (GroupFileBody) envelopeType() Type { return TypeGroupFile }

func (b GroupFileBody) encode(out []byte) []byte {
	out = wire.WriteString(b.GroupID, out)
	out = wire.WriteString(b.Filename, out)
	out = wire.WriteString(b.MimeType, out)
	out = wire.WriteBytes(b.Blob, out)
	return out
}

func decodeGroupFile(in []byte, off *int) (Body, error) {
	var b GroupFileBody
	var err error
	if b.GroupID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if b.Filename, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if b.MimeType, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if b.Blob, err = wire.ReadBytes(in, off); err != nil {
		return nil, err
	}
	return b, nil
}

// GroupSenderKeyDistBody is envelope type 7: the sender's current
// sender-key chain state distributed to one recipient's device, sealed
// under that device's peer ratchet rather than the group chain itself.
type GroupSenderKeyDistBody struct {
	GroupID      string
	ChainID      [16]byte
	ChainKey     [32]byte
	ChainCounter uint32
}

func (GroupSenderKeyDistBody) envelopeType() Type { return TypeGroupSenderKeyDist }

func (b GroupSenderKeyDistBody) encode(out []byte) []byte {
	out = wire.WriteString(b.GroupID, out)
	out = append(out, b.ChainID[:]...)
	out = append(out, b.ChainKey[:]...)
	out = wire.WriteUint32(b.ChainCounter, out)
	return out
}

func decodeGroupSenderKeyDist(in []byte, off *int) (Body, error) {
	var b GroupSenderKeyDistBody
	var err error
	if b.GroupID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	chainID, err := wire.ReadFixed(in, off, 16)
	if err != nil {
		return nil, err
	}
	copy(b.ChainID[:], chainID)
	chainKey, err := wire.ReadFixed(in, off, 32)
	if err != nil {
		return nil, err
	}
	copy(b.ChainKey[:], chainKey)
	if b.ChainCounter, err = wire.ReadUint32(in, off); err != nil {
		return nil, err
	}
	return b, nil
}

// GroupSenderKeyReqBody is envelope type 8: a request for a fresh
// sender-key distribution, sent when a recipient cannot derive a
// message key for a received group message (e.g. after a missed
// rotation).
type GroupSenderKeyReqBody struct {
	GroupID        string
	RequestingUser string
}

func (GroupSenderKeyReqBody) envelopeType() Type { return TypeGroupSenderKeyReq }

func (b GroupSenderKeyReqBody) encode(out []byte) []byte {
	out = wire.WriteString(b.GroupID, out)
	out = wire.WriteString(b.RequestingUser, out)
	return out
}

func decodeGroupSenderKeyReq(in []byte, off *int) (Body, error) {
	var b GroupSenderKeyReqBody
	var err error
	if b.GroupID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if b.RequestingUser, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	return b, nil
}

// GroupCallKeyDistBody is envelope type 14: distribution of a group
// call's media key to one member's device.
type GroupCallKeyDistBody struct {
	GroupID string
	CallID  [16]byte
	CallKey [32]byte
}

func (GroupCallKeyDistBody) envelopeType() Type { return TypeGroupCallKeyDist }

func (b GroupCallKeyDistBody) encode(out []byte) []byte {
	out = wire.WriteString(b.GroupID, out)
	out = append(out, b.CallID[:]...)
	out = append(out, b.CallKey[:]...)
	return out
}

func decodeGroupCallKeyDist(in []byte, off *int) (Body, error) {
	var b GroupCallKeyDistBody
	var err error
	if b.GroupID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	callID, err := wire.ReadFixed(in, off, 16)
	if err != nil {
		return nil, err
	}
	copy(b.CallID[:], callID)
	callKey, err := wire.ReadFixed(in, off, 32)
	if err != nil {
		return nil, err
	}
	copy(b.CallKey[:], callKey)
	return b, nil
}

// GroupCallKeyReqBody is envelope type 15: a request for the current
// group call key, sent by a device joining an in-progress call.
type GroupCallKeyReqBody struct {
	GroupID        string
	CallID         [16]byte
	RequestingUser string
}

func (GroupCallKeyReqBody) envelopeType() Type { return TypeGroupCallKeyReq }

func (b GroupCallKeyReqBody) encode(out []byte) []byte {
	out = wire.WriteString(b.GroupID, out)
	out = append(out, b.CallID[:]...)
	out = wire.WriteString(b.RequestingUser, out)
	return out
}

func decodeGroupCallKeyReq(in []byte, off *int) (Body, error) {
	var b GroupCallKeyReqBody
	var err error
	if b.GroupID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	callID, err := wire.ReadFixed(in, off, 16)
	if err != nil {
		return nil, err
	}
	copy(b.CallID[:], callID)
	if b.RequestingUser, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	return b, nil
}
