package envelope

import "github.com/mi-e2ee/client/wire"

// ReadReceiptBody is envelope type 10: a lightweight read notification,
// distinct from AckBody in that it is fired for the whole conversation up
// to MsgID rather than one specific message.
type ReadReceiptBody struct {
	ConvID string
	MsgID  [16]byte
}

func (ReadReceiptBody) envelopeType() Type { return TypeReadReceipt }

func (b ReadReceiptBody) encode(out []byte) []byte {
	out = wire.WriteString(b.ConvID, out)
	out = append(out, b.MsgID[:]...)
	return out
}

func decodeReadReceipt(in []byte, off *int) (Body, error) {
	var b ReadReceiptBody
	var err error
	if b.ConvID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	idBytes, err := wire.ReadFixed(in, off, 16)
	if err != nil {
		return nil, err
	}
	copy(b.MsgID[:], idBytes)
	return b, nil
}

// TypingBody is envelope type 11: an ephemeral typing-indicator hint.
type TypingBody struct {
	ConvID  string
	IsGroup bool
	Active  bool
}

func (TypingBody) envelopeType() Type { return TypeTyping }

func (b TypingBody) encode(out []byte) []byte {
	out = wire.WriteString(b.ConvID, out)
	out = append(out, flagsByte(b.IsGroup, b.Active))
	return out
}

func decodeTyping(in []byte, off *int) (Body, error) {
	var b TypingBody
	var err error
	if b.ConvID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if *off >= len(in) {
		return nil, wire.ErrShortInput
	}
	flags := in[*off]
	*off++
	b.IsGroup = flags&0x01 != 0
	b.Active = flags&0x02 != 0
	return b, nil
}

// StickerBody is envelope type 12: a reference to a predefined sticker
// pack asset.
type StickerBody struct {
	PackID    string
	StickerID string
}

func (StickerBody) envelopeType() Type { return TypeSticker }

func (b StickerBody) encode(out []byte) []byte {
	out = wire.WriteString(b.PackID, out)
	out = wire.WriteString(b.StickerID, out)
	return out
}

func decodeSticker(in []byte, off *int) (Body, error) {
	var b StickerBody
	var err error
	if b.PackID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	if b.StickerID, err = wire.ReadString(in, off); err != nil {
		return nil, err
	}
	return b, nil
}

// PresenceBody is envelope type 13: an online/offline/last-seen hint.
type PresenceBody struct {
	Online       bool
	LastSeenUnix uint64
}

func (PresenceBody) envelopeType() Type { return TypePresence }

func (b PresenceBody) encode(out []byte) []byte {
	out = append(out, flagsByte1(b.Online))
	out = wire.WriteUint64(b.LastSeenUnix, out)
	return out
}

func decodePresence(in []byte, off *int) (Body, error) {
	var b PresenceBody
	if *off >= len(in) {
		return nil, wire.ErrShortInput
	}
	flags := in[*off]
	*off++
	b.Online = flags&0x01 != 0
	var err error
	if b.LastSeenUnix, err = wire.ReadUint64(in, off); err != nil {
		return nil, err
	}
	return b, nil
}
