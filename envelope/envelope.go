// Package envelope implements the chat envelope family spec.md §3/§4.8
// describes: a fixed header (magic, version, type, msg_id) followed by a
// type-specific body. Envelopes are the payload the ratchet and group
// engines encrypt and the padding package wraps before the authenticated
// channel ships them.
package envelope

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/wire"
)

// Type is the envelope's wire type code.
type Type uint8

const (
	TypeText                Type = 1
	TypeAck                 Type = 2
	TypeFile                Type = 3
	TypeGroupText           Type = 4
	TypeGroupInvite         Type = 5
	TypeGroupFile           Type = 6
	TypeGroupSenderKeyDist  Type = 7
	TypeGroupSenderKeyReq   Type = 8
	TypeRich                Type = 9
	TypeReadReceipt         Type = 10
	TypeTyping              Type = 11
	TypeSticker             Type = 12
	TypePresence            Type = 13
	TypeGroupCallKeyDist    Type = 14
	TypeGroupCallKeyReq     Type = 15
)

// RichSubtype distinguishes the Rich envelope's body shapes.
type RichSubtype uint8

const (
	RichTextWithReply RichSubtype = 1
	RichLocation      RichSubtype = 2
	RichContactCard   RichSubtype = 3
)

const richReplyFlag = 0x01

// ErrBadMagic is returned when decoding a buffer that does not begin
// with constants.EnvelopeMagic.
var ErrBadMagic = errors.New("envelope: bad magic")

// ErrUnsupportedVersion is returned for an envelope whose version byte
// this core does not understand.
var ErrUnsupportedVersion = errors.New("envelope: unsupported version")

// ErrUnknownType is returned when decoding an envelope whose type byte
// has no known body layout.
var ErrUnknownType = errors.New("envelope: unknown type")

// NewMsgID generates a fresh message identifier, a v4 UUID's 16 bytes
// taken as-is (msg_id has no need for the UUID's textual form, only its
// uniqueness guarantee).
func NewMsgID() ([constants.MessageIDLength]byte, error) {
	var id [constants.MessageIDLength]byte
	u, err := uuid.NewRandom()
	if err != nil {
		return id, err
	}
	copy(id[:], u[:])
	return id, nil
}

// Header is the fixed 22-byte prefix every envelope begins with.
type Header struct {
	Type  Type
	MsgID [constants.MessageIDLength]byte
}

// Envelope pairs a Header with its decoded, type-specific Body.
type Envelope struct {
	Header Header
	Body   Body
}

// Body is implemented by every type-specific payload; it knows how to
// append its own wire encoding (the header is written separately by
// Encode).
type Body interface {
	envelopeType() Type
	encode(out []byte) []byte
}

// Encode writes the full wire form: header || body.
func Encode(e Envelope) []byte {
	out := make([]byte, 0, constants.EnvelopeHeaderSize+64)
	out = append(out, []byte(constants.EnvelopeMagic)...)
	out = append(out, byte(constants.EnvelopeVersion))
	out = append(out, byte(e.Header.Type))
	out = append(out, e.Header.MsgID[:]...)
	out = e.Body.encode(out)
	return out
}

// Decode reverses Encode, dispatching on the header's type byte to the
// matching body decoder.
func Decode(in []byte) (Envelope, error) {
	var e Envelope
	if len(in) < constants.EnvelopeHeaderSize {
		return e, wire.ErrShortInput
	}
	if string(in[:4]) != constants.EnvelopeMagic {
		return e, ErrBadMagic
	}
	if in[4] != constants.EnvelopeVersion {
		return e, ErrUnsupportedVersion
	}
	e.Header.Type = Type(in[5])
	copy(e.Header.MsgID[:], in[6:6+constants.MessageIDLength])
	off := 6 + constants.MessageIDLength

	var err error
	e.Body, err = decodeBody(e.Header.Type, in, &off)
	if err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func decodeBody(t Type, in []byte, off *int) (Body, error) {
	switch t {
	case TypeText:
		return decodeText(in, off)
	case TypeAck:
		return decodeAck(in, off)
	case TypeFile:
		return decodeFile(in, off)
	case TypeGroupText:
		return decodeGroupText(in, off)
	case TypeGroupInvite:
		return decodeGroupInvite(in, off)
	case TypeGroupFile:
		return decodeGroupFile(in, off)
	case TypeGroupSenderKeyDist:
		return decodeGroupSenderKeyDist(in, off)
	case TypeGroupSenderKeyReq:
		return decodeGroupSenderKeyReq(in, off)
	case TypeRich:
		return decodeRich(in, off)
	case TypeReadReceipt:
		return decodeReadReceipt(in, off)
	case TypeTyping:
		return decodeTyping(in, off)
	case TypeSticker:
		return decodeSticker(in, off)
	case TypePresence:
		return decodePresence(in, off)
	case TypeGroupCallKeyDist:
		return decodeGroupCallKeyDist(in, off)
	case TypeGroupCallKeyReq:
		return decodeGroupCallKeyReq(in, off)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}
