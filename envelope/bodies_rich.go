package envelope

import "github.com/mi-e2ee/client/wire"

// RichBody is envelope type 9: a family of richer message shapes
// distinguished by Subtype. A Rich message may optionally quote an
// earlier message (ReplyTo/ReplyPreview), gated by the reply flag bit.
type RichBody struct {
	Subtype RichSubtype

	HasReply     bool
	ReplyTo      [16]byte
	ReplyPreview string

	// RichTextWithReply
	Text string

	// RichLocation
	Latitude  float64
	Longitude float64
	Label     string

	// RichContactCard
	ContactName  string
	ContactPhone string
}

func (RichBody) envelopeType() Type { return TypeRich }

func (b RichBody) encode(out []byte) []byte {
	out = append(out, byte(b.Subtype))
	flags := byte(0)
	if b.HasReply {
		flags |= richReplyFlag
	}
	out = append(out, flags)
	if b.HasReply {
		out = append(out, b.ReplyTo[:]...)
		out = wire.WriteString(b.ReplyPreview, out)
	}
	switch b.Subtype {
	case RichTextWithReply:
		out = wire.WriteString(b.Text, out)
	case RichLocation:
		out = wire.WriteUint64(float64bits(b.Latitude), out)
		out = wire.WriteUint64(float64bits(b.Longitude), out)
		out = wire.WriteString(b.Label, out)
	case RichContactCard:
		out = wire.WriteString(b.ContactName, out)
		out = wire.WriteString(b.ContactPhone, out)
	}
	return out
}

func decodeRich(in []byte, off *int) (Body, error) {
	var b RichBody
	if *off+2 > len(in) {
		return nil, wire.ErrShortInput
	}
	b.Subtype = RichSubtype(in[*off])
	*off++
	flags := in[*off]
	*off++
	b.HasReply = flags&richReplyFlag != 0
	if b.HasReply {
		replyTo, err := wire.ReadFixed(in, off, 16)
		if err != nil {
			return nil, err
		}
		copy(b.ReplyTo[:], replyTo)
		var err2 error
		if b.ReplyPreview, err2 = wire.ReadString(in, off); err2 != nil {
			return nil, err2
		}
	}
	var err error
	switch b.Subtype {
	case RichTextWithReply:
		if b.Text, err = wire.ReadString(in, off); err != nil {
			return nil, err
		}
	case RichLocation:
		latBits, err := wire.ReadUint64(in, off)
		if err != nil {
			return nil, err
		}
		lonBits, err := wire.ReadUint64(in, off)
		if err != nil {
			return nil, err
		}
		b.Latitude = float64frombits(latBits)
		b.Longitude = float64frombits(lonBits)
		if b.Label, err = wire.ReadString(in, off); err != nil {
			return nil, err
		}
	case RichContactCard:
		if b.ContactName, err = wire.ReadString(in, off); err != nil {
			return nil, err
		}
		if b.ContactPhone, err = wire.ReadString(in, off); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnknownType
	}
	return b, nil
}
