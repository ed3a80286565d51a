package envelope

import "github.com/mi-e2ee/client/wire"

// TextBody is envelope type 1: a plain one-to-one chat message.
type TextBody struct {
	Text string
}

func (TextBody) envelopeType() Type { return TypeText }

func (b TextBody) encode(out []byte) []byte {
	return wire.WriteString(b.Text, out)
}

func decodeText(in []byte, off *int) (Body, error) {
	text, err := wire.ReadString(in, off)
	if err != nil {
		return nil, err
	}
	return TextBody{Text: text}, nil
}

// AckBody is envelope type 2: a delivery/read acknowledgement for a
// previously sent msg_id.
type AckBody struct {
	AckedMsgID [16]byte
	Read       bool
}

func (AckBody) envelopeType() Type { return TypeAck }

func (b AckBody) encode(out []byte) []byte {
	out = append(out, b.AckedMsgID[:]...)
	out = append(out, flagsByte1(b.Read))
	return out
}

func decodeAck(in []byte, off *int) (Body, error) {
	idBytes, err := wire.ReadFixed(in, off, 16)
	if err != nil {
		return nil, err
	}
	if *off >= len(in) {
		return nil, wire.ErrShortInput
	}
	flags := in[*off]
	*off++
	var b AckBody
	copy(b.AckedMsgID[:], idBytes)
	b.Read = flags&0x01 != 0
	return b, nil
}

// FileBody is envelope type 3: a one-to-one file transfer reference. Blob
// is the encoded file-blob (see package fileblob); the envelope itself
// never re-encrypts it.
type FileBody struct {
	Filename string
	MimeType string
	Blob     []byte
}

func (FileBody) envelopeType() Type { return TypeFile }

func (b FileBody) encode(out []byte) []byte {
	out = wire.WriteString(b.Filename, out)
	out = wire.WriteString(b.MimeType, out)
	out = wire.WriteBytes(b.Blob, out)
	return out
}

func decodeFile(in []byte, off *int) (Body, error) {
	var b FileBody
	var err error
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

func flagsByte1(a bool) byte {
	if a {
		return 0x01
	}
	return 0
}

func flagsByte(a, b bool) byte {
	var f byte
	if a {
		f |= 0x01
	}
	if b {
		f |= 0x02
	}
	return f
}
