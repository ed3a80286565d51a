package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustMsgID(t *testing.T) [16]byte {
	id, err := NewMsgID()
	require.NoError(t, err)
	return id
}

func TestEncodeDecodeRoundTripsAllTypes(t *testing.T) {
	id := mustMsgID(t)

	cases := []Body{
		TextBody{Text: "hello there"},
		AckBody{AckedMsgID: id, Read: true},
		FileBody{Filename: "a.bin", MimeType: "application/octet-stream", Blob: []byte{1, 2, 3}},
		GroupTextBody{GroupID: "g1", Text: "hi group"},
		GroupInviteBody{GroupID: "g1", GroupName: "Friends", Members: []string{"alice", "bob"}},
		GroupFileBody{GroupID: "g1", Filename: "b.bin", MimeType: "text/plain", Blob: []byte("data")},
		GroupSenderKeyDistBody{GroupID: "g1", ChainID: [16]byte{1}, ChainKey: [32]byte{2}, ChainCounter: 7},
		GroupSenderKeyReqBody{GroupID: "g1", RequestingUser: "carol"},
		ReadReceiptBody{ConvID: "c1", MsgID: id},
		TypingBody{ConvID: "c1", IsGroup: false, Active: true},
		StickerBody{PackID: "pack1", StickerID: "sticker42"},
		PresenceBody{Online: true, LastSeenUnix: 123456},
		GroupCallKeyDistBody{GroupID: "g1", CallID: [16]byte{3}, CallKey: [32]byte{4}},
		GroupCallKeyReqBody{GroupID: "g1", CallID: [16]byte{3}, RequestingUser: "dave"},
	}

	for _, body := range cases {
		e := Envelope{Header: Header{Type: body.envelopeType(), MsgID: id}, Body: body}
		wireBytes := Encode(e)
		got, err := Decode(wireBytes)
		require.NoError(t, err)
		require.Equal(t, body.envelopeType(), got.Header.Type)
		require.Equal(t, id, got.Header.MsgID)
		require.Equal(t, body, got.Body)
	}
}

func TestRichBodyWithReplyRoundTrips(t *testing.T) {
	id := mustMsgID(t)
	replyTo := mustMsgID(t)
	body := RichBody{
		Subtype:      RichTextWithReply,
		HasReply:     true,
		ReplyTo:      replyTo,
		ReplyPreview: "earlier message",
		Text:         "replying to that",
	}
	e := Envelope{Header: Header{Type: TypeRich, MsgID: id}, Body: body}
	got, err := Decode(Encode(e))
	require.NoError(t, err)
	require.Equal(t, body, got.Body)
}

func TestRichBodyWithoutReplyRoundTrips(t *testing.T) {
	id := mustMsgID(t)
	body := RichBody{
		Subtype:   RichLocation,
		Latitude:  37.7749,
		Longitude: -122.4194,
		Label:     "San Francisco",
	}
	e := Envelope{Header: Header{Type: TypeRich, MsgID: id}, Body: body}
	got, err := Decode(Encode(e))
	require.NoError(t, err)
	require.Equal(t, body, got.Body)
}

func TestRichContactCardRoundTrips(t *testing.T) {
	id := mustMsgID(t)
	body := RichBody{
		Subtype:      RichContactCard,
		ContactName:  "Eve",
		ContactPhone: "+15551234567",
	}
	e := Envelope{Header: Header{Type: TypeRich, MsgID: id}, Body: body}
	got, err := Decode(Encode(e))
	require.NoError(t, err)
	require.Equal(t, body, got.Body)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	id := mustMsgID(t)
	e := Envelope{Header: Header{Type: TypeText, MsgID: id}, Body: TextBody{Text: "x"}}
	buf := Encode(e)
	buf[0] ^= 0xFF
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	id := mustMsgID(t)
	e := Envelope{Header: Header{Type: TypeText, MsgID: id}, Body: TextBody{Text: "x"}}
	buf := Encode(e)
	buf[4] = 99
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, err := Decode([]byte("MICH"))
	require.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	id := mustMsgID(t)
	e := Envelope{Header: Header{Type: TypeText, MsgID: id}, Body: TextBody{Text: "x"}}
	buf := Encode(e)
	buf[5] = 200
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestEncodePaddedDecodePaddedRoundTrip(t *testing.T) {
	id := mustMsgID(t)
	e := Envelope{Header: Header{Type: TypeText, MsgID: id}, Body: TextBody{Text: "padded round trip"}}
	padded, err := EncodePadded(e)
	require.NoError(t, err)
	// The padded payload should be one of the standard buckets, not the
	// raw envelope length.
	require.Greater(t, len(padded), len(Encode(e)))

	got, err := DecodePadded(padded)
	require.NoError(t, err)
	require.Equal(t, e.Body, got.Body)
}
