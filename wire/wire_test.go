package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	var out []byte
	out = WriteUint16(0xABCD, out)
	out = WriteUint32(0xDEADBEEF, out)
	out = WriteUint64(0x0123456789ABCDEF, out)
	out = WriteString("hello world", out)
	out = WriteBytes([]byte{1, 2, 3, 4, 5}, out)

	off := 0
	u16, err := ReadUint16(out, &off)
	require.NoError(t, err)
	require.Equal(t, uint16(0xABCD), u16)

	u32, err := ReadUint32(out, &off)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), u32)

	u64, err := ReadUint64(out, &off)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0123456789ABCDEF), u64)

	s, err := ReadString(out, &off)
	require.NoError(t, err)
	require.Equal(t, "hello world", s)

	b, err := ReadBytes(out, &off)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, b)
	require.Equal(t, len(out), off)
}

func TestReadShortInputNeverAdvancesPastEnd(t *testing.T) {
	off := 0
	_, err := ReadUint32([]byte{1, 2}, &off)
	require.ErrorIs(t, err, ErrShortInput)
	require.Equal(t, 0, off)

	off = 0
	_, err = ReadString([]byte{10, 0, 'a'}, &off)
	require.ErrorIs(t, err, ErrShortInput)
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Type: FrameLogin, Payload: []byte("hello")}
	encoded := EncodeFrame(f, nil)

	decoded, err := DecodeFrame(encoded)
	require.NoError(t, err)
	require.Equal(t, f, decoded)
}

func TestDecodeFrameShortInput(t *testing.T) {
	_, err := DecodeFrame([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortInput)

	f := Frame{Type: FrameHeartbeat, Payload: []byte("0123456789")}
	encoded := EncodeFrame(f, nil)
	_, err = DecodeFrame(encoded[:len(encoded)-3])
	require.ErrorIs(t, err, ErrShortInput)
}
