package fileblob

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedKey(b byte) [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = b
	}
	return k
}

func TestEncodeV1RoundTrip(t *testing.T) {
	key := fixedKey(1)
	plain := []byte("legacy single-aead file contents")
	blob, err := EncodeV1(plain, key)
	require.NoError(t, err)

	got, err := Decode(blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncodeAdaptiveAlreadyCompressedSkipsDeflate(t *testing.T) {
	key := fixedKey(2)
	plain := bytes.Repeat([]byte{0xAB}, 4096)
	blob, err := EncodeAdaptive(plain, key, "photo.png")
	require.NoError(t, err)
	require.Equal(t, byte(2), blob[4]) // version
	require.Equal(t, byte(0), blob[6]) // algo = raw

	got, err := Decode(blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncodeAdaptiveCompressesHighlyRedundantData(t *testing.T) {
	key := fixedKey(3)
	plain := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 2000)
	blob, err := EncodeAdaptive(plain, key, "notes.txt")
	require.NoError(t, err)
	require.Less(t, len(blob), len(plain))

	got, err := Decode(blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncodeAdaptiveFallsBackToRawWhenDeflateDoesNotShrink(t *testing.T) {
	key := fixedKey(4)
	// Small random-looking input that deflate cannot shrink.
	plain := []byte{0x01, 0x9f, 0x3c, 0x77, 0x22, 0x88, 0x00, 0x5e, 0xaa, 0x11}
	blob, err := EncodeAdaptive(plain, key, "data.bin")
	require.NoError(t, err)
	require.Equal(t, byte(0), blob[6]) // algo = raw

	got, err := Decode(blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncodeV3RoundTripMultiChunk(t *testing.T) {
	key := fixedKey(5)
	// Several chunks' worth so the loop runs more than once.
	plain := bytes.Repeat([]byte("chunked-file-content-"), 20000)
	blob, err := EncodeV3(plain, key)
	require.NoError(t, err)

	got, err := Decode(blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncodeV3RoundTripSingleShortChunk(t *testing.T) {
	key := fixedKey(6)
	plain := []byte("short")
	blob, err := EncodeV3(plain, key)
	require.NoError(t, err)

	got, err := Decode(blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncodeV4RoundTripMultiChunk(t *testing.T) {
	key := fixedKey(7)
	plain := bytes.Repeat([]byte("padded-chunk-content-"), 20000)
	blob, err := EncodeV4(plain, key)
	require.NoError(t, err)

	got, err := Decode(blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestEncodeV4ProducesPerChunkPaddingLargerThanV3(t *testing.T) {
	key := fixedKey(8)
	plain := bytes.Repeat([]byte{0x42}, 200*1024) // spans two 128KiB chunks
	v3Blob, err := EncodeV3(plain, key)
	require.NoError(t, err)
	v4Blob, err := EncodeV4(plain, key)
	require.NoError(t, err)
	require.Greater(t, len(v4Blob), len(v3Blob))

	got, err := Decode(v4Blob, key)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	key := fixedKey(9)
	blob, err := EncodeV1([]byte("x"), key)
	require.NoError(t, err)
	blob[0] ^= 0xFF
	_, err = Decode(blob, key)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	key := fixedKey(10)
	blob, err := EncodeV1([]byte("x"), key)
	require.NoError(t, err)
	blob[4] = 9
	_, err = Decode(blob, key)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	key := fixedKey(11)
	blob, err := EncodeAdaptive([]byte("some file bytes to protect"), key, "notes.txt")
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF
	_, err = Decode(blob, key)
	require.Error(t, err)
}

func TestDecodeRejectsWrongKey(t *testing.T) {
	key := fixedKey(12)
	wrongKey := fixedKey(13)
	blob, err := EncodeV3(bytes.Repeat([]byte("x"), 1000), key)
	require.NoError(t, err)
	_, err = Decode(blob, wrongKey)
	require.Error(t, err)
}

func TestEncodeRejectsEmptyPlaintext(t *testing.T) {
	key := fixedKey(14)
	_, err := EncodeV1(nil, key)
	require.ErrorIs(t, err, ErrEmptyPlaintext)
	_, err = EncodeAdaptive(nil, key, "a.txt")
	require.ErrorIs(t, err, ErrEmptyPlaintext)
	_, err = EncodeV3(nil, key)
	require.ErrorIs(t, err, ErrEmptyPlaintext)
	_, err = EncodeV4(nil, key)
	require.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestLooksAlreadyCompressed(t *testing.T) {
	require.True(t, LooksAlreadyCompressed("photo.PNG"))
	require.True(t, LooksAlreadyCompressed("archive.tar.gz"))
	require.False(t, LooksAlreadyCompressed("notes.txt"))
	require.False(t, LooksAlreadyCompressed("noextension"))
	require.False(t, LooksAlreadyCompressed(""))
}

func TestSelectChunkPadTargetStaysWithinBucketBounds(t *testing.T) {
	target, err := selectChunkPadTarget(100 * 1024)
	require.NoError(t, err)
	require.GreaterOrEqual(t, target, 100*1024)
	require.LessOrEqual(t, target, 128*1024)
}

func TestSelectChunkPadTargetZeroLengthIsZero(t *testing.T) {
	target, err := selectChunkPadTarget(0)
	require.NoError(t, err)
	require.Equal(t, 0, target)
}

func TestDecodeV3RejectsTruncatedBlob(t *testing.T) {
	key := fixedKey(15)
	blob, err := EncodeV3(bytes.Repeat([]byte("y"), 5000), key)
	require.NoError(t, err)
	_, err = Decode(blob[:len(blob)-10], key)
	require.Error(t, err)
}

func TestExtensionOfHandlesPathsAndDots(t *testing.T) {
	require.Equal(t, "gz", extensionOf(strings.Join([]string{"dir", "a.b.gz"}, "/")))
	require.Equal(t, "", extensionOf("no_dot_name"))
}
