package fileblob

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
	"github.com/mi-e2ee/client/platform"
)

// EncodeV4 is EncodeV3 with each chunk's plaintext padded, before
// sealing, to one of constants.FileBlobV4PadBuckets (or a random offset
// within the chosen bucket) — spec.md §4.8's "v3-shape with per-chunk
// padded plaintext". Because the padded length varies per chunk, each
// sealed chunk is prefixed on the wire with its own u32 length.
func EncodeV4(plaintext []byte, key [32]byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	if len(plaintext) > constants.MaxFilePlaintextBytes {
		return nil, ErrPlaintextTooLarge
	}

	baseNonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	chunkSize := uint32(constants.FileBlobV4PlainChunkBytes)
	header := writeChunkedHeader(constants.FileBlobVersionV4, chunkSize, uint64(len(plaintext)), baseNonce)

	out := make([]byte, 0, len(header)+len(plaintext)*2)
	out = append(out, header...)

	for idx, off := uint64(0), 0; off < len(plaintext); idx, off = idx+1, off+int(chunkSize) {
		end := off + int(chunkSize)
		if end > len(plaintext) {
			end = len(plaintext)
		}
		chunk := plaintext[off:end]

		padTarget, err := selectChunkPadTarget(len(chunk))
		if err != nil {
			return nil, err
		}
		padded := make([]byte, padTarget)
		copy(padded, chunk)
		if tail := padded[len(chunk):]; len(tail) > 0 {
			if err := platform.RandomBytes(tail); err != nil {
				return nil, err
			}
		}

		nonce := chunkNonce(baseNonce, idx)
		sealed, err := aead.Seal(nil, key[:], nonce, padded, header)
		if err != nil {
			return nil, err
		}
		if len(sealed) > constants.MaxFileChunkBytes {
			return nil, ErrChunkTooLarge
		}

		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
		out = append(out, lenPrefix[:]...)
		out = append(out, sealed...)
	}

	if len(out) > constants.MaxFileBlobBytes {
		return nil, ErrBlobTooLarge
	}
	return out, nil
}

// selectChunkPadTarget picks the smallest bucket in
// constants.FileBlobV4PadBuckets that can hold minLen, then a random
// length between minLen and that bucket (inclusive) so the on-wire chunk
// size doesn't always land exactly on a bucket boundary. Inputs larger
// than the biggest bucket round up to the next 4 KiB multiple instead.
func selectChunkPadTarget(minLen int) (int, error) {
	if minLen == 0 {
		return 0, nil
	}
	for _, bucket := range constants.FileBlobV4PadBuckets {
		if bucket >= minLen {
			return randomInRange(minLen, bucket)
		}
	}
	const kib4 = 4096
	rounded := ((minLen + kib4 - 1) / kib4) * kib4
	return randomInRange(minLen, rounded)
}

func randomInRange(lo, hi int) (int, error) {
	if hi <= lo {
		return lo, nil
	}
	span := hi - lo
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	r := int(binary.LittleEndian.Uint32(b[:]) % uint32(span+1))
	return lo + r, nil
}
