// Package padding implements spec.md §4.8's size-bucket padding: every
// plaintext chat envelope is wrapped to the nearest of a small set of
// buckets before it reaches the authenticated channel, so ciphertext
// length does not leak the exact message length.
package padding

import (
	"encoding/binary"
	"errors"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/platform"
)

// ErrPlaintextTooLarge is returned when plain exceeds the largest bucket
// and does not fit even a rounded-up 4 KiB multiple within the envelope
// size bound.
var ErrPlaintextTooLarge = errors.New("padding: plaintext too large to pad")

const headerSize = 4 + 4 // magic(4) || len_u32(4)

// PadPayload wraps plain as MIPD || len_u32(LE) || plain || random_tail,
// sized up to the smallest bucket in constants.PaddingBuckets that can
// hold the header and plaintext; larger inputs round up to the next 4 KiB
// multiple.
func PadPayload(plain []byte) ([]byte, error) {
	need := headerSize + len(plain)

	target := -1
	for _, bucket := range constants.PaddingBuckets {
		if need <= bucket {
			target = bucket
			break
		}
	}
	if target < 0 {
		const kib4 = 4096
		target = ((need + kib4 - 1) / kib4) * kib4
	}
	if target > constants.MaxPaddedEnvelopeBytes*64 {
		// Defends against pathological callers; chat envelopes are
		// bounded well below this by constants.MaxPaddedEnvelopeBytes
		// at a higher layer.
		return nil, ErrPlaintextTooLarge
	}

	out := make([]byte, target)
	copy(out[0:4], constants.PaddingMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(plain)))
	copy(out[headerSize:], plain)
	tail := out[headerSize+len(plain):]
	if len(tail) > 0 {
		if err := platform.RandomBytes(tail); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UnpadPayload reverses PadPayload. It is tolerant: if the MIPD magic is
// absent, buf is returned verbatim (it is assumed to already be an
// unpadded plaintext, e.g. from an older wire version or a non-padded
// caller). Otherwise it extracts exactly the len_u32 bytes that follow the
// 8-byte header.
func UnpadPayload(buf []byte) ([]byte, error) {
	if len(buf) < headerSize || string(buf[0:4]) != constants.PaddingMagic {
		return buf, nil
	}
	n := binary.LittleEndian.Uint32(buf[4:8])
	if headerSize+int(n) > len(buf) {
		return nil, errors.New("padding: length prefix exceeds buffer")
	}
	out := make([]byte, n)
	copy(out, buf[headerSize:headerSize+int(n)])
	return out, nil
}
