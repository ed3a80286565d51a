package fileblob

import (
	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
	"github.com/mi-e2ee/client/wire"
)

// chunkedPrefixSize is magic(4) || version(1) || flags(1) || algo(1) ||
// reserved(1) || chunk_size(4) || original_size(8) || base_nonce(24).
// v3 and v4 share this header shape; only the version byte and the
// chunk payloads differ.
const chunkedPrefixSize = magicLen + 1 + 1 + 1 + 1 + 4 + 8 + aead.NonceSize

func writeChunkedHeader(version byte, chunkSize uint32, originalSize uint64, baseNonce []byte) []byte {
	header := make([]byte, 0, chunkedPrefixSize)
	header = append(header, constants.FileBlobMagic...)
	header = append(header, version, 0, constants.FileBlobAlgoRaw, 0)
	header = wire.WriteUint32(chunkSize, header)
	header = wire.WriteUint64(originalSize, header)
	header = append(header, baseNonce...)
	return header
}

// EncodeV3 chunks plaintext into constants.FileBlobV3ChunkBytes pieces,
// sealing each independently under a nonce derived from a random base
// nonce and the chunk index — spec.md §4.8's chunked-AEAD blob, used for
// files too large to seal in one AEAD call.
func EncodeV3(plaintext []byte, key [32]byte) ([]byte, error) {
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
	chunkSize := uint32(constants.FileBlobV3ChunkBytes)
	header := writeChunkedHeader(constants.FileBlobVersionV3, chunkSize, uint64(len(plaintext)), baseNonce)

	out := make([]byte, 0, len(header)+len(plaintext)+len(plaintext)/int(chunkSize)*aead.TagSize+aead.TagSize)
	out = append(out, header...)

	for idx, off := uint64(0), 0; off < len(plaintext); idx, off = idx+1, off+int(chunkSize) {
		end := off + int(chunkSize)
		if end > len(plaintext) {
			end = len(plaintext)
		}
		nonce := chunkNonce(baseNonce, idx)
		sealed, err := aead.Seal(nil, key[:], nonce, plaintext[off:end], header)
		if err != nil {
			return nil, err
		}
		out = append(out, sealed...)
	}

	if len(out) > constants.MaxFileBlobBytes {
		return nil, ErrBlobTooLarge
	}
	return out, nil
}

// decodeChunked reverses EncodeV3 (padded=false) or EncodeV4
// (padded=true).
func decodeChunked(blob []byte, key [32]byte, padded bool) ([]byte, error) {
	if len(blob) < chunkedPrefixSize {
		return nil, ErrMalformed
	}
	off := magicLen + 1
	off++ // flags (unused for v3/v4)
	algo := blob[off]
	off++
	off++ // reserved
	var err error
	var chunkSize uint32
	var originalSize uint64
	if chunkSize, err = wire.ReadUint32(blob, &off); err != nil {
		return nil, err
	}
	if originalSize, err = wire.ReadUint64(blob, &off); err != nil {
		return nil, err
	}
	baseNonce := blob[off : off+aead.NonceSize]
	off += aead.NonceSize
	if off != chunkedPrefixSize {
		return nil, ErrMalformed
	}
	if algo != constants.FileBlobAlgoRaw {
		return nil, ErrMalformed
	}
	if chunkSize == 0 || chunkSize > constants.MaxFileChunkBytes {
		return nil, ErrChunkTooLarge
	}
	if originalSize == 0 || originalSize > constants.MaxFilePlaintextBytes {
		return nil, ErrMalformed
	}

	header := blob[:chunkedPrefixSize]
	out := make([]byte, 0, originalSize)
	blobOff := chunkedPrefixSize
	var idx uint64
	var produced uint64

	for produced < originalSize {
		want := uint64(chunkSize)
		if remaining := originalSize - produced; remaining < want {
			want = remaining
		}
		nonce := chunkNonce(baseNonce, idx)

		var plain []byte
		if padded {
			sealedLen, n, err := readUint32Prefixed(blob, blobOff)
			if err != nil {
				return nil, err
			}
			if sealedLen == 0 || sealedLen > uint64(constants.MaxFileChunkBytes) {
				return nil, ErrChunkTooLarge
			}
			if blobOff+n+int(sealedLen) > len(blob) {
				return nil, ErrMalformed
			}
			sealed := blob[blobOff+n : blobOff+n+int(sealedLen)]
			paddedPlain, err := aead.Open(nil, key[:], nonce, sealed, header)
			if err != nil {
				return nil, err
			}
			if len(paddedPlain) < int(want) {
				return nil, ErrMalformed
			}
			plain = paddedPlain[:want]
			blobOff += n + int(sealedLen)
		} else {
			if blobOff+aead.TagSize+int(want) > len(blob) {
				return nil, ErrMalformed
			}
			sealed := blob[blobOff : blobOff+aead.TagSize+int(want)]
			plain, err = aead.Open(nil, key[:], nonce, sealed, header)
			if err != nil {
				return nil, err
			}
			blobOff += aead.TagSize + int(want)
		}

		out = append(out, plain...)
		produced += want
		idx++
	}

	if blobOff != len(blob) {
		return nil, ErrMalformed
	}
	return out, nil
}

func readUint32Prefixed(in []byte, off int) (value uint64, consumed int, err error) {
	o := off
	v, err := wire.ReadUint32(in, &o)
	if err != nil {
		return 0, 0, err
	}
	return uint64(v), o - off, nil
}
