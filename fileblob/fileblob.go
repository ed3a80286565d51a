// Package fileblob implements the four file-blob wire versions spec.md
// §3/§4.8 describes: a legacy single-AEAD blob (v1), an adaptively
// compressed single-AEAD blob (v2), a chunked-AEAD blob (v3), and a
// chunked-AEAD blob whose chunks are size-bucket padded before sealing
// (v4). EncodeAdaptive produces v2, EncodeV3/EncodeV4 produce the
// chunked versions and EncodeV1 the legacy one; Decode accepts any of
// the four.
package fileblob

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
	"github.com/mi-e2ee/client/wire"
)

// ErrEmptyPlaintext is returned when asked to encode a zero-length file.
var ErrEmptyPlaintext = errors.New("fileblob: empty plaintext")

// ErrPlaintextTooLarge is returned when plaintext exceeds
// constants.MaxFilePlaintextBytes.
var ErrPlaintextTooLarge = errors.New("fileblob: plaintext too large")

// ErrBlobTooLarge is returned when an encoded or to-be-decoded blob
// exceeds constants.MaxFileBlobBytes.
var ErrBlobTooLarge = errors.New("fileblob: blob too large")

// ErrBadMagic is returned when a blob does not begin with
// constants.FileBlobMagic.
var ErrBadMagic = errors.New("fileblob: bad magic")

// ErrUnsupportedVersion is returned for a version byte none of v1-v4
// this core understands.
var ErrUnsupportedVersion = errors.New("fileblob: unsupported version")

// ErrMalformed is returned for any blob whose declared sizes or chunk
// layout are inconsistent with its actual length.
var ErrMalformed = errors.New("fileblob: malformed blob")

// ErrChunkTooLarge is returned when a declared chunk size exceeds
// constants.MaxFileChunkBytes.
var ErrChunkTooLarge = errors.New("fileblob: chunk too large")

const magicLen = 4

// compressedExtensions is the allowlist of filename extensions assumed
// to already be compressed; EncodeAdaptive skips the deflate passes for
// these.
var compressedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true,
	"bmp": true, "ico": true, "heic": true,
	"mp4": true, "mkv": true, "mov": true, "webm": true, "avi": true,
	"flv": true, "m4v": true,
	"mp3": true, "m4a": true, "aac": true, "ogg": true, "opus": true,
	"flac": true, "wav": true,
	"zip": true, "rar": true, "7z": true, "gz": true, "bz2": true,
	"xz": true, "zst": true,
	"pdf": true, "docx": true, "xlsx": true, "pptx": true,
}

// LooksAlreadyCompressed reports whether filename's extension is on the
// allowlist of formats EncodeAdaptive assumes are already compressed.
func LooksAlreadyCompressed(filename string) bool {
	ext := extensionOf(filename)
	if ext == "" {
		return false
	}
	return compressedExtensions[lower(ext)]
}

func extensionOf(filename string) string {
	dot := -1
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			dot = i
			break
		}
		if filename[i] == '/' {
			break
		}
	}
	if dot < 0 || dot+1 >= len(filename) {
		return ""
	}
	return filename[dot+1:]
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}

func randomNonce() ([]byte, error) {
	n := make([]byte, aead.NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, err
	}
	return n, nil
}

// chunkNonce derives chunk idx's nonce from base by overwriting the last
// 8 bytes with idx, little-endian — the same scheme spec.md §4.8
// describes for v3/v4.
func chunkNonce(base []byte, idx uint64) []byte {
	n := make([]byte, len(base))
	copy(n, base)
	off := len(n) - 8
	var buf []byte
	buf = wire.WriteUint64(idx, buf)
	copy(n[off:], buf)
	return n
}

// Decode reverses whichever of EncodeV1/EncodeAdaptive/EncodeV3/EncodeV4
// produced blob, dispatching on its version byte.
func Decode(blob []byte, key [32]byte) ([]byte, error) {
	if len(blob) > constants.MaxFileBlobBytes {
		return nil, ErrBlobTooLarge
	}
	if len(blob) < magicLen+1 {
		return nil, ErrMalformed
	}
	if string(blob[:magicLen]) != constants.FileBlobMagic {
		return nil, ErrBadMagic
	}
	version := blob[magicLen]
	switch version {
	case constants.FileBlobVersionV1:
		return decodeV1(blob, key)
	case constants.FileBlobVersionV2:
		return decodeV2(blob, key)
	case constants.FileBlobVersionV3:
		return decodeChunked(blob, key, false)
	case constants.FileBlobVersionV4:
		return decodeChunked(blob, key, true)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}
