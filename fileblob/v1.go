package fileblob

import (
	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
)

// v1PrefixSize is magic(4) || version(1) || reserved(3).
const v1PrefixSize = magicLen + 1 + 3

// EncodeV1 produces the legacy single-AEAD blob shape: prefix || nonce ||
// sealed(plaintext). It is kept only so Decode can still read files
// written by older clients; new encodes always use EncodeAdaptive or the
// chunked encoders.
func EncodeV1(plaintext []byte, key [32]byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	if len(plaintext) > constants.MaxFilePlaintextBytes {
		return nil, ErrPlaintextTooLarge
	}

	header := make([]byte, v1PrefixSize)
	copy(header, constants.FileBlobMagic)
	header[magicLen] = constants.FileBlobVersionV1

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := aead.Seal(nil, key[:], nonce, plaintext, header)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(nonce)+len(sealed))
	out = append(out, header...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	if len(out) > constants.MaxFileBlobBytes {
		return nil, ErrBlobTooLarge
	}
	return out, nil
}

func decodeV1(blob []byte, key [32]byte) ([]byte, error) {
	if len(blob) < v1PrefixSize+aead.NonceSize+aead.TagSize {
		return nil, ErrMalformed
	}
	header := blob[:v1PrefixSize]
	nonce := blob[v1PrefixSize : v1PrefixSize+aead.NonceSize]
	sealed := blob[v1PrefixSize+aead.NonceSize:]
	return aead.Open(nil, key[:], nonce, sealed, header)
}
