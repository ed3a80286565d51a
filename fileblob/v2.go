package fileblob

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
	"github.com/mi-e2ee/client/wire"
)

// v2PrefixSize is magic(4) || version(1) || flags(1) || algo(1) ||
// reserved(1) || original_size(8) || stage1_size(8) || stage2_size(8).
const v2PrefixSize = magicLen + 1 + 1 + 1 + 1 + 8 + 8 + 8

// EncodeAdaptive implements spec.md §4.8's adaptive file codec
// selection: filenames on the already-compressed allowlist (or files
// that simply don't shrink under deflate) are stored raw; everything
// else is deflated at level 1, and if that shrinks the input, deflated
// again at level 9 before sealing.
func EncodeAdaptive(plaintext []byte, key [32]byte, filename string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	if len(plaintext) > constants.MaxFilePlaintextBytes {
		return nil, ErrPlaintextTooLarge
	}

	if LooksAlreadyCompressed(filename) {
		return sealV2(plaintext, key, 0, constants.FileBlobAlgoRaw, uint64(len(plaintext)), 0, uint64(len(plaintext)))
	}

	stage1, err := deflate(plaintext, 1)
	if err != nil {
		return nil, err
	}
	if len(stage1) >= len(plaintext) {
		return sealV2(plaintext, key, 0, constants.FileBlobAlgoRaw, uint64(len(plaintext)), 0, uint64(len(plaintext)))
	}

	stage2, err := deflate(stage1, 9)
	if err != nil {
		return nil, err
	}
	return sealV2(stage2, key, constants.FileBlobFlagDoubleCompression, constants.FileBlobAlgoDeflate,
		uint64(len(plaintext)), uint64(len(stage1)), uint64(len(stage2)))
}

func sealV2(payload []byte, key [32]byte, flags, algo byte, originalSize, stage1Size, stage2Size uint64) ([]byte, error) {
	header := make([]byte, 0, v2PrefixSize)
	header = append(header, constants.FileBlobMagic...)
	header = append(header, constants.FileBlobVersionV2, flags, algo, 0)
	header = wire.WriteUint64(originalSize, header)
	header = wire.WriteUint64(stage1Size, header)
	header = wire.WriteUint64(stage2Size, header)

	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := aead.Seal(nil, key[:], nonce, payload, header)
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

func decodeV2(blob []byte, key [32]byte) ([]byte, error) {
	if len(blob) < v2PrefixSize {
		return nil, ErrMalformed
	}
	off := magicLen + 1
	flags := blob[off]
	algo := blob[off+1]
	off += 3 // flags, algo, reserved
	var err error
	var originalSize, stage1Size, stage2Size uint64
	if originalSize, err = wire.ReadUint64(blob, &off); err != nil {
		return nil, err
	}
	if stage1Size, err = wire.ReadUint64(blob, &off); err != nil {
		return nil, err
	}
	if stage2Size, err = wire.ReadUint64(blob, &off); err != nil {
		return nil, err
	}
	if off != v2PrefixSize {
		return nil, ErrMalformed
	}
	if originalSize == 0 || originalSize > constants.MaxFilePlaintextBytes {
		return nil, ErrMalformed
	}
	if stage2Size == 0 || stage2Size > constants.MaxFileBlobBytes {
		return nil, ErrMalformed
	}
	if len(blob) < v2PrefixSize+aead.NonceSize+aead.TagSize {
		return nil, ErrMalformed
	}

	header := blob[:v2PrefixSize]
	nonce := blob[v2PrefixSize : v2PrefixSize+aead.NonceSize]
	sealed := blob[v2PrefixSize+aead.NonceSize:]
	payload, err := aead.Open(nil, key[:], nonce, sealed, header)
	if err != nil {
		return nil, err
	}
	if uint64(len(payload)) != stage2Size {
		return nil, ErrMalformed
	}

	if flags&constants.FileBlobFlagDoubleCompression == 0 {
		if uint64(len(payload)) != originalSize {
			return nil, ErrMalformed
		}
		return payload, nil
	}
	if algo != constants.FileBlobAlgoDeflate {
		return nil, ErrMalformed
	}
	if stage1Size == 0 || stage1Size > constants.MaxFileBlobBytes {
		return nil, ErrMalformed
	}

	stage1, err := inflate(payload, stage1Size)
	if err != nil {
		return nil, err
	}
	original, err := inflate(stage1, originalSize)
	if err != nil {
		return nil, err
	}
	return original, nil
}

func deflate(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte, expectedLen uint64) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out := make([]byte, expectedLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
