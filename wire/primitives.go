// Package wire implements the length-prefixed binary primitives and frame
// header that every server request/response and chat envelope is built
// from (spec.md §4.1). All primitives are little-endian. Decoders never
// read past the end of the input slice; on short input they return
// ErrShortInput. The fixed-width readers and ReadFixed then leave *off
// unchanged; ReadString and ReadBytes may already have advanced *off past
// their length prefix.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrShortInput is returned by every Read* function when in does not
// contain enough bytes to decode the requested primitive.
var ErrShortInput = errors.New("wire: short input")

// ErrTooLarge is returned when a length-prefixed field claims a size this
// decoder refuses to allocate for.
var ErrTooLarge = errors.New("wire: length prefix too large")

// MaxBytesFieldLen bounds a single `bytes` field's claimed length, as a
// sanity backstop independent of any higher-level size bound.
const MaxBytesFieldLen = 64 * 1024 * 1024

// WriteUint16 appends a little-endian uint16 to out.
func WriteUint16(v uint16, out []byte) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(out, b[:]...)
}

// ReadUint16 decodes a little-endian uint16 from in starting at *off.
func ReadUint16(in []byte, off *int) (uint16, error) {
	if *off+2 > len(in) {
		return 0, ErrShortInput
	}
	v := binary.LittleEndian.Uint16(in[*off:])
	*off += 2
	return v, nil
}

// WriteUint32 appends a little-endian uint32 to out.
func WriteUint32(v uint32, out []byte) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(out, b[:]...)
}

// ReadUint32 decodes a little-endian uint32 from in starting at *off.
func ReadUint32(in []byte, off *int) (uint32, error) {
	if *off+4 > len(in) {
		return 0, ErrShortInput
	}
	v := binary.LittleEndian.Uint32(in[*off:])
	*off += 4
	return v, nil
}

// WriteUint64 appends a little-endian uint64 to out.
func WriteUint64(v uint64, out []byte) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(out, b[:]...)
}

// ReadUint64 decodes a little-endian uint64 from in starting at *off.
func ReadUint64(in []byte, off *int) (uint64, error) {
	if *off+8 > len(in) {
		return 0, ErrShortInput
	}
	v := binary.LittleEndian.Uint64(in[*off:])
	*off += 8
	return v, nil
}

// WriteString appends a u16-length-prefixed string to out.
func WriteString(s string, out []byte) []byte {
	out = WriteUint16(uint16(len(s)), out)
	return append(out, s...)
}

// ReadString decodes a u16-length-prefixed string from in starting at *off.
func ReadString(in []byte, off *int) (string, error) {
	n, err := ReadUint16(in, off)
	if err != nil {
		return "", err
	}
	if *off+int(n) > len(in) {
		return "", ErrShortInput
	}
	s := string(in[*off : *off+int(n)])
	*off += int(n)
	return s, nil
}

// WriteBytes appends a u32-length-prefixed byte slice to out.
func WriteBytes(b []byte, out []byte) []byte {
	out = WriteUint32(uint32(len(b)), out)
	return append(out, b...)
}

// ReadBytes decodes a u32-length-prefixed byte slice from in starting at
// *off. The returned slice is a copy, never an alias of in.
func ReadBytes(in []byte, off *int) ([]byte, error) {
	n, err := ReadUint32(in, off)
	if err != nil {
		return nil, err
	}
	if n > MaxBytesFieldLen {
		return nil, ErrTooLarge
	}
	if *off+int(n) > len(in) {
		return nil, ErrShortInput
	}
	out := make([]byte, n)
	copy(out, in[*off:*off+int(n)])
	*off += int(n)
	return out, nil
}

// ReadFixed decodes exactly n raw bytes from in starting at *off.
func ReadFixed(in []byte, off *int, n int) ([]byte, error) {
	if *off+n > len(in) {
		return nil, ErrShortInput
	}
	out := make([]byte, n)
	copy(out, in[*off:*off+n])
	*off += n
	return out, nil
}
