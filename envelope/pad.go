package envelope

import "github.com/mi-e2ee/client/padding"

// EncodePadded encodes e and wraps it in a size-bucket padded payload,
// ready for AEAD sealing by the peer or group ratchet.
func EncodePadded(e Envelope) ([]byte, error) {
	return padding.PadPayload(Encode(e))
}

// DecodePadded reverses EncodePadded: strip the padding, then decode the
// envelope it reveals.
func DecodePadded(buf []byte) (Envelope, error) {
	plain, err := padding.UnpadPayload(buf)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(plain)
}
