package devicesync

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
)

// ErrInvalidPairingCode is returned when a scanned/typed pairing code is
// not 16 bytes of hex once whitespace and separators are stripped.
var ErrInvalidPairingCode = errors.New("devicesync: invalid pairing code")

// ParsePairingCodeSecret16 normalizes a user-entered pairing code (hex,
// possibly grouped with dashes or spaces the way the SAS string is) and
// decodes it to its 16-byte secret.
func ParsePairingCodeSecret16(pairingCode string) ([16]byte, error) {
	var secret [16]byte
	norm := normalizeCode(pairingCode)
	decoded, err := hex.DecodeString(norm)
	if err != nil || len(decoded) != len(secret) {
		return secret, ErrInvalidPairingCode
	}
	copy(secret[:], decoded)
	return secret, nil
}

func normalizeCode(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("-", "", " ", "", "_", "").Replace(s)
	return s
}

// DerivePairingIdAndKey derives the out-of-band pairing channel's id (a
// 32-hex-character fingerprint the two devices exchange to find each
// other's pairing request) and the 32-byte device-sync key the pairing
// flow ultimately hands to the new device's State, from the shared
// 16-byte secret both devices learned from the SAS-style pairing code.
func DerivePairingIdAndKey(secret [16]byte) (pairingID string, key [32]byte, err error) {
	idInput := append([]byte(constants.InfoPairingID), secret[:]...)
	idDigest := sha256.Sum256(idInput)
	pairingID = hex.EncodeToString(idDigest[:])[:32]

	derived, err := aead.HKDF(secret[:], nil, constants.InfoPairingKey, 32)
	if err != nil {
		return "", key, err
	}
	copy(key[:], derived)
	return pairingID, key, nil
}

// pairingPayloadMagic / Version frame the encrypted introduction payload
// exchanged over the pairing channel (the new device's identity and
// device id, so the primary can add it to the device list).
const (
	pairingPayloadMagic   = "MIPY"
	pairingPayloadVersion = 1
)

// EncryptPairingPayload seals plaintext (typically the pairing
// introduction: identity keys, device id) under the pairing key derived
// from the scanned code, ready to post to the pairing channel.
func EncryptPairingPayload(key [32]byte, plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("devicesync: empty pairing payload")
	}
	ad := append([]byte(pairingPayloadMagic), pairingPayloadVersion)
	nonce := make([]byte, aead.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed, err := aead.Seal(nil, key[:], nonce, plaintext, ad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(ad)+len(nonce)+len(sealed))
	out = append(out, ad...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptPairingPayload reverses EncryptPairingPayload, verifying the
// magic/version header before attempting to open the sealed body.
func DecryptPairingPayload(key [32]byte, in []byte) ([]byte, error) {
	headerLen := len(pairingPayloadMagic) + 1
	if len(in) < headerLen+aead.NonceSize+aead.TagSize {
		return nil, errors.New("devicesync: pairing payload too short")
	}
	ad := in[:headerLen]
	if string(ad[:len(pairingPayloadMagic)]) != pairingPayloadMagic || ad[len(pairingPayloadMagic)] != pairingPayloadVersion {
		return nil, errors.New("devicesync: pairing payload bad header")
	}
	nonce := in[headerLen : headerLen+aead.NonceSize]
	sealed := in[headerLen+aead.NonceSize:]
	return aead.Open(nil, key[:], nonce, sealed, ad)
}
