package devicesync

import (
	"fmt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/crypto/aead"
)

// deriveAtCounter derives the per-message key for the counter'th use of
// epoch key base: HKDF over base with the counter folded into the salt.
// Because the wire counter rides in cleartext (see encodeEnvelope), a
// sibling that fell behind can jump straight to the right key instead of
// replaying every intermediate step, per spec.md §4.9: "send/recv
// counters ratchet the key with HKDF on each use."
func deriveAtCounter(base [32]byte, counter uint64) ([32]byte, error) {
	salt := make([]byte, 8)
	for i := 0; i < 8; i++ {
		salt[i] = byte(counter >> (8 * uint(i)))
	}
	out, err := aead.HKDF(base[:], salt, constants.InfoDeviceSyncRatchet, 32)
	if err != nil {
		return [32]byte{}, fmt.Errorf("devicesync: ratchet derive: %w", err)
	}
	var key [32]byte
	copy(key[:], out)
	return key, nil
}
