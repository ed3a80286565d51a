package kt

import (
	"crypto/sha256"

	"github.com/mi-e2ee/client/constants"
)

func sha256Sum(data []byte) LeafHash {
	return sha256.Sum256(data)
}

func sha256Domain(tag byte, data []byte) LeafHash {
	buf := make([]byte, 0, 1+len(data))
	buf = append(buf, tag)
	buf = append(buf, data...)
	return sha256Sum(buf)
}

// LeafHashFromBundle computes a prekey bundle's Merkle leaf hash:
// SHA-256(0x00 || "mi_e2ee_kt_leaf_v1" || 0x00 || username || 0x00 ||
// id_sig_pk || id_dh_pk), per spec.md §4.7.
func LeafHashFromBundle(username string, idSigPub, idDHPub []byte) LeafHash {
	buf := make([]byte, 0, len(constants.InfoKTLeaf)+1+len(username)+1+len(idSigPub)+len(idDHPub))
	buf = append(buf, []byte(constants.InfoKTLeaf)...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(username)...)
	buf = append(buf, 0x00)
	buf = append(buf, idSigPub...)
	buf = append(buf, idDHPub...)
	return hashLeaf(buf)
}
