package kt

import (
	"encoding/binary"
	"fmt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/wire"
)

// gossipHeaderSize is len(MIKTGSP1) || tree_size(u64) || root(32) ||
// plain_len(u32).
const gossipHeaderSize = 8 + 8 + 32 + 4

// WrapGossip wraps an arbitrary payload (typically a device-sync event)
// with the sender's current KT checkpoint, so a sibling device can cross
// check it saw the same tree before trusting the payload (spec.md §4
// supplemented feature: gossip-wrapped KT checkpoints).
func WrapGossip(plain []byte, treeSize uint64, root LeafHash) []byte {
	out := make([]byte, 0, gossipHeaderSize+len(plain))
	out = append(out, []byte(constants.GossipMagic)...)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], treeSize)
	out = append(out, sizeBuf[:]...)
	out = append(out, root[:]...)
	out = wire.WriteUint32(uint32(len(plain)), out)
	out = append(out, plain...)
	return out
}

// UnwrapGossip reverses WrapGossip, returning an error if the magic,
// length, or declared plaintext length don't check out.
func UnwrapGossip(in []byte) (treeSize uint64, root LeafHash, plain []byte, err error) {
	if len(in) < gossipHeaderSize {
		return 0, root, nil, fmt.Errorf("kt: gossip envelope too short")
	}
	if string(in[:8]) != constants.GossipMagic {
		return 0, root, nil, fmt.Errorf("kt: gossip envelope bad magic")
	}
	off := 8
	treeSize = binary.LittleEndian.Uint64(in[off : off+8])
	off += 8
	copy(root[:], in[off:off+32])
	off += 32
	plainLen := binary.LittleEndian.Uint32(in[off : off+4])
	off += 4
	if uint64(off)+uint64(plainLen) > uint64(len(in)) {
		return 0, root, nil, fmt.Errorf("kt: gossip envelope truncated")
	}
	plain = append([]byte{}, in[off:off+int(plainLen)]...)
	return treeSize, root, plain, nil
}
