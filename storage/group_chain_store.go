package storage

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/groupkey"
	"github.com/mi-e2ee/client/wire"
)

const groupChainVersion = 1

func groupChainKey(groupID, sender string) []byte {
	return []byte(groupID + "|" + sender)
}

func encodeGroupChain(c *groupkey.Chain) []byte {
	out := make([]byte, 0, 96+len(c.GroupID)+len(c.Sender))
	out = append(out, constants.RatchetStateMagic...)
	out = append(out, groupChainVersion)
	out = wire.WriteString(c.GroupID, out)
	out = wire.WriteString(c.Sender, out)
	out = wire.WriteBytes(c.CK[:], out)
	out = wire.WriteUint32(c.Version, out)
	out = wire.WriteUint32(c.Iteration, out)
	out = wire.WriteUint64(uint64(c.CreatedAt.Unix()), out)
	out = wire.WriteUint64(c.MessageCount, out)
	return out
}

func decodeGroupChain(in []byte) (*groupkey.Chain, error) {
	if len(in) < 5 || string(in[:4]) != constants.RatchetStateMagic {
		return nil, fmt.Errorf("storage: malformed group chain record")
	}
	if in[4] != groupChainVersion {
		return nil, fmt.Errorf("storage: unsupported group chain version %d", in[4])
	}
	off := 5
	groupID, err := wire.ReadString(in, &off)
	if err != nil {
		return nil, err
	}
	sender, err := wire.ReadString(in, &off)
	if err != nil {
		return nil, err
	}
	ckBytes, err := wire.ReadBytes(in, &off)
	if err != nil {
		return nil, err
	}
	var ck [32]byte
	copy(ck[:], ckBytes)
	version, err := wire.ReadUint32(in, &off)
	if err != nil {
		return nil, err
	}
	iteration, err := wire.ReadUint32(in, &off)
	if err != nil {
		return nil, err
	}
	createdAtUnix, err := wire.ReadUint64(in, &off)
	if err != nil {
		return nil, err
	}
	messageCount, err := wire.ReadUint64(in, &off)
	if err != nil {
		return nil, err
	}
	return groupkey.Restore(groupID, sender, ck, version, iteration, timeFromUnix(createdAtUnix), messageCount), nil
}

// SaveGroupChain persists a single member's sender-key chain for a
// group, replacing any previously stored chain for the same (group,
// sender) pair.
func (s *Store) SaveGroupChain(c *groupkey.Chain) error {
	data := encodeGroupChain(c)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(groupChainBucket).Put(groupChainKey(c.GroupID, c.Sender), data)
	})
}

// LoadGroupChain returns the persisted chain for (groupID, sender), or
// (nil, nil) if none has been saved.
func (s *Store) LoadGroupChain(groupID, sender string) (*groupkey.Chain, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(groupChainBucket).Get(groupChainKey(groupID, sender))
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return decodeGroupChain(data)
}

// DeleteGroupChain removes a (group, sender) chain, e.g. after a member
// leaves the group.
func (s *Store) DeleteGroupChain(groupID, sender string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(groupChainBucket).Delete(groupChainKey(groupID, sender))
	})
}
