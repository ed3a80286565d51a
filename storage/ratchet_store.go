package storage

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/ratchet"
	"github.com/mi-e2ee/client/wire"
)

// ratchetStateVersion is the only record version this package writes;
// kept explicit so a future wire change can branch on it the way
// fileblob's version byte does.
const ratchetStateVersion = 1

// RatchetStoreImpl implements ratchet.Store for a single conversation,
// namespacing its keys within the shared ratchet_state/ratchet_skipped
// buckets by conversationID so one database serves every peer.
type RatchetStoreImpl struct {
	db             *bbolt.DB
	conversationID string
}

var _ ratchet.Store = (*RatchetStoreImpl)(nil)

// RatchetStore returns a ratchet.Store (with an additional LoadState
// method for resuming a session after restart) backed by this database,
// scoped to conversationID (typically the peer's username or a
// group-member pair key).
func (s *Store) RatchetStore(conversationID string) *RatchetStoreImpl {
	return &RatchetStoreImpl{db: s.db, conversationID: conversationID}
}

func encodeRatchetState(state *ratchet.State) []byte {
	out := make([]byte, 0, 64+len(state.DHs)+len(state.DHr)+len(state.RK)+len(state.CKs)+len(state.CKr))
	out = append(out, constants.RatchetStateMagic...)
	out = append(out, ratchetStateVersion)
	out = wire.WriteBytes(state.DHs, out)
	out = wire.WriteBytes(state.DHr, out)
	out = wire.WriteBytes(state.RK, out)
	out = wire.WriteBytes(state.CKs, out)
	out = wire.WriteBytes(state.CKr, out)
	out = wire.WriteUint32(state.Ns, out)
	out = wire.WriteUint32(state.Nr, out)
	out = wire.WriteUint32(state.PN, out)
	return out
}

func decodeRatchetState(in []byte) (*ratchet.State, error) {
	if len(in) < 5 || string(in[:4]) != constants.RatchetStateMagic {
		return nil, fmt.Errorf("storage: malformed ratchet state record")
	}
	if in[4] != ratchetStateVersion {
		return nil, fmt.Errorf("storage: unsupported ratchet state version %d", in[4])
	}
	off := 5
	var state ratchet.State
	var err error
	var b []byte
	if b, err = wire.ReadBytes(in, &off); err != nil {
		return nil, err
	}
	state.DHs = ratchet.KeyPair(b)
	if b, err = wire.ReadBytes(in, &off); err != nil {
		return nil, err
	}
	state.DHr = ratchet.PublicKey(b)
	if b, err = wire.ReadBytes(in, &off); err != nil {
		return nil, err
	}
	state.RK = ratchet.RootKey(b)
	if b, err = wire.ReadBytes(in, &off); err != nil {
		return nil, err
	}
	state.CKs = ratchet.ChainKey(b)
	if b, err = wire.ReadBytes(in, &off); err != nil {
		return nil, err
	}
	state.CKr = ratchet.ChainKey(b)
	if state.Ns, err = wire.ReadUint32(in, &off); err != nil {
		return nil, err
	}
	if state.Nr, err = wire.ReadUint32(in, &off); err != nil {
		return nil, err
	}
	if state.PN, err = wire.ReadUint32(in, &off); err != nil {
		return nil, err
	}
	return &state, nil
}

func (r *RatchetStoreImpl) Save(state *ratchet.State) error {
	data := encodeRatchetState(state)
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ratchetStateBucket).Put([]byte(r.conversationID), data)
	})
}

// LoadState returns the persisted ratchet.State for this conversation,
// or (nil, nil) if none has been saved yet.
func (r *RatchetStoreImpl) LoadState() (*ratchet.State, error) {
	var data []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(ratchetStateBucket).Get([]byte(r.conversationID))
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
	return decodeRatchetState(data)
}

// skippedKeyBytes zero-pads chainIndex to 10 digits (uint32's max width)
// so bbolt's lexicographic key order follows the chain index within a
// conversation; evictOldestIfOverBound takes the first key of that order.
func skippedKeyBytes(conversationID string, chainIndex uint32, pub ratchet.PublicKey) []byte {
	return []byte(fmt.Sprintf("%s|%010d|%x", conversationID, chainIndex, []byte(pub)))
}

func (r *RatchetStoreImpl) StoreKey(chainIndex uint32, pub ratchet.PublicKey, key ratchet.MessageKey) error {
	k := skippedKeyBytes(r.conversationID, chainIndex, pub)
	return r.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(ratchetSkippedBucket)
		if bucket.Get(k) != nil {
			return nil
		}
		if err := bucket.Put(k, []byte(key)); err != nil {
			return err
		}
		return evictOldestIfOverBound(bucket, r.conversationID)
	})
}

func (r *RatchetStoreImpl) LoadKey(chainIndex uint32, pub ratchet.PublicKey) (ratchet.MessageKey, error) {
	k := skippedKeyBytes(r.conversationID, chainIndex, pub)
	var value []byte
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(ratchetSkippedBucket).Get(k)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ratchet.ErrKeyNotFound
	}
	return ratchet.MessageKey(value), nil
}

func (r *RatchetStoreImpl) DeleteKey(chainIndex uint32, pub ratchet.PublicKey) error {
	k := skippedKeyBytes(r.conversationID, chainIndex, pub)
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ratchetSkippedBucket).Delete(k)
	})
}

// evictOldestIfOverBound enforces constants.MaxSkippedKeysTotal per
// conversation by dropping the lexicographically-first skipped key (the
// lowest chain index, ties broken by the peer key's hex) once the bound is
// exceeded. That is the oldest-inserted key only while every stored key
// belongs to one receiving chain: a DH ratchet step restarts the index at
// 0, so keys of a newer chain sort before, and are evicted before, keys
// of an older chain with higher indices.
// Caller must already hold the write transaction.
func evictOldestIfOverBound(bucket *bbolt.Bucket, conversationID string) error {
	prefix := []byte(conversationID + "|")
	count := 0
	c := bucket.Cursor()
	var oldest []byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		count++
		if oldest == nil {
			oldest = append([]byte(nil), k...)
		}
	}
	if count <= constants.MaxSkippedKeysTotal {
		return nil
	}
	return bucket.Delete(oldest)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
