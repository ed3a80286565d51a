package ratchet

import (
	"errors"
	"fmt"

	"github.com/mi-e2ee/client/constants"
)

// ErrKeyNotFound is returned by Store.LoadKey when no skipped key is
// stored under the requested (chainIndex, pub) tuple.
var ErrKeyNotFound = errors.New("ratchet: skipped key not found")

// ErrTooManySkipped is returned when a single chain step would skip more
// than constants.MaxSkipPerChain messages; spec.md treats this as an
// attack signal (a malicious or badly desynced peer claiming an enormous
// message index) rather than a transient condition to retry.
var ErrTooManySkipped = errors.New("ratchet: too many skipped messages in one chain step")

// Store persists session state and the bounded set of message keys
// skipped by out-of-order delivery.
type Store interface {
	Save(state *State) error
	StoreKey(chainIndex uint32, pub PublicKey, key MessageKey) error
	LoadKey(chainIndex uint32, pub PublicKey) (MessageKey, error)
	DeleteKey(chainIndex uint32, pub PublicKey) error
}

type skippedKey struct {
	chainIndex uint32
	pub        string
	key        MessageKey
}

// memoryStore is the default Store: an in-process, size-bounded FIFO of
// skipped message keys. When the total exceeds
// constants.MaxSkippedKeysTotal the oldest skipped key is evicted,
// matching spec.md's "bounded FIFO eviction" resource policy rather than
// failing the session outright.
type memoryStore struct {
	order []skippedKey
	index map[string]MessageKey
}

var _ Store = (*memoryStore)(nil)

// NewMemoryStore constructs the default in-memory, bounded Store.
func NewMemoryStore() Store {
	return &memoryStore{index: make(map[string]MessageKey)}
}

func skipKey(chainIndex uint32, pub PublicKey) string {
	return fmt.Sprintf("%d:%x", chainIndex, pub)
}

func (m *memoryStore) Save(*State) error { return nil }

func (m *memoryStore) StoreKey(chainIndex uint32, pub PublicKey, key MessageKey) error {
	k := skipKey(chainIndex, pub)
	if _, exists := m.index[k]; exists {
		return nil
	}
	m.index[k] = key
	m.order = append(m.order, skippedKey{chainIndex: chainIndex, pub: string(pub), key: key})
	for len(m.order) > constants.MaxSkippedKeysTotal {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.index, skipKey(oldest.chainIndex, PublicKey(oldest.pub)))
	}
	return nil
}

func (m *memoryStore) LoadKey(chainIndex uint32, pub PublicKey) (MessageKey, error) {
	key, ok := m.index[skipKey(chainIndex, pub)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (m *memoryStore) DeleteKey(chainIndex uint32, pub PublicKey) error {
	k := skipKey(chainIndex, pub)
	delete(m.index, k)
	for i, sk := range m.order {
		if sk.chainIndex == chainIndex && sk.pub == string(pub) {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}
