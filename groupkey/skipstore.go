package groupkey

import "github.com/mi-e2ee/client/constants"

// skipStore is a size-bounded FIFO of skipped message keys for one
// sender chain, evicting the oldest entry once it exceeds
// constants.MaxGroupSkippedMessageKeys (spec.md §4.6).
type skipStore struct {
	order []uint32
	keys  map[uint32][32]byte
}

func newSkipStore() *skipStore {
	return &skipStore{keys: make(map[uint32][32]byte)}
}

func (s *skipStore) store(iteration uint32, key [32]byte) {
	if _, exists := s.keys[iteration]; exists {
		return
	}
	s.keys[iteration] = key
	s.order = append(s.order, iteration)
	for len(s.order) > constants.MaxGroupSkippedMessageKeys {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, oldest)
	}
}

func (s *skipStore) load(iteration uint32) ([32]byte, bool) {
	key, ok := s.keys[iteration]
	return key, ok
}

func (s *skipStore) delete(iteration uint32) {
	delete(s.keys, iteration)
	for i, it := range s.order {
		if it == iteration {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
