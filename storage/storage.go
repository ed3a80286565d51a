// Package storage implements spec.md §6's persisted-state layout: a
// bbolt-backed database for ratchet sessions, skipped message keys,
// group sender-key chains, and device-sync state, plus the small
// flat files (device_sync_key.bin, device_id.bin) written atomically
// the way kt.State and trust.Store already persist their own records.
//
// This generalizes the teacher's storage/db.go (bbolt buckets, Update/
// View transaction closures, NextSequence-keyed records) from its
// egress/ingress mixnet message queues to this client's per-conversation
// ratchet and group state.
package storage

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/mi-e2ee/client/constants"
)

var (
	ratchetStateBucket   = []byte("ratchet_state")
	ratchetSkippedBucket = []byte("ratchet_skipped")
	groupChainBucket     = []byte("group_chains")
	deviceSyncBucket     = []byte("device_sync")
)

// Store is the local encrypted-chat-state database: one bbolt file
// holding every conversation's ratchet and group-chain records.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt-backed state database at
// dbFile, and ensures every bucket this package uses exists.
func Open(dbFile string) (*Store, error) {
	db, err := bbolt.Open(dbFile, 0600, &bbolt.Options{Timeout: constants.DatabaseConnectTimeout})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbFile, err)
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{ratchetStateBucket, ratchetSkippedBucket, groupChainBucket, deviceSyncBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create buckets: %w", err)
	}
	return s, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}
