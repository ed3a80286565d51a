package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mi-e2ee/client/constants"
	"github.com/mi-e2ee/client/devicesync"
	"github.com/mi-e2ee/client/wire"
)

const deviceSyncVersion = 1

// deviceSyncKeyName is the fixed key this single-row bucket uses; there
// is exactly one device-sync state per local client.
var deviceSyncKeyName = []byte("current")

func timeFromUnix(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func unixOrZero(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix())
}

func encodeDeviceSyncSnapshot(snap devicesync.Snapshot) []byte {
	out := make([]byte, 0, 128)
	out = append(out, constants.RatchetStateMagic...)
	out = append(out, deviceSyncVersion)
	out = wire.WriteBytes(snap.CurrentKey[:], out)
	var hasPrev byte
	if snap.HasPrev {
		hasPrev = 1
	}
	out = append(out, hasPrev)
	out = wire.WriteBytes(snap.PrevKey[:], out)
	out = wire.WriteUint64(unixOrZero(snap.PrevExpiresAt), out)
	out = wire.WriteUint64(snap.SendCount, out)
	out = wire.WriteUint64(snap.SendCtr, out)
	out = wire.WriteUint64(snap.RecvCtr, out)
	out = wire.WriteUint64(unixOrZero(snap.LastRotateAt), out)
	return out
}

func decodeDeviceSyncSnapshot(in []byte) (devicesync.Snapshot, error) {
	var snap devicesync.Snapshot
	if len(in) < 5 || string(in[:4]) != constants.RatchetStateMagic {
		return snap, fmt.Errorf("storage: malformed device-sync record")
	}
	if in[4] != deviceSyncVersion {
		return snap, fmt.Errorf("storage: unsupported device-sync record version %d", in[4])
	}
	off := 5
	currentKey, err := wire.ReadBytes(in, &off)
	if err != nil {
		return snap, err
	}
	copy(snap.CurrentKey[:], currentKey)
	if off >= len(in) {
		return snap, fmt.Errorf("storage: malformed device-sync record")
	}
	snap.HasPrev = in[off] == 1
	off++
	prevKey, err := wire.ReadBytes(in, &off)
	if err != nil {
		return snap, err
	}
	copy(snap.PrevKey[:], prevKey)
	prevExpires, err := wire.ReadUint64(in, &off)
	if err != nil {
		return snap, err
	}
	snap.PrevExpiresAt = timeFromUnix(prevExpires)
	if snap.SendCount, err = wire.ReadUint64(in, &off); err != nil {
		return snap, err
	}
	if snap.SendCtr, err = wire.ReadUint64(in, &off); err != nil {
		return snap, err
	}
	if snap.RecvCtr, err = wire.ReadUint64(in, &off); err != nil {
		return snap, err
	}
	lastRotate, err := wire.ReadUint64(in, &off)
	if err != nil {
		return snap, err
	}
	snap.LastRotateAt = timeFromUnix(lastRotate)
	return snap, nil
}

// SaveDeviceSyncSnapshot persists the device-sync State's current and
// (if present) grace-window-pending key and counters.
func (s *Store) SaveDeviceSyncSnapshot(snap devicesync.Snapshot) error {
	data := encodeDeviceSyncSnapshot(snap)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(deviceSyncBucket).Put(deviceSyncKeyName, data)
	})
}

// LoadDeviceSyncSnapshot returns the persisted device-sync snapshot, and
// whether one exists (false on a fresh database).
func (s *Store) LoadDeviceSyncSnapshot() (devicesync.Snapshot, bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(deviceSyncBucket).Get(deviceSyncKeyName)
		if v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return devicesync.Snapshot{}, false, err
	}
	if data == nil {
		return devicesync.Snapshot{}, false, nil
	}
	snap, err := decodeDeviceSyncSnapshot(data)
	if err != nil {
		return devicesync.Snapshot{}, false, err
	}
	return snap, true, nil
}
