package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mi-e2ee/client/devicesync"
	"github.com/mi-e2ee/client/groupkey"
	"github.com/mi-e2ee/client/ratchet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRatchetStoreSaveLoadStateRoundTrips(t *testing.T) {
	s := openTestStore(t)
	rs := s.RatchetStore("alice<->bob")

	state := &ratchet.State{
		DHs: ratchet.KeyPair([]byte{1, 2, 3, 4}),
		DHr: ratchet.PublicKey([]byte{5, 6, 7, 8}),
		RK:  ratchet.RootKey([]byte{9, 9, 9, 9}),
		CKs: ratchet.ChainKey([]byte{1, 1, 1, 1}),
		CKr: ratchet.ChainKey([]byte{2, 2, 2, 2}),
		Ns:  3,
		Nr:  5,
		PN:  7,
	}
	require.NoError(t, rs.Save(state))

	loaded, err := rs.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, []byte(state.DHs), []byte(loaded.DHs))
	require.Equal(t, []byte(state.DHr), []byte(loaded.DHr))
	require.Equal(t, []byte(state.RK), []byte(loaded.RK))
	require.Equal(t, []byte(state.CKs), []byte(loaded.CKs))
	require.Equal(t, []byte(state.CKr), []byte(loaded.CKr))
	require.Equal(t, state.Ns, loaded.Ns)
	require.Equal(t, state.Nr, loaded.Nr)
	require.Equal(t, state.PN, loaded.PN)
}

func TestRatchetStoreLoadStateMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	rs := s.RatchetStore("nobody")
	loaded, err := rs.LoadState()
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestRatchetStoreSkippedKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	rs := s.RatchetStore("alice<->bob")

	pub := ratchet.PublicKey([]byte{1, 2, 3})
	var key ratchet.MessageKey = []byte{9, 8, 7, 6}

	_, err := rs.LoadKey(4, pub)
	require.ErrorIs(t, err, ratchet.ErrKeyNotFound)

	require.NoError(t, rs.StoreKey(4, pub, key))
	got, err := rs.LoadKey(4, pub)
	require.NoError(t, err)
	require.Equal(t, []byte(key), []byte(got))

	require.NoError(t, rs.DeleteKey(4, pub))
	_, err = rs.LoadKey(4, pub)
	require.ErrorIs(t, err, ratchet.ErrKeyNotFound)
}

func TestRatchetStoreNamespacesByConversation(t *testing.T) {
	s := openTestStore(t)
	pub := ratchet.PublicKey([]byte{1})
	var key1 ratchet.MessageKey = []byte{1}
	var key2 ratchet.MessageKey = []byte{2}

	require.NoError(t, s.RatchetStore("alice<->bob").StoreKey(1, pub, key1))
	require.NoError(t, s.RatchetStore("alice<->carol").StoreKey(1, pub, key2))

	got1, err := s.RatchetStore("alice<->bob").LoadKey(1, pub)
	require.NoError(t, err)
	require.Equal(t, []byte(key1), []byte(got1))

	got2, err := s.RatchetStore("alice<->carol").LoadKey(1, pub)
	require.NoError(t, err)
	require.Equal(t, []byte(key2), []byte(got2))
}

func TestGroupChainStoreRoundTrips(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().Truncate(time.Second).UTC()
	chain, err := groupkey.NewChain("group-1", "alice", now)
	require.NoError(t, err)
	_, _, err = chain.NextSendKey()
	require.NoError(t, err)

	require.NoError(t, s.SaveGroupChain(chain))

	loaded, err := s.LoadGroupChain("group-1", "alice")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, chain.GroupID, loaded.GroupID)
	require.Equal(t, chain.Sender, loaded.Sender)
	require.Equal(t, chain.CK, loaded.CK)
	require.Equal(t, chain.Version, loaded.Version)
	require.Equal(t, chain.Iteration, loaded.Iteration)
	require.Equal(t, chain.MessageCount, loaded.MessageCount)
	require.Equal(t, chain.CreatedAt.Unix(), loaded.CreatedAt.Unix())
}

func TestGroupChainStoreMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	loaded, err := s.LoadGroupChain("no-such-group", "alice")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestGroupChainStoreDelete(t *testing.T) {
	s := openTestStore(t)
	chain, err := groupkey.NewChain("group-1", "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.SaveGroupChain(chain))
	require.NoError(t, s.DeleteGroupChain("group-1", "alice"))

	loaded, err := s.LoadGroupChain("group-1", "alice")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestDeviceSyncSnapshotRoundTrips(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.LoadDeviceSyncSnapshot()
	require.NoError(t, err)
	require.False(t, ok)

	policy := devicesync.DefaultPolicy()
	policy.Enabled = true
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	state := devicesync.New(policy, key, time.Now().Truncate(time.Second))
	snap := state.Snapshot()

	require.NoError(t, s.SaveDeviceSyncSnapshot(snap))

	loaded, ok, err := s.LoadDeviceSyncSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.CurrentKey, loaded.CurrentKey)
	require.Equal(t, snap.SendCount, loaded.SendCount)
	require.Equal(t, snap.LastRotateAt.Unix(), loaded.LastRotateAt.Unix())

	restored := devicesync.RestoreFromSnapshot(policy, loaded)
	require.Equal(t, key, restored.CurrentKey())
}

func TestDeviceSyncKeyFileRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_sync_key.bin")
	_, ok, err := LoadDeviceSyncKey(path)
	require.NoError(t, err)
	require.False(t, ok)

	var key [32]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	require.NoError(t, SaveDeviceSyncKey(path, key))

	loaded, ok, err := LoadDeviceSyncKey(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key, loaded)
}

func TestDeviceIDFileGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device_id.bin")
	id1, err := LoadDeviceID(path)
	require.NoError(t, err)

	id2, err := LoadDeviceID(path)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Len(t, DeviceIDHex(id1), 32)
}
