package kt

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testTree is a simple in-memory Merkle tree over leaves that produces
// the audit path for any leaf index, a consistency proof between two
// sizes, and the root at any prefix size — enough to exercise
// rootFromAuditPath and verifyConsistencyProof without needing a server
// implementation.
type testTree struct {
	leaves []LeafHash
}

func (t *testTree) rootAt(size uint64) LeafHash {
	return subtreeHash(t.leaves[:size])
}

func subtreeHash(leaves []LeafHash) LeafHash {
	n := uint64(len(leaves))
	if n == 1 {
		return leaves[0]
	}
	k := largestPowerOfTwoLessThan(n)
	return hashNode(subtreeHash(leaves[:k]), subtreeHash(leaves[k:]))
}

func (t *testTree) auditPath(leafIndex, size uint64) []LeafHash {
	var path []LeafHash
	var rec func(m, n uint64, leaves []LeafHash)
	rec = func(m, n uint64, leaves []LeafHash) {
		if n == 1 {
			return
		}
		k := largestPowerOfTwoLessThan(n)
		if m < k {
			path = append([]LeafHash{subtreeHash(leaves[k:])}, path...)
			rec(m, k, leaves[:k])
		} else {
			path = append([]LeafHash{subtreeHash(leaves[:k])}, path...)
			rec(m-k, n-k, leaves[k:])
		}
	}
	rec(leafIndex, size, t.leaves[:size])
	return path
}

func (t *testTree) consistencyProof(oldSize, newSize uint64) []LeafHash {
	var path []LeafHash
	var rec func(m, n uint64, b bool, leaves []LeafHash)
	rec = func(m, n uint64, b bool, leaves []LeafHash) {
		if m == n {
			if !b {
				path = append([]LeafHash{subtreeHash(leaves[:m])}, path...)
			}
			return
		}
		k := largestPowerOfTwoLessThan(n)
		if m <= k {
			path = append([]LeafHash{subtreeHash(leaves[k:n])}, path...)
			rec(m, k, b, leaves[:k])
		} else {
			path = append([]LeafHash{subtreeHash(leaves[:k])}, path...)
			rec(m-k, n-k, false, leaves[k:n])
		}
	}
	rec(oldSize, newSize, true, t.leaves[:newSize])
	return path
}

func newTestTree(n int) *testTree {
	t := &testTree{}
	for i := 0; i < n; i++ {
		var h LeafHash
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		t.leaves = append(t.leaves, hashLeaf(h[:2]))
	}
	return t
}

func TestRootFromAuditPathMatchesDirectComputation(t *testing.T) {
	tree := newTestTree(7)
	for i := uint64(0); i < 7; i++ {
		path := tree.auditPath(i, 7)
		root, ok := rootFromAuditPath(tree.leaves[i], i, 7, path)
		require.True(t, ok)
		require.Equal(t, tree.rootAt(7), root)
	}
}

func TestVerifyConsistencyProofAcceptsValidGrowth(t *testing.T) {
	tree := newTestTree(10)
	oldRoot := tree.rootAt(4)
	newRoot := tree.rootAt(10)
	proof := tree.consistencyProof(4, 10)
	require.True(t, verifyConsistencyProof(4, 10, oldRoot, newRoot, proof))
}

func TestVerifyConsistencyProofRejectsTamperedRoot(t *testing.T) {
	tree := newTestTree(10)
	oldRoot := tree.rootAt(4)
	newRoot := tree.rootAt(10)
	proof := tree.consistencyProof(4, 10)
	newRoot[0] ^= 0xFF
	require.False(t, verifyConsistencyProof(4, 10, oldRoot, newRoot, proof))
}

func TestVerifyConsistencyProofSameSizeRequiresEqualRoots(t *testing.T) {
	tree := newTestTree(5)
	root := tree.rootAt(5)
	require.True(t, verifyConsistencyProof(5, 5, root, root, nil))
	other := root
	other[0] ^= 1
	require.False(t, verifyConsistencyProof(5, 5, root, other, nil))
}

func TestVerifyBundleTrustOnFirstUse(t *testing.T) {
	tree := newTestTree(4)
	idSig := make([]byte, 32)
	idDH := make([]byte, 32)
	leaf := LeafHashFromBundle("alice", idSig, idDH)
	tree.leaves[2] = leaf

	s := NewState(filepath.Join(t.TempDir(), "kt_state.bin"), false, nil, 0)
	proof := BundleProof{
		Username:       "alice",
		IdentitySigPub: idSig,
		IdentityDHPub:  idDH,
		TreeSizeNew:    4,
		RootNew:        tree.rootAt(4),
		LeafIndex:      2,
		AuditPath:      tree.auditPath(2, 4),
	}
	require.NoError(t, s.VerifyBundle(proof))
	require.Equal(t, uint64(4), s.TreeSize)
}

func TestVerifyBundleDetectsSplitView(t *testing.T) {
	tree := newTestTree(4)
	idSig := make([]byte, 32)
	idDH := make([]byte, 32)
	leaf := LeafHashFromBundle("alice", idSig, idDH)
	tree.leaves[2] = leaf

	s := NewState(filepath.Join(t.TempDir(), "kt_state.bin"), false, nil, 3)
	proof := BundleProof{
		Username: "alice", IdentitySigPub: idSig, IdentityDHPub: idDH,
		TreeSizeNew: 4, RootNew: tree.rootAt(4), LeafIndex: 2,
		AuditPath: tree.auditPath(2, 4),
	}
	require.NoError(t, s.VerifyBundle(proof))

	var forgedRoot LeafHash
	forgedRoot[0] = 0xAB
	proof.RootNew = forgedRoot
	err := s.VerifyBundle(proof)
	require.Error(t, err)
}

func TestVerifyBundleGossipAlertThreshold(t *testing.T) {
	idSig := make([]byte, 32)
	idDH := make([]byte, 32)
	s := NewState(filepath.Join(t.TempDir(), "kt_state.bin"), false, nil, 2)

	badProof := BundleProof{
		Username: "alice", IdentitySigPub: idSig, IdentityDHPub: idDH,
		TreeSizeNew: 4, RootNew: LeafHash{0x01}, LeafIndex: 0,
		AuditPath: nil,
	}
	err1 := s.VerifyBundle(badProof)
	require.Error(t, err1)
	require.False(t, s.GossipAlerted)

	err2 := s.VerifyBundle(badProof)
	require.Error(t, err2)
	require.True(t, s.GossipAlerted)
	require.ErrorIs(t, err2, ErrGossipAlerted)
}

func TestVerifyBundleWithSignature(t *testing.T) {
	tree := newTestTree(2)
	idSig := make([]byte, 32)
	idDH := make([]byte, 32)
	leaf := LeafHashFromBundle("bob", idSig, idDH)
	tree.leaves[0] = leaf

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	root := tree.rootAt(2)
	sig := ed25519.Sign(priv, BuildSTHSignatureMessage(STH{TreeSize: 2, Root: root}))

	s := NewState(filepath.Join(t.TempDir(), "kt_state.bin"), true, pub, 0)
	proof := BundleProof{
		Username: "bob", IdentitySigPub: idSig, IdentityDHPub: idDH,
		TreeSizeNew: 2, RootNew: root, LeafIndex: 0,
		AuditPath: tree.auditPath(0, 2), STHSignature: sig,
	}
	require.NoError(t, s.VerifyBundle(proof))
}

func TestWrapUnwrapGossip(t *testing.T) {
	var root LeafHash
	root[0] = 0x42
	wrapped := WrapGossip([]byte("device-sync event"), 17, root)
	size, gotRoot, plain, err := UnwrapGossip(wrapped)
	require.NoError(t, err)
	require.Equal(t, uint64(17), size)
	require.Equal(t, root, gotRoot)
	require.Equal(t, "device-sync event", string(plain))
}
