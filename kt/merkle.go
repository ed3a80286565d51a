// Package kt implements the Key Transparency verifier of spec.md §4.7: an
// RFC-6962-style Merkle tree inclusion and consistency proof checker that
// every fetched prekey bundle (or device-sync pairing secret, or rotated
// identity key) must pass before its key material is trusted. Grounded on
// the recursive audit-path and consistency-subproof reconstruction in the
// reference client core.
package kt

// LeafHash is the SHA-256 digest of a tree leaf's serialized contents.
type LeafHash = [32]byte

// largestPowerOfTwoLessThan returns the largest power of two strictly
// less than n (0 for n <= 1), the same left/right split used at every
// level of an RFC-6962 Merkle audit path.
func largestPowerOfTwoLessThan(n uint64) uint64 {
	if n <= 1 {
		return 0
	}
	k := uint64(1)
	for (k << 1) < n {
		k <<= 1
	}
	return k
}

// hashLeaf hashes a leaf's pre-serialized contents under the RFC-6962
// leaf domain separator (0x00 prefix).
func hashLeaf(data []byte) LeafHash {
	return sha256Domain(0x00, data)
}

// hashNode hashes two child hashes under the RFC-6962 interior-node
// domain separator (0x01 prefix).
func hashNode(left, right LeafHash) LeafHash {
	buf := make([]byte, 0, 1+32+32)
	buf = append(buf, 0x01)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256Sum(buf)
}

// rootFromAuditPath recomputes the tree root from a leaf hash, its index,
// the tree size, and the audit path, returning (root, true) on success.
// It mirrors the reference recursion exactly: at each level the sibling
// is consumed from the end of the remaining audit path, and the subtree
// is split at the largest power of two less than its span.
func rootFromAuditPath(leaf LeafHash, leafIndex, treeSize uint64, auditPath []LeafHash) (LeafHash, bool) {
	if treeSize == 0 || leafIndex >= treeSize {
		return LeafHash{}, false
	}
	end := len(auditPath)
	root, ok := auditRecurse(leaf, leafIndex, treeSize, auditPath, &end)
	if !ok {
		return LeafHash{}, false
	}
	return root, end == 0
}

func auditRecurse(leaf LeafHash, m, n uint64, path []LeafHash, end *int) (LeafHash, bool) {
	if n == 1 {
		if *end != 0 {
			return LeafHash{}, false
		}
		return leaf, true
	}
	if *end == 0 {
		return LeafHash{}, false
	}
	k := largestPowerOfTwoLessThan(n)
	if k == 0 {
		return LeafHash{}, false
	}
	sibling := path[*end-1]
	*end--

	if m < k {
		left, ok := auditRecurse(leaf, m, k, path, end)
		if !ok {
			return LeafHash{}, false
		}
		return hashNode(left, sibling), true
	}
	right, ok := auditRecurse(leaf, m-k, n-k, path, end)
	if !ok {
		return LeafHash{}, false
	}
	return hashNode(sibling, right), true
}

// reconstructConsistencySubproof is the recursive core of
// verifyConsistencyProof: it reconstructs both the old and new root
// implied by a consistency proof, consuming nodes from the end of the
// proof slice exactly as the audit-path recursion does.
func reconstructConsistencySubproof(m, n uint64, b bool, oldRoot LeafHash, proof []LeafHash, end *int) (old, new_ LeafHash, ok bool) {
	if m == 0 || n == 0 || m > n {
		return LeafHash{}, LeafHash{}, false
	}
	if m == n {
		if b {
			return oldRoot, oldRoot, true
		}
		if *end == 0 {
			return LeafHash{}, LeafHash{}, false
		}
		node := proof[*end-1]
		*end--
		return node, node, true
	}

	k := largestPowerOfTwoLessThan(n)
	if k == 0 || *end == 0 {
		return LeafHash{}, LeafHash{}, false
	}

	if m <= k {
		right := proof[*end-1]
		*end--
		leftOld, leftNew, ok := reconstructConsistencySubproof(m, k, b, oldRoot, proof, end)
		if !ok {
			return LeafHash{}, LeafHash{}, false
		}
		return leftOld, hashNode(leftNew, right), true
	}

	left := proof[*end-1]
	*end--
	rightOld, rightNew, ok := reconstructConsistencySubproof(m-k, n-k, false, oldRoot, proof, end)
	if !ok {
		return LeafHash{}, LeafHash{}, false
	}
	return hashNode(left, rightOld), hashNode(left, rightNew), true
}

// verifyConsistencyProof checks that newRoot is a valid extension of
// oldRoot: every leaf present at oldSize remains present, in the same
// order, at newSize.
func verifyConsistencyProof(oldSize, newSize uint64, oldRoot, newRoot LeafHash, proof []LeafHash) bool {
	if oldSize == 0 || newSize == 0 || oldSize > newSize {
		return false
	}
	if oldSize == newSize {
		return len(proof) == 0 && oldRoot == newRoot
	}
	end := len(proof)
	calcOld, calcNew, ok := reconstructConsistencySubproof(oldSize, newSize, true, oldRoot, proof, &end)
	if !ok {
		return false
	}
	return end == 0 && calcOld == oldRoot && calcNew == newRoot
}
