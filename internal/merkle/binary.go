// Package merkle implements the binary hash reduction used for checkpoint
// delta roots. Leaves are combined pairwise into a well-balanced tree so the
// root depends only on the ordered leaf sequence.
package merkle

import (
	"github.com/eigerco/mulberry/internal/crypto"
)

var (
	leafPrefix = []byte("leaf")
	nodePrefix = []byte("node")
)

// ComputeRoot computes the root of a well-balanced binary Merkle tree over
// the given leaves. Leaves are domain-separated from interior nodes so a
// leaf value can never be confused with a combined node.
//
// An empty sequence yields the zero hash.
func ComputeRoot(leaves []crypto.Hash, hashFunc func([]byte) crypto.Hash) crypto.Hash {
	if len(leaves) == 0 {
		return crypto.Hash{}
	}
	return computeNode(leaves, hashFunc)
}

func computeNode(leaves []crypto.Hash, hashFunc func([]byte) crypto.Hash) crypto.Hash {
	if len(leaves) == 1 {
		combined := make([]byte, 0, len(leafPrefix)+crypto.HashSize)
		combined = append(combined, leafPrefix...)
		combined = append(combined, leaves[0][:]...)
		return hashFunc(combined)
	}

	mid := len(leaves) / 2
	left := computeNode(leaves[:mid], hashFunc)
	right := computeNode(leaves[mid:], hashFunc)

	combined := make([]byte, 0, len(nodePrefix)+2*crypto.HashSize)
	combined = append(combined, nodePrefix...)
	combined = append(combined, left[:]...)
	combined = append(combined, right[:]...)

	return hashFunc(combined)
}
