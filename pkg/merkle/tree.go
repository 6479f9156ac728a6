// Package merkle builds keccak-256 merkle commitments over canonical event
// serializations. Pair hashing is sorted, so the root is independent of leaf
// insertion order once the leaf set is fixed.
package merkle

import (
	"bytes"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/anchorline/pkg/canonicalize"
	"github.com/Mindburn-Labs/anchorline/pkg/contracts"
)

// ZeroRoot is the sentinel root for an empty leaf set: 32 zero bytes.
const ZeroRoot = "0x0000000000000000000000000000000000000000000000000000000000000000"

// Tree is a binary keccak-256 hash tree with sorted pair hashing.
type Tree struct {
	leaves [][]byte
	levels [][][]byte // levels[0] = leaves, last level has one node
}

// NewTree builds a tree from pre-hashed 32-byte leaves.
func NewTree(leaves [][]byte) *Tree {
	t := &Tree{leaves: leaves}
	if len(leaves) == 0 {
		return t
	}

	level := make([][]byte, len(leaves))
	copy(level, leaves)
	t.levels = append(t.levels, level)

	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	return t
}

// nextLevel hashes sorted pairs; an odd trailing node is promoted unchanged.
func nextLevel(level [][]byte) [][]byte {
	next := make([][]byte, 0, (len(level)+1)/2)
	for i := 0; i+1 < len(level); i += 2 {
		next = append(next, hashPair(level[i], level[i+1]))
	}
	if len(level)%2 == 1 {
		next = append(next, level[len(level)-1])
	}
	return next
}

func hashPair(a, b []byte) []byte {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256(a, b)
}

// Root returns the hex-encoded root, or ZeroRoot for an empty tree.
func (t *Tree) Root() string {
	if len(t.levels) == 0 {
		return ZeroRoot
	}
	top := t.levels[len(t.levels)-1]
	return "0x" + hex.EncodeToString(top[0])
}

// RootBytes returns the raw 32-byte root (all zeroes for an empty tree).
func (t *Tree) RootBytes() [32]byte {
	var root [32]byte
	if len(t.levels) > 0 {
		copy(root[:], t.levels[len(t.levels)-1][0])
	}
	return root
}

// LeafCount returns the number of leaves the tree was built from.
func (t *Tree) LeafCount() int {
	return len(t.leaves)
}

// EventLeaf computes the leaf hash for a single event:
// keccak256(canonicalJSON(event)).
func EventLeaf(ev contracts.AnchorEvent) ([]byte, error) {
	canonical, err := canonicalize.JCS(ev)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(canonical), nil
}

// BuildEventTree hashes each event into a leaf and builds the tree. The
// caller is responsible for event ordering; the sorted pair hashing makes the
// root order-insensitive regardless.
func BuildEventTree(events []contracts.AnchorEvent) (*Tree, error) {
	leaves := make([][]byte, 0, len(events))
	for _, ev := range events {
		leaf, err := EventLeaf(ev)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, leaf)
	}
	return NewTree(leaves), nil
}
