package merkle

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// InclusionProof proves a leaf is committed under a root. With sorted pair
// hashing the sibling side is irrelevant, so the proof is just the sibling
// chain.
type InclusionProof struct {
	LeafHash   string   `json:"leafHash"`
	MerkleRoot string   `json:"merkleRoot"`
	Siblings   []string `json:"siblings"`
}

// Proof generates an inclusion proof for the leaf at index i.
func (t *Tree) Proof(i int) (*InclusionProof, error) {
	if i < 0 || i >= len(t.leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", i, len(t.leaves))
	}

	proof := &InclusionProof{
		LeafHash:   "0x" + hex.EncodeToString(t.leaves[i]),
		MerkleRoot: t.Root(),
	}

	idx := i
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			proof.Siblings = append(proof.Siblings, "0x"+hex.EncodeToString(level[sibling]))
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from the leaf and sibling chain
// and matches it against the expected root.
func VerifyInclusionProof(proof *InclusionProof, expectedRoot string) bool {
	current, err := decodeHash(proof.LeafHash)
	if err != nil {
		return false
	}
	for _, s := range proof.Siblings {
		sibling, err := decodeHash(s)
		if err != nil {
			return false
		}
		current = hashPair(current, sibling)
	}

	want, err := decodeHash(expectedRoot)
	if err != nil {
		return false
	}
	return bytes.Equal(current, want)
}

func decodeHash(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}
