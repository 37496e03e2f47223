package crypto

import (
	"bytes"
	"errors"
)

var ErrEmptyTree = errors.New("crypto: merkle tree requires at least one leaf")

// ProcessProof rebuilds the root implied by leaf and proof. Sibling pairs are
// hashed in sorted order so proofs carry no left/right flags.
func ProcessProof(proof []Hash, leaf Hash) Hash {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed
}

// MerkleRoot returns the sorted-pair keccak256 root over leaves. A single leaf
// is its own root. Odd nodes are promoted to the next level unchanged.
func MerkleRoot(leaves []Hash) (Hash, error) {
	if len(leaves) == 0 {
		return Hash{}, ErrEmptyTree
	}
	level := append([]Hash(nil), leaves...)
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0], nil
}

// MerkleProof returns the inclusion proof for leaves[index].
func MerkleProof(leaves []Hash, index int) ([]Hash, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	if index < 0 || index >= len(leaves) {
		return nil, errors.New("crypto: merkle leaf index out of range")
	}
	var proof []Hash
	level := append([]Hash(nil), leaves...)
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling < len(level) {
			proof = append(proof, level[sibling])
		}
		level = nextLevel(level)
		index /= 2
	}
	return proof, nil
}

func nextLevel(level []Hash) []Hash {
	next := make([]Hash, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 == len(level) {
			next = append(next, level[i])
			continue
		}
		next = append(next, hashPair(level[i], level[i+1]))
	}
	return next
}

func hashPair(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) < 0 {
		return Keccak256(a[:], b[:])
	}
	return Keccak256(b[:], a[:])
}
