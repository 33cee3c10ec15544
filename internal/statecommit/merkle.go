package statecommit

import (
	"github.com/roach88/keel/internal/canon"
)

// LeafHash is the Merkle leaf of e: SHA-256 over the canonical array
// [path, kind, executable, content_hash], in lowercase hex.
func LeafHash(e Entry) (string, error) {
	leaf, err := encodeEntry(e, false)
	if err != nil {
		return "", err
	}
	return canon.Hash(leaf).Hex(), nil
}

// NodeHash combines two child digests.
func NodeHash(left, right string) string {
	return canon.Hash([]byte(left + right)).Hex()
}

// MerkleRoot is the state commit root over entries. Entry order on input
// does not matter.
func MerkleRoot(entries []Entry) (string, error) {
	levels, _, err := buildTree(entries)
	if err != nil {
		return "", err
	}
	return rootOf(levels), nil
}

// buildTree returns every level of the tree, leaves first, along with the
// sorted entries. Odd levels are not padded in place; callers pair the
// last node with itself.
func buildTree(entries []Entry) ([][]string, []Entry, error) {
	sorted, err := SortEntries(entries)
	if err != nil {
		return nil, nil, err
	}
	if len(sorted) == 0 {
		return nil, sorted, nil
	}

	level := make([]string, len(sorted))
	for i, e := range sorted {
		if level[i], err = LeafHash(e); err != nil {
			return nil, nil, err
		}
	}

	levels := [][]string{level}
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := level[i]
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, NodeHash(level[i], right))
		}
		levels = append(levels, next)
		level = next
	}
	return levels, sorted, nil
}

func rootOf(levels [][]string) string {
	if len(levels) == 0 {
		return canon.EmptyHash.Hex()
	}
	return levels[len(levels)-1][0]
}
