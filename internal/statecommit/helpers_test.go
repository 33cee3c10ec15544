package statecommit

import (
	"fmt"

	"github.com/roach88/keel/internal/canon"
)

const (
	testBase = "1111111111111111111111111111111111111111"
	testHead = "2222222222222222222222222222222222222222"

	// sha256("abc") and sha256("#!/bin/sh\n")
	hashABC     = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	hashShebang = "a8076d3d28d21e02012b20eaf7dbf75409a6277134439025f282e368e3305abf"
)

func abEntries() []Entry {
	return []Entry{
		{Path: "a.txt", Kind: KindFile, ContentHash: hashABC, Size: 3},
		{Path: "b.txt", Kind: KindFile, Executable: true, ContentHash: hashShebang, Size: 10},
	}
}

// numbered returns n distinct entries whose paths sort in index order.
func numbered(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		path := fmt.Sprintf("f%03d.txt", i)
		out[i] = Entry{Path: path, ContentHash: canon.Hash([]byte(path)).Hex(), Size: uint64(len(path))}
	}
	return out
}
