// Package statecommit produces and checks content-addressed commitments to
// the files changed between two git revisions.
//
// A commitment has two digests. The scope record hash is SHA-256 over the
// canonical CBOR scope record and pins every byte of it. The state commit
// root is a binary Merkle root over the entries in path order; it supports
// inclusion and non-membership proofs that a verifier checks against the
// root alone.
//
// The byte layout is frozen at schema tag "state_commit.v1":
//
//	{1: "state_commit.v1", 2: base, 3: head, 4: 1, 5: ignore_policy_hash,
//	 6: [[path, kind, executable, content_hash, size], ...]}
//
// Leaves hash [path, kind, executable, content_hash]; size is committed by
// the scope record only. An internal node is SHA-256 over the concatenated
// lowercase hex of its children, an odd level pairs its last node with
// itself, and the root of no entries is the digest of the empty string.
package statecommit
