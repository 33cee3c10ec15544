package statecommit

import (
	"strings"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/errclass"
)

// Verify checks that record hashes to expected and returns the hash.
func Verify(record []byte, expected string) (canon.ContentHash, error) {
	actual := ScopeRecordHash(record)
	if !strings.EqualFold(actual.Hex(), strings.TrimSpace(expected)) {
		return actual, mismatch(expected, actual.Hex())
	}
	return actual, nil
}

// VerifyRoot decodes record, recomputes the Merkle root from its entries
// and checks it against expected. It returns the decoded record.
func VerifyRoot(record []byte, expected string) (ScopeRecord, error) {
	sr, err := DecodeScopeRecord(record)
	if err != nil {
		return ScopeRecord{}, err
	}
	root, err := MerkleRoot(sr.Entries)
	if err != nil {
		return ScopeRecord{}, err
	}
	if !strings.EqualFold(root, strings.TrimSpace(expected)) {
		return sr, mismatch(expected, root)
	}
	return sr, nil
}

func mismatch(expected, actual string) error {
	return errclass.ErrValidation.
		WithMessagef("STATE_COMMIT verification failed: expected %s, got %s", expected, actual).
		With("expected", expected).
		With("actual", actual)
}

// Explanation is a human-oriented view of a scope record.
type Explanation struct {
	ScopeRecord     `yaml:",inline"`
	Size            int    `json:"size_bytes" yaml:"size_bytes"`
	ScopeRecordHash string `json:"scope_record_hash" yaml:"scope_record_hash"`
	Root            string `json:"state_commit_root" yaml:"state_commit_root"`
}

// Explain decodes record and derives both digests.
func Explain(record []byte) (Explanation, error) {
	sr, err := DecodeScopeRecord(record)
	if err != nil {
		return Explanation{}, err
	}
	root, err := MerkleRoot(sr.Entries)
	if err != nil {
		return Explanation{}, err
	}
	return Explanation{
		ScopeRecord:     sr,
		Size:            len(record),
		ScopeRecordHash: ScopeRecordHash(record).Hex(),
		Root:            root,
	}, nil
}
