package statecommit

import (
	"bytes"

	"github.com/roach88/keel/internal/canon"
	"github.com/roach88/keel/internal/errclass"
)

const (
	// SchemaTag names the scope record layout.
	SchemaTag = "state_commit.v1"
	// FormatVersion is stored under key 4.
	FormatVersion = 1
	// DefaultIgnorePolicyHash is recorded when no ignore policy applies: the
	// SHA-1 of the empty string, as git spells an empty blob id.
	DefaultIgnorePolicyHash = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
)

const (
	keySchemaTag uint64 = iota + 1
	keyBase
	keyHead
	keyVersion
	keyIgnorePolicy
	keyEntries
)

// ScopeRecord is a decoded scope record.
type ScopeRecord struct {
	SchemaTag        string  `json:"schema_tag" yaml:"schema_tag"`
	Version          uint64  `json:"version" yaml:"version"`
	Base             string  `json:"base_revision" yaml:"base_revision"`
	Head             string  `json:"head_revision" yaml:"head_revision"`
	IgnorePolicyHash string  `json:"ignore_policy_hash" yaml:"ignore_policy_hash"`
	Entries          []Entry `json:"entries" yaml:"entries"`
}

// BuildScopeRecord encodes entries with the revision pair and ignore policy
// hash. Entries may arrive in any order; the output depends only on the set.
func BuildScopeRecord(entries []Entry, base, head, ignorePolicyHash string) ([]byte, error) {
	sorted, err := SortEntries(entries)
	if err != nil {
		return nil, err
	}

	items := make([][]byte, len(sorted))
	for i, e := range sorted {
		if items[i], err = encodeEntry(e, true); err != nil {
			return nil, err
		}
	}
	list, err := canon.EncodeArray(items...)
	if err != nil {
		return nil, sizeError("entries", err)
	}

	fields := []canon.Field{{Key: keyEntries, Value: list}}
	for _, s := range []struct {
		key uint64
		val string
	}{
		{keySchemaTag, SchemaTag},
		{keyBase, base},
		{keyHead, head},
		{keyIgnorePolicy, ignorePolicyHash},
	} {
		b, err := canon.EncodeString(s.val)
		if err != nil {
			return nil, sizeError("scope record", err)
		}
		fields = append(fields, canon.Field{Key: s.key, Value: b})
	}
	version, err := canon.EncodeUint(FormatVersion)
	if err != nil {
		return nil, sizeError("scope record", err)
	}
	fields = append(fields, canon.Field{Key: keyVersion, Value: version})

	out, err := canon.EncodeMap(fields...)
	if err != nil {
		return nil, sizeError("scope record", err)
	}
	return out, nil
}

// encodeEntry encodes [path, kind, executable, content_hash] and, for the
// scope record form, the size.
func encodeEntry(e Entry, withSize bool) ([]byte, error) {
	path, err := canon.EncodeString(e.Path)
	if err != nil {
		return nil, sizeError(e.Path, err)
	}
	kind, err := canon.EncodeUint(uint64(e.Kind))
	if err != nil {
		return nil, sizeError(e.Path, err)
	}
	hash, err := canon.EncodeString(e.ContentHash)
	if err != nil {
		return nil, sizeError(e.Path, err)
	}
	items := [][]byte{path, kind, canon.EncodeBool(e.Executable), hash}
	if withSize {
		size, err := canon.EncodeUint(e.Size)
		if err != nil {
			return nil, sizeError(e.Path, err)
		}
		items = append(items, size)
	}
	out, err := canon.EncodeArray(items...)
	if err != nil {
		return nil, sizeError(e.Path, err)
	}
	return out, nil
}

func sizeError(what string, err error) error {
	return errclass.ErrValidation.WithMessagef("encode %s", what).Wrap(err)
}

// ScopeRecordHash is SHA-256 over the exact scope record bytes.
func ScopeRecordHash(record []byte) canon.ContentHash {
	return canon.Hash(record)
}

type wireRecord struct {
	SchemaTag        string      `cbor:"1,keyasint"`
	Base             string      `cbor:"2,keyasint"`
	Head             string      `cbor:"3,keyasint"`
	Version          uint64      `cbor:"4,keyasint"`
	IgnorePolicyHash string      `cbor:"5,keyasint"`
	Entries          []wireEntry `cbor:"6,keyasint"`
}

type wireEntry struct {
	_           struct{} `cbor:",toarray"`
	Path        string
	Kind        uint64
	Executable  bool
	ContentHash string
	Size        uint64
}

// DecodeScopeRecord parses record and checks that it is exactly the
// canonical encoding of what it contains. Anything else, including a
// well-formed record with reordered entries or extra keys, is
// E_CORRUPTION.
func DecodeScopeRecord(record []byte) (ScopeRecord, error) {
	var w wireRecord
	if err := canon.Unmarshal(record, &w); err != nil {
		return ScopeRecord{}, errclass.ErrCorruption.WithMessage("decode scope record").Wrap(err)
	}
	if w.SchemaTag != SchemaTag || w.Version != FormatVersion {
		return ScopeRecord{}, errclass.ErrCorruption.
			WithMessagef("unsupported scope record %q version %d", w.SchemaTag, w.Version).
			With("schema_tag", w.SchemaTag)
	}

	sr := ScopeRecord{
		SchemaTag:        w.SchemaTag,
		Version:          w.Version,
		Base:             w.Base,
		Head:             w.Head,
		IgnorePolicyHash: w.IgnorePolicyHash,
		Entries:          make([]Entry, len(w.Entries)),
	}
	for i, we := range w.Entries {
		if we.Kind > uint64(KindSymlink) {
			return ScopeRecord{}, errclass.ErrCorruption.
				WithMessagef("entry %s has unknown kind %d", we.Path, we.Kind).
				With("path", we.Path)
		}
		sr.Entries[i] = Entry{
			Path:        we.Path,
			Kind:        Kind(we.Kind),
			Executable:  we.Executable,
			ContentHash: we.ContentHash,
			Size:        we.Size,
		}
	}

	again, err := BuildScopeRecord(sr.Entries, sr.Base, sr.Head, sr.IgnorePolicyHash)
	if err != nil {
		return ScopeRecord{}, errclass.ErrCorruption.WithMessage("scope record entries").Wrap(err)
	}
	if !bytes.Equal(again, record) {
		return ScopeRecord{}, errclass.ErrCorruption.WithMessage("scope record is not in canonical form")
	}
	return sr, nil
}
