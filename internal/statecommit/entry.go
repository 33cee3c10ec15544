package statecommit

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/roach88/keel/internal/errclass"
)

// Kind distinguishes regular files from symbolic links.
type Kind uint8

const (
	KindFile    Kind = 0
	KindSymlink Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k > KindSymlink {
		return nil, fmt.Errorf("unknown entry kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "file":
		*k = KindFile
	case "symlink":
		*k = KindSymlink
	default:
		return fmt.Errorf("unknown entry kind %q", text)
	}
	return nil
}

// Entry is the committed state of one path at the head revision.
type Entry struct {
	Path       string `json:"path" yaml:"path"`
	Kind       Kind   `json:"kind" yaml:"kind"`
	Executable bool   `json:"executable" yaml:"executable"`
	// ContentHash is the lowercase hex SHA-256 of the blob bytes. For a
	// symlink the blob is the link target.
	ContentHash string `json:"content_hash" yaml:"content_hash"`
	Size        uint64 `json:"size" yaml:"size"`
}

// SortEntries returns a copy of entries ordered by the bytes of their
// paths. Duplicate paths and unknown kinds are E_VALIDATION.
func SortEntries(entries []Entry) ([]Entry, error) {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })

	for i, e := range sorted {
		if e.Path == "" {
			return nil, errclass.ErrValidation.WithMessage("entry has an empty path")
		}
		if !utf8.ValidString(e.Path) {
			return nil, errclass.ErrValidation.
				WithMessagef("entry path %q is not valid UTF-8", e.Path).
				With("path", fmt.Sprintf("%q", e.Path))
		}
		if e.Kind > KindSymlink {
			return nil, errclass.ErrValidation.
				WithMessagef("entry %s has unknown kind %d", e.Path, e.Kind).
				With("path", e.Path)
		}
		if i > 0 && sorted[i-1].Path == e.Path {
			return nil, errclass.ErrValidation.
				WithMessagef("duplicate entry %s", e.Path).
				With("path", e.Path)
		}
	}
	return sorted, nil
}
