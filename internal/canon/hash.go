package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ContentHash is a SHA-256 digest over exact encoded bytes.
type ContentHash [sha256.Size]byte

// EmptyHash is the digest of the empty byte string.
var EmptyHash = Hash(nil)

// Hash returns the content hash of b.
func Hash(b []byte) ContentHash {
	return sha256.Sum256(b)
}

// Hex returns the lowercase hex form of the digest.
func (h ContentHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h ContentHash) String() string {
	return h.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-character hex digest. Upper-case input is accepted
// and normalized.
func ParseHash(s string) (ContentHash, error) {
	var h ContentHash
	if len(s) != hex.EncodedLen(sha256.Size) {
		return h, fmt.Errorf("hash %q: want %d hex characters, got %d", s, hex.EncodedLen(sha256.Size), len(s))
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return h, fmt.Errorf("hash %q: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}
