package canon

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// MaxArgument is the largest header argument (integer value or length)
// accepted by the encoder.
const MaxArgument = math.MaxUint32

// ErrSizeClass is returned when a value does not fit the header budget.
var ErrSizeClass = errors.New("value exceeds encoder size class")

// ErrInvalidUTF8 is returned for a text string the decoder would reject.
var ErrInvalidUTF8 = errors.New("text string is not valid UTF-8")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("canon: build encode mode: %v", err))
	}
	encMode = em

	dm, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		TagsMd:      cbor.TagsForbidden,
		UTF8:        cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canon: build decode mode: %v", err))
	}
	decMode = dm
}

// EncodeUint encodes an unsigned integer in its shortest form.
func EncodeUint(v uint64) ([]byte, error) {
	if v > MaxArgument {
		return nil, fmt.Errorf("uint %d: %w", v, ErrSizeClass)
	}
	return encMode.Marshal(v)
}

// EncodeString encodes s as a text string. Invalid UTF-8 is refused, since
// Unmarshal could never read it back.
func EncodeString(s string) ([]byte, error) {
	if uint64(len(s)) > MaxArgument {
		return nil, fmt.Errorf("string of %d bytes: %w", len(s), ErrSizeClass)
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("string %q: %w", s, ErrInvalidUTF8)
	}
	return encMode.Marshal(s)
}

// EncodeBool encodes a boolean. Booleans have no length and cannot fail.
func EncodeBool(b bool) []byte {
	if b {
		return []byte{0xf5}
	}
	return []byte{0xf4}
}

// EncodeArray wraps already-encoded items in a definite-length array.
// Items are copied verbatim, so each must itself be a canonical item.
func EncodeArray(items ...[]byte) ([]byte, error) {
	if uint64(len(items)) > MaxArgument {
		return nil, fmt.Errorf("array of %d items: %w", len(items), ErrSizeClass)
	}
	raw := make([]cbor.RawMessage, len(items))
	for i, item := range items {
		if len(item) == 0 {
			return nil, fmt.Errorf("array item %d: empty encoding", i)
		}
		raw[i] = item
	}
	return encMode.Marshal(raw)
}

// Field is one entry of an integer-keyed map.
type Field struct {
	Key   uint64
	Value []byte
}

// EncodeMap encodes fields as a map with integer keys in ascending order.
// Duplicate keys are rejected.
func EncodeMap(fields ...Field) ([]byte, error) {
	if uint64(len(fields)) > MaxArgument {
		return nil, fmt.Errorf("map of %d fields: %w", len(fields), ErrSizeClass)
	}
	m := make(map[uint64]cbor.RawMessage, len(fields))
	for _, f := range fields {
		if f.Key > MaxArgument {
			return nil, fmt.Errorf("map key %d: %w", f.Key, ErrSizeClass)
		}
		if _, dup := m[f.Key]; dup {
			return nil, fmt.Errorf("duplicate map key %d", f.Key)
		}
		if len(f.Value) == 0 {
			return nil, fmt.Errorf("map key %d: empty encoding", f.Key)
		}
		m[f.Key] = f.Value
	}
	return encMode.Marshal(m)
}

// Marshal encodes a Go value with the canonical options. It is intended
// for struct types tagged with `cbor:"N,keyasint"` or `cbor:",toarray"`.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data strictly: indefinite lengths, tags, duplicate
// keys and invalid UTF-8 are rejected.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Wellformed reports whether data is exactly one well-formed item.
func Wellformed(data []byte) error {
	return decMode.Wellformed(data)
}
