package canon

import (
	"encoding/hex"
	"math"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeUint(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "00"},
		{1, "01"},
		{23, "17"},
		{24, "1818"},
		{255, "18ff"},
		{256, "190100"},
		{65535, "19ffff"},
		{65536, "1a00010000"},
		{math.MaxUint32, "1affffffff"},
	}

	for _, tt := range tests {
		got, err := EncodeUint(tt.in)
		require.NoError(t, err, "EncodeUint(%d)", tt.in)
		assert.Equal(t, tt.want, hex.EncodeToString(got), "EncodeUint(%d)", tt.in)
	}
}

func TestEncodeUint_SizeClass(t *testing.T) {
	_, err := EncodeUint(math.MaxUint32 + 1)
	require.ErrorIs(t, err, ErrSizeClass)
}

func TestEncodeString(t *testing.T) {
	got, err := EncodeString("")
	require.NoError(t, err)
	assert.Equal(t, "60", hex.EncodeToString(got))

	got, err = EncodeString("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "65612e747874", hex.EncodeToString(got))

	long := strings.Repeat("x", 24)
	got, err = EncodeString(long)
	require.NoError(t, err)
	assert.Equal(t, "7818"+hex.EncodeToString([]byte(long)), hex.EncodeToString(got))
}

func TestEncodeString_RejectsInvalidUTF8(t *testing.T) {
	_, err := EncodeString("bad\xffname.txt")
	require.ErrorIs(t, err, ErrInvalidUTF8)

	var out string
	require.Error(t, Unmarshal([]byte{0x61, 0xff}, &out), "the decoder refuses the same bytes")
}

func TestEncodeBool(t *testing.T) {
	assert.Equal(t, []byte{0xf5}, EncodeBool(true))
	assert.Equal(t, []byte{0xf4}, EncodeBool(false))
}

func TestEncodeArray(t *testing.T) {
	one, _ := EncodeUint(1)
	two, _ := EncodeUint(2)

	got, err := EncodeArray(one, two)
	require.NoError(t, err)
	assert.Equal(t, "820102", hex.EncodeToString(got))

	got, err = EncodeArray()
	require.NoError(t, err)
	assert.Equal(t, "80", hex.EncodeToString(got))

	_, err = EncodeArray(one, nil)
	require.Error(t, err)
}

func TestEncodeMap_KeysAscending(t *testing.T) {
	a, _ := EncodeString("a")
	b, _ := EncodeString("b")

	got, err := EncodeMap(Field{Key: 2, Value: b}, Field{Key: 1, Value: a})
	require.NoError(t, err)
	assert.Equal(t, "a2016161026162", hex.EncodeToString(got))
}

func TestEncodeMap_DuplicateKey(t *testing.T) {
	a, _ := EncodeString("a")
	_, err := EncodeMap(Field{Key: 1, Value: a}, Field{Key: 1, Value: a})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate map key 1")
}

func TestUnmarshal_RejectsIndefiniteLength(t *testing.T) {
	// 0x9f ... 0xff is an indefinite-length array.
	var v []uint64
	err := Unmarshal([]byte{0x9f, 0x01, 0xff}, &v)
	require.Error(t, err)
}

func TestWellformed(t *testing.T) {
	require.NoError(t, Wellformed([]byte{0x82, 0x01, 0x02}))
	require.Error(t, Wellformed([]byte{0x82, 0x01}))
}

func TestEncodeDeterminism_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("string arrays encode identically twice", prop.ForAll(
		func(words []string) bool {
			encodeAll := func() []byte {
				items := make([][]byte, len(words))
				for i, w := range words {
					b, err := EncodeString(w)
					if err != nil {
						return nil
					}
					items[i] = b
				}
				out, err := EncodeArray(items...)
				if err != nil {
					return nil
				}
				return out
			}
			first := encodeAll()
			second := encodeAll()
			return first != nil && string(first) == string(second)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("uint headers are shortest form", prop.ForAll(
		func(v uint32) bool {
			b, err := EncodeUint(uint64(v))
			if err != nil {
				return false
			}
			switch {
			case v < 24:
				return len(b) == 1
			case v <= math.MaxUint8:
				return len(b) == 2
			case v <= math.MaxUint16:
				return len(b) == 3
			default:
				return len(b) == 5
			}
		},
		gen.UInt32(),
	))

	properties.TestingRun(t)
}
