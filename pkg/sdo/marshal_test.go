package sdo

import (
	"testing"

	"github.com/go-canopen/sdo/pkg/od"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMarshalRoundTrip covers the Value Marshaller contract of spec.md §4.2:
// encode-then-decode is the identity for every fixed-width numeric type.
func TestMarshalRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		typ  uint8
		in   any
	}{
		{"bool", od.BOOLEAN, true},
		{"int8", od.INTEGER8, int8(-12)},
		{"int16", od.INTEGER16, int16(-1234)},
		{"int24", od.INTEGER24, int64(-8388608)},
		{"int32", od.INTEGER32, int32(-123456789)},
		{"int40", od.INTEGER40, int64(-549755813888)},
		{"int48", od.INTEGER48, int64(-140737488355328)},
		{"int56", od.INTEGER56, int64(-36028797018963968)},
		{"int64", od.INTEGER64, int64(-1234567890123456)},
		{"uint8", od.UNSIGNED8, uint8(200)},
		{"uint16", od.UNSIGNED16, uint16(60000)},
		{"uint24", od.UNSIGNED24, uint64(0xFFEEDD)},
		{"uint32", od.UNSIGNED32, uint32(0xDEADBEEF)},
		{"uint40", od.UNSIGNED40, uint64(0xFFEEDDCCBB)},
		{"uint48", od.UNSIGNED48, uint64(0xFFEEDDCCBBAA)},
		{"uint56", od.UNSIGNED56, uint64(0xFFEEDDCCBBAA99)},
		{"uint64", od.UNSIGNED64, uint64(0xFFEEDDCCBBAA9988)},
		{"real32", od.REAL32, float32(3.25)},
		{"real64", od.REAL64, float64(3.14159265)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			encoded, err := encodeValue(c.in, c.typ)
			require.NoError(t, err)
			decoded, err := decodeValue(encoded, c.typ)
			require.NoError(t, err)
			assert.EqualValues(t, c.in, decoded)
		})
	}
}

func TestMarshalVariableLengthTypes(t *testing.T) {
	for _, length := range []int{1, 4, 7, 8, 127, 128, 1000} {
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(i)
		}
		encoded, err := encodeValue(data, od.DOMAIN)
		require.NoError(t, err)
		decoded, err := decodeValue(encoded, od.DOMAIN)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	}
}

func TestMarshalVisibleString(t *testing.T) {
	encoded, err := encodeValue("hello sdo!", od.VISIBLE_STRING)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello sdo!"), encoded)
	decoded, err := decodeValue(encoded, od.VISIBLE_STRING)
	require.NoError(t, err)
	assert.Equal(t, "hello sdo!", decoded)
}

func TestMarshalRejectsWrongGoType(t *testing.T) {
	_, err := encodeValue("not a number", od.UNSIGNED32)
	assert.Error(t, err)
}
