package ppp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionRoundTrip(t *testing.T) {
	cases := []Option{
		NewMru(1492),
		NewAsyncMap(0xdeadbeef),
		NewAuth(AuthProto{Kind: AuthPap}),
		NewAuth(AuthProto{Kind: AuthChap, MdType: MdMd5}),
		NewMagic(0x11223344),
		NewPfc(),
		NewAcfc(),
	}
	for _, want := range cases {
		enc, err := want.Encode()
		require.NoError(t, err)
		got := DecodeOptions(enc)
		require.Len(t, got, 1)
		assert.True(t, want.Equal(got[0]), "%v != %v", want, got[0])
	}
}

func TestOptionListRoundTrip(t *testing.T) {
	want := []Option{
		NewMru(1500),
		NewMagic(0x1),
		NewAuth(AuthProto{Kind: AuthPap}),
	}
	enc, err := EncodeOptions(want)
	require.NoError(t, err)
	got := DecodeOptions(enc)
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]))
	}
}

func TestEncodeOptionsIsConcatenation(t *testing.T) {
	l1 := []Option{NewMru(1500)}
	l2 := []Option{NewMagic(7)}
	whole, err := EncodeOptions(append(append([]Option{}, l1...), l2...))
	require.NoError(t, err)

	e1, err := EncodeOptions(l1)
	require.NoError(t, err)
	e2, err := EncodeOptions(l2)
	require.NoError(t, err)

	assert.Equal(t, append(append([]byte{}, e1...), e2...), whole)
}

func TestEncodedOptionLengthByte(t *testing.T) {
	enc, err := NewMru(1500).Encode()
	require.NoError(t, err)
	require.Len(t, enc, 4)
	assert.Equal(t, byte(4), enc[1], "length byte must be payload+2")
}

func TestUnknownOptionRoundTripsAsRaw(t *testing.T) {
	raw := NewRaw(99, []byte{1, 2, 3})
	enc, err := raw.Encode()
	require.NoError(t, err)
	got := DecodeOptions(enc)
	require.Len(t, got, 1)
	assert.Equal(t, OptionType(99), got[0].Type)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Raw)
}

func TestSchemaMismatchDegradesToRaw(t *testing.T) {
	// Mru's schema is exactly 2 payload bytes; feed it 3.
	data := []byte{byte(OptMru), 5, 0xaa, 0xbb, 0xcc}
	got := DecodeOptions(data)
	require.Len(t, got, 1)
	assert.Equal(t, OptMru, got[0].Type)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, got[0].Raw)
}

func TestDecodeOptionsZeroLengthStopsWithoutPanic(t *testing.T) {
	data := []byte{byte(OptMru), 0, 1, 2, 3}
	got := DecodeOptions(data)
	require.Len(t, got, 1)
	assert.Equal(t, data, got[0].Raw)
}

func TestDecodeOptionsLengthOneStopsWithoutPanic(t *testing.T) {
	data := []byte{byte(OptMagic), 1, 9, 9}
	got := DecodeOptions(data)
	require.Len(t, got, 1)
	assert.Equal(t, data, got[0].Raw)
}

func TestDecodeOptionsTruncatedTrailerIsRaw(t *testing.T) {
	got := DecodeOptions([]byte{byte(OptMru)})
	require.Len(t, got, 1)
	assert.Equal(t, []byte{byte(OptMru)}, got[0].Raw)
}

func TestDecodeOptionsEmpty(t *testing.T) {
	assert.Empty(t, DecodeOptions(nil))
}
