package ppp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIpcpOptionRoundTrip(t *testing.T) {
	want := NewIpcpAddress(0x0a000001)
	enc, err := want.Encode()
	require.NoError(t, err)
	got := DecodeIpcpOptions(enc)
	require.Len(t, got, 1)
	assert.True(t, want.Equal(got[0]))
}

func TestIpcpOptionRawPassthrough(t *testing.T) {
	want := NewIpcpRaw(IpcpOptPrimaryDns, []byte{8, 8, 8, 8})
	enc, err := want.Encode()
	require.NoError(t, err)
	got := DecodeIpcpOptions(enc)
	require.Len(t, got, 1)
	assert.Equal(t, IpcpOptPrimaryDns, got[0].Type)
	assert.Equal(t, []byte{8, 8, 8, 8}, got[0].Raw)
}

func TestIpcpOptionSchemaMismatchDegradesToRaw(t *testing.T) {
	data := []byte{byte(IpcpOptIpAddress), 5, 1, 2, 3}
	got := DecodeIpcpOptions(data)
	require.Len(t, got, 1)
	assert.Equal(t, IpcpOptIpAddress, got[0].Type)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Raw)
}

func TestIpcpOptionsListRoundTrip(t *testing.T) {
	want := []IpcpOption{
		NewIpcpAddress(0x0a000002),
		NewIpcpRaw(IpcpOptSecondaryDns, []byte{4, 4, 4, 4}),
	}
	enc, err := EncodeIpcpOptions(want)
	require.NoError(t, err)
	got := DecodeIpcpOptions(enc)
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]))
	}
}

func TestDecodeIpcpOptionsZeroLengthStopsWithoutPanic(t *testing.T) {
	data := []byte{byte(IpcpOptIpAddress), 0, 1, 2}
	got := DecodeIpcpOptions(data)
	require.Len(t, got, 1)
	assert.Equal(t, data, got[0].Raw)
}
