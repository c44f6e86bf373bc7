package transport_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/ppplink/pkg/transport"
)

func TestPipeSendRecv(t *testing.T) {
	p := transport.NewPipe(4)

	require.NoError(t, p.Deliver([]byte{0xc0, 0x21, 0x01}))
	got, err := p.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0, 0x21, 0x01}, got)

	require.NoError(t, p.Send([]byte{0xc0, 0x21, 0x02}))
	out, err := p.Outbound()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0, 0x21, 0x02}, out)

	c := p.Counters(net.ParseIP("10.0.0.2"))
	assert.Equal(t, uint64(1), c.InPackets)
	assert.Equal(t, uint64(1), c.OutPackets)
	assert.Equal(t, uint64(3), c.InOctets)
	assert.Equal(t, uint64(3), c.OutOctets)
}

func TestPipeTerminateUnblocksRecv(t *testing.T) {
	p := transport.NewPipe(1)
	require.NoError(t, p.Terminate())

	_, err := p.Recv()
	assert.ErrorIs(t, err, transport.ErrClosed)

	err = p.Send([]byte{1})
	assert.ErrorIs(t, err, transport.ErrClosed)

	err = p.Deliver([]byte{1})
	assert.ErrorIs(t, err, transport.ErrClosed)
}
