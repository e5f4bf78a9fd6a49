package biblesync

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfaceForIPUnknownReturnsNil(t *testing.T) {
	assert.Nil(t, interfaceForIP(net.ParseIP("203.0.113.1")))
}

func TestMulticastSocketsRecvOneDoesNotBlockOnLoopback(t *testing.T) {
	// Opens both sockets on the loopback interface (the group is joined
	// there) and sends nothing; only the non-blocking recvOne contract
	// (spec §5: never wait for network I/O) is under test here, not
	// datagram framing or kernel multicast routing.
	group := net.ParseIP("239.225.27.227")
	sockets, err := openMulticastSockets(group, 0, net.ParseIP("127.0.0.1"), 1, true)
	require.NoError(t, err)
	defer sockets.close()

	buf := make([]byte, 64)
	_, _, ok := sockets.recvOne(buf)
	assert.False(t, ok, "recvOne must not block when nothing is pending")
}
