//go:build linux

package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketPair returns a netlinkConn over one end of a unix datagram pair and
// the raw fd of the other end. Netlink destinations are rejected by a unix
// socket, so every send on the conn fails.
func socketPair(t *testing.T) (*netlinkConn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	conn, err := newNetlinkConn(fds[0], 42)
	require.NoError(t, err)
	return conn, fds[1]
}

func TestNetlinkConnCloseReportsIgnoreFailure(t *testing.T) {
	conn, _ := socketPair(t)

	err := conn.Close()
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "ignore", chErr.Op)

	// the socket is released regardless
	_, _, err = conn.ReadFrom(make([]byte, 16))
	require.ErrorIs(t, err, ErrClosed)
}

func TestNetlinkConnReadFromNonNetlinkSender(t *testing.T) {
	conn, peer := socketPair(t)
	defer conn.Close()

	_, err := unix.Write(peer, []byte{1, 2, 3})
	require.NoError(t, err)

	b := make([]byte, 16)
	n, from, err := conn.ReadFrom(b)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, notKernel, from)
}

func TestNetlinkConnCloseUnblocksRead(t *testing.T) {
	conn, _ := socketPair(t)

	done := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadFrom(make([]byte, 16))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not return after close")
	}
}
