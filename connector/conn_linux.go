//go:build linux

package connector

import (
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const receiveBufferSize = 1 << 20

// netlinkConn adapts a non-blocking netlink socket to the runtime poller so
// that Close unblocks a pending receive.
type netlinkConn struct {
	f      *os.File
	rc     syscall.RawConn
	portID uint32
	closed atomic.Bool
}

func (c *netlinkConn) ReadFrom(b []byte) (int, uint32, error) {
	var (
		n    int
		from unix.Sockaddr
		rerr error
	)

	err := c.rc.Read(func(fd uintptr) bool {
		n, from, rerr = unix.Recvfrom(int(fd), b, 0)
		return rerr != unix.EAGAIN
	})
	if err != nil {
		// the raw conn reports "use of closed file", not os.ErrClosed
		if c.closed.Load() || errors.Is(err, os.ErrClosed) {
			return 0, 0, ErrClosed
		}
		return 0, 0, err
	}
	if rerr != nil {
		if rerr == unix.ENOBUFS {
			return 0, 0, errOverrun
		}
		return 0, 0, os.NewSyscallError("recvfrom", rerr)
	}

	sa, ok := from.(*unix.SockaddrNetlink)
	if !ok {
		return n, notKernel, nil
	}
	return n, sa.Pid, nil
}

func (c *netlinkConn) send(b []byte) error {
	var serr error
	err := c.rc.Write(func(fd uintptr) bool {
		serr = unix.Sendto(int(fd), b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
		return serr != unix.EAGAIN
	})
	if err != nil {
		return err
	}
	if serr != nil {
		return os.NewSyscallError("sendto", serr)
	}
	return nil
}

func (c *netlinkConn) SetReadDeadline(t time.Time) error {
	return c.f.SetReadDeadline(t)
}

// Close tells the kernel we stop listening, then releases the socket. The
// socket is released even when the IGNORE request cannot be sent.
func (c *netlinkConn) Close() error {
	var ignoreErr error
	if err := c.send(IgnoreFrame(c.portID)); err != nil {
		ignoreErr = &ChannelError{Op: "ignore", Err: err}
	}
	c.closed.Store(true)
	return errors.Join(ignoreErr, c.f.Close())
}

// newNetlinkConn hands a non-blocking socket to the runtime poller.
func newNetlinkConn(fd int, portID uint32) (*netlinkConn, error) {
	f := os.NewFile(uintptr(fd), "netlink-connector")
	rc, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &netlinkConn{f: f, rc: rc, portID: portID}, nil
}

// Dial subscribes to the kernel process events connector. It requires
// CAP_NET_ADMIN in the initial user namespace.
func Dial(logger *zap.Logger) (*Reader, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, &ChannelError{Op: "socket", Err: err}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, receiveBufferSize); err != nil {
		logger.Debug("failed to raise receive buffer", zap.Error(err))
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: CNIdxProc}); err != nil {
		unix.Close(fd)
		return nil, &ChannelError{Op: "bind", Err: err}
	}

	var portID uint32
	if sa, err := unix.Getsockname(fd); err == nil {
		if nl, ok := sa.(*unix.SockaddrNetlink); ok {
			portID = nl.Pid
		}
	}

	conn, err := newNetlinkConn(fd, portID)
	if err != nil {
		return nil, &ChannelError{Op: "poller", Err: err}
	}

	if err := conn.send(ListenFrame(portID)); err != nil {
		conn.f.Close()
		return nil, &ChannelError{Op: "send", Err: err}
	}

	r := newReader(conn, logger)
	if err := r.awaitAck(ackTimeout); err != nil {
		r.Close()
		return nil, err
	}

	logger.Info("subscribed to process events", zap.Uint32("port_id", portID))
	return r, nil
}
