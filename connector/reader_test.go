package connector

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jnesss/spycy/telemetry"
)

type datagram struct {
	b    []byte
	from uint32
	err  error
}

// fakeConn is an in-memory packetConn fed through a channel.
type fakeConn struct {
	ch     chan datagram
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newFakeConn(grams ...datagram) *fakeConn {
	c := &fakeConn{
		ch:     make(chan datagram, len(grams)+8),
		closed: make(chan struct{}),
	}
	for _, g := range grams {
		c.ch <- g
	}
	return c
}

func fromKernel(b []byte) datagram {
	return datagram{b: b, from: kernelPortID}
}

func (c *fakeConn) ReadFrom(b []byte) (int, uint32, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timeout = time.After(time.Until(deadline))
	}

	select {
	case <-c.closed:
		return 0, 0, ErrClosed
	case g := <-c.ch:
		if g.err != nil {
			return 0, 0, g.err
		}
		return copy(b, g.b), g.from, nil
	case <-timeout:
		return 0, 0, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func TestReaderYieldsExecAndExit(t *testing.T) {
	conn := newFakeConn(
		fromKernel(execFrame(0, 1, 10, 100)),
		fromKernel(frame(ProcEventFork, 0, 2, 15, 100, 100, 101, 101)),
		fromKernel(exitFrame(0, 3, 20, 100, 100)),
	)
	r := newReader(conn, zaptest.NewLogger(t))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindExec, ev.Kind)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindExit, ev.Kind)
	assert.Equal(t, uint64(20), ev.Timestamp)
}

func TestReaderDropsNonKernelSenders(t *testing.T) {
	conn := newFakeConn(
		datagram{b: execFrame(0, 1, 10, 666), from: 4321},
		datagram{b: execFrame(0, 1, 10, 667), from: notKernel},
		fromKernel(nil),
		fromKernel(execFrame(0, 1, 10, 100)),
	)
	r := newReader(conn, zaptest.NewLogger(t))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), ev.PID)
}

func TestReaderSkipsMalformedDatagram(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn := newFakeConn(
		fromKernel(frame(ProcEventExec, 0, 1, 10, 100)),
		fromKernel(execFrame(0, 2, 20, 200)),
	)
	r := newReader(conn, zap.New(core))
	before := testutil.ToFloat64(telemetry.MalformedFrames)

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(200), ev.PID)
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed frame").Len())
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.MalformedFrames))
}

func TestReaderReportsSequenceGaps(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn := newFakeConn(
		fromKernel(execFrame(1, 5, 10, 100)),
		fromKernel(execFrame(1, 9, 20, 200)),
	)
	r := newReader(conn, zap.New(core))

	for _, pid := range []uint32{100, 200} {
		ev, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, pid, ev.PID)
	}

	gaps := logs.FilterMessage("out of order message").All()
	require.Len(t, gaps, 1)
	assert.EqualValues(t, 6, gaps[0].ContextMap()["expected"])
}

func TestReaderOverrunIsNotFatal(t *testing.T) {
	conn := newFakeConn(
		datagram{err: errOverrun},
		fromKernel(execFrame(0, 1, 10, 100)),
	)
	r := newReader(conn, zaptest.NewLogger(t))
	before := testutil.ToFloat64(telemetry.ReceiveOverruns)

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), ev.PID)
	assert.Equal(t, before+1, testutil.ToFloat64(telemetry.ReceiveOverruns))
}

func TestReaderReturnsTransportErrors(t *testing.T) {
	boom := errors.New("boom")
	r := newReader(newFakeConn(datagram{err: boom}), zaptest.NewLogger(t))

	_, err := r.Next()
	require.ErrorIs(t, err, boom)
}

func TestReaderCloseUnblocksNext(t *testing.T) {
	r := newReader(newFakeConn(), zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := r.Next()
		done <- err
	}()

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after Close")
	}

	require.NoError(t, r.Close())
}

func TestAwaitAckAccepted(t *testing.T) {
	conn := newFakeConn(
		fromKernel(execFrame(0, 1, 10, 100)),
		fromKernel(ackFrame(0)),
	)
	r := newReader(conn, zaptest.NewLogger(t))

	require.NoError(t, r.awaitAck(time.Second))

	// events that arrived ahead of the acknowledgement are kept
	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(100), ev.PID)
	assert.True(t, conn.deadline.IsZero())
}

func TestAwaitAckRefused(t *testing.T) {
	r := newReader(newFakeConn(fromKernel(ackFrame(uint32(syscall.EPERM)))), zaptest.NewLogger(t))

	err := r.awaitAck(time.Second)
	var chErr *ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, "listen", chErr.Op)
	assert.ErrorIs(t, err, syscall.EPERM)
}

func TestAwaitAckTimeoutContinues(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	r := newReader(newFakeConn(), zap.New(core))

	require.NoError(t, r.awaitAck(10*time.Millisecond))
	assert.Equal(t, 1, logs.FilterMessage("no acknowledgement for listen request, continuing").Len())
}

func TestAcksOutsideSubscriptionAreIgnored(t *testing.T) {
	conn := newFakeConn(
		fromKernel(ackFrame(0)),
		fromKernel(execFrame(0, 1, 10, 100)),
	)
	r := newReader(conn, zaptest.NewLogger(t))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, KindExec, ev.Kind)
	assert.Nil(t, r.ack)
}
