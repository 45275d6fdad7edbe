package connector

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jnesss/spycy/telemetry"
)

// kernelPortID is the netlink port id of datagrams sent by the kernel.
const kernelPortID = 0

// notKernel is reported by a packetConn for senders that are not netlink
// addresses at all.
const notKernel = ^uint32(0)

const ackTimeout = time.Second

var (
	// ErrClosed is returned by Next once the reader has been closed.
	ErrClosed = errors.New("connector: reader closed")

	// errOverrun means the socket receive queue overflowed and the kernel
	// dropped messages.
	errOverrun = errors.New("connector: receive queue overrun")
)

// packetConn is the datagram transport underneath a Reader. On Linux it is a
// netlink socket; tests substitute an in-memory implementation.
type packetConn interface {
	ReadFrom(b []byte) (n int, portID uint32, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Reader yields process exec and exit events in arrival order.
type Reader struct {
	conn    packetConn
	buf     []byte
	pending []Event
	seq     SequenceTracker
	logger  *zap.Logger

	awaitingAck bool
	ack         *Event

	closeOnce sync.Once
	closeErr  error
}

func newReader(conn packetConn, logger *zap.Logger) *Reader {
	return &Reader{
		conn:   conn,
		buf:    make([]byte, os.Getpagesize()),
		logger: logger,
	}
}

// Next blocks until an exec or exit event is available.
func (r *Reader) Next() (Event, error) {
	for len(r.pending) == 0 {
		if err := r.fill(); err != nil {
			return Event{}, err
		}
	}

	ev := r.pending[0]
	r.pending = r.pending[1:]
	return ev, nil
}

// Close releases the socket. It is safe to call more than once and unblocks
// a concurrent Next.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

// fill reads a single datagram and queues the events it carries.
func (r *Reader) fill() error {
	n, from, err := r.conn.ReadFrom(r.buf)
	if err != nil {
		if errors.Is(err, errOverrun) {
			telemetry.ReceiveOverruns.Inc()
			r.logger.Warn("kernel dropped process events, receive queue overrun")
			return nil
		}
		return err
	}

	if from != kernelPortID || n < 1 {
		return nil
	}

	events, err := Decode(r.buf[:n])
	if err != nil {
		telemetry.MalformedFrames.Inc()
		r.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("size", n))
	}

	for i := range events {
		ev := events[i]

		if ev.What == ProcEventNone {
			if r.awaitingAck {
				r.ack = &ev
			}
			continue
		}

		if gap, expected := r.seq.Observe(ev.CPU, ev.Seq); gap {
			telemetry.SequenceGaps.Inc()
			r.logger.Warn("out of order message",
				zap.Uint32("cpu", ev.CPU),
				zap.Uint32("seq", ev.Seq),
				zap.Uint32("expected", expected))
		}

		if ev.Kind == KindNone {
			continue
		}

		telemetry.Events.WithLabelValues(ev.Kind.String()).Inc()
		r.pending = append(r.pending, ev)
	}

	return nil
}

// awaitAck waits for the kernel to acknowledge the LISTEN request. Kernels
// that send no acknowledgement within the timeout are trusted; an
// acknowledgement carrying an errno is a refusal.
func (r *Reader) awaitAck(timeout time.Duration) error {
	if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return &ChannelError{Op: "set deadline", Err: err}
	}
	defer func() {
		if err := r.conn.SetReadDeadline(time.Time{}); err != nil {
			r.logger.Warn("failed to clear read deadline", zap.Error(err))
		}
	}()

	r.awaitingAck = true
	defer func() { r.awaitingAck = false }()

	for r.ack == nil {
		if err := r.fill(); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				r.logger.Warn("no acknowledgement for listen request, continuing", zap.Duration("timeout", timeout))
				return nil
			}
			return &ChannelError{Op: "acknowledge", Err: err}
		}
	}

	ack := *r.ack
	r.ack = nil
	if ack.AckErr != 0 {
		return &ChannelError{Op: "listen", Err: syscall.Errno(ack.AckErr)}
	}

	r.logger.Debug("listen request acknowledged")
	return nil
}
