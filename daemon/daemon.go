// Package daemon runs the event loop and coordinates shutdown.
package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/jnesss/spycy/connector"
)

// Source yields process lifecycle events. Close must unblock a pending Next,
// which then returns connector.ErrClosed.
type Source interface {
	Next() (connector.Event, error)
	Close() error
}

// Handler applies events and drains live state at shutdown.
type Handler interface {
	Handle(ctx context.Context, ev connector.Event) error
	Drain(ctx context.Context) error
}

// Daemon owns the event source, the aggregator and the storage handle for
// the lifetime of the process.
type Daemon struct {
	source  Source
	handler Handler
	store   io.Closer
	logger  *zap.Logger
	exit    func(code int)

	mu           sync.Mutex
	state        State
	busy         bool
	shouldClose  bool
	sourceClosed bool
	code         int
	done         chan struct{}
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithExit replaces os.Exit as the final step of a completed shutdown.
func WithExit(fn func(code int)) Option {
	return func(d *Daemon) {
		d.exit = fn
	}
}

// New creates a daemon in the Running state
func New(source Source, handler Handler, store io.Closer, logger *zap.Logger, opts ...Option) *Daemon {
	d := &Daemon{
		source:  source,
		handler: handler,
		store:   store,
		logger:  logger,
		exit:    os.Exit,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run receives and handles events until the source is closed or a fatal
// error occurs. Canceling ctx requests a clean shutdown. Handling is done on
// a context that is never canceled so a write in progress always completes.
func (d *Daemon) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		d.logger.Info("context canceled, shutting down")
		d.Terminate(ExitOK)
	})
	defer stop()

	work := context.WithoutCancel(ctx)

	for {
		ev, err := d.source.Next()
		if err != nil {
			if errors.Is(err, connector.ErrClosed) {
				return nil
			}
			d.logger.Error("event source failed", zap.Error(err))
			d.Terminate(ExitRuntime)
			return err
		}

		if !d.enter() {
			return nil
		}
		err = d.handler.Handle(work, ev)
		pending := d.leave()

		if err != nil {
			d.logger.Error("failed to handle event",
				zap.Stringer("kind", ev.Kind),
				zap.Uint32("pid", ev.PID),
				zap.Error(err))
			d.Terminate(ExitRuntime)
			return err
		}

		if pending {
			d.Terminate(ExitOK)
		}
	}
}

// enter marks the run loop busy with one event. It fails once shutdown has
// started.
func (d *Daemon) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != Running {
		return false
	}
	d.busy = true
	return true
}

// leave clears the busy flag and reports whether a shutdown was deferred
// while the event was handled.
func (d *Daemon) leave() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.busy = false
	return d.shouldClose
}

// State returns the current shutdown state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed once shutdown has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}
