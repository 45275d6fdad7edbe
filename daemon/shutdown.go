package daemon

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jnesss/spycy/database"
)

// Process exit codes
const (
	ExitOK      = 0
	ExitStartup = 1
	ExitRuntime = 2
)

// State is a step of the shutdown state machine.
type State int

const (
	Running State = iota
	ShuttingDown
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting down"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminate shuts the daemon down with the given exit code. It may be called
// any number of times from any goroutine. The highest code requested wins.
//
// While the run loop is handling an event the shutdown is deferred: the event
// source is closed so no further events arrive, and the loop calls Terminate
// again once the event is done. Otherwise every live process is drained to
// storage, storage is closed and the exit function is called. A storage close
// that fails leaves the daemon shutting down; the next call retries it.
func (d *Daemon) Terminate(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Closed {
		return
	}
	if code > d.code {
		d.code = code
	}

	d.closeSource()

	if d.busy {
		d.logger.Info("event in progress, deferring shutdown")
		d.shouldClose = true
		return
	}

	if d.state == Running {
		d.state = ShuttingDown
		if err := d.handler.Drain(context.Background()); err != nil {
			d.logger.Error("failed to drain live processes", zap.Error(err))
			if d.code < ExitRuntime {
				d.code = ExitRuntime
			}
		}
	}

	if err := d.store.Close(); err != nil {
		d.shouldClose = true
		if errors.Is(err, database.ErrInterrupted) {
			d.logger.Warn("storage busy, close deferred", zap.Error(err))
		} else {
			d.logger.Error("failed to close storage", zap.Error(err))
		}
		return
	}

	d.shouldClose = false
	d.state = Closed
	close(d.done)

	d.logger.Info("shutdown complete", zap.Int("code", d.code))
	d.exit(d.code)
}

func (d *Daemon) closeSource() {
	if d.sourceClosed {
		return
	}
	d.sourceClosed = true
	if err := d.source.Close(); err != nil {
		d.logger.Warn("failed to close event source", zap.Error(err))
	}
}
