// Package usage turns process lifecycle events into per-executable elapsed
// time and decides when that time is committed to storage.
package usage

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/jnesss/spycy/connector"
	"github.com/jnesss/spycy/process"
	"github.com/jnesss/spycy/telemetry"
)

// Resolver supplies process metadata at exec time
type Resolver interface {
	Executable(pid uint32) (string, error)
	Owner(pid uint32) (uint32, error)
}

// Flusher commits an elapsed duration for an executable and owner
type Flusher interface {
	Flush(ctx context.Context, elapsed int64, exePath string, uid uint32) error
}

// Ignorer decides whether an executable should not be tracked at all
type Ignorer interface {
	Ignore(ctx context.Context, exePath string, uid uint32, pid uint32) bool
}

// Aggregator owns the process table and the per-executable live instance
// counts. It is driven from a single goroutine.
//
// Time is committed only when the last live instance of an executable exits,
// and the committed value is that instance's own lifetime. Siblings that exit
// earlier contribute nothing.
type Aggregator struct {
	table    *process.Table
	counts   map[string]int
	resolver Resolver
	flusher  Flusher
	ignorer  Ignorer
	logger   *zap.Logger

	lastTimestamp uint64
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithIgnorer skips executables the ignorer matches.
func WithIgnorer(ig Ignorer) Option {
	return func(a *Aggregator) {
		a.ignorer = ig
	}
}

// New creates an aggregator with an empty process table
func New(resolver Resolver, flusher Flusher, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		table:    process.NewTable(),
		counts:   make(map[string]int),
		resolver: resolver,
		flusher:  flusher,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handle applies one decoded event.
func (a *Aggregator) Handle(ctx context.Context, ev connector.Event) error {
	switch ev.Kind {
	case connector.KindExec:
		a.lastTimestamp = ev.Timestamp
		a.OnExec(ctx, ev.PID, ev.Timestamp)
	case connector.KindExit:
		a.lastTimestamp = ev.Timestamp
		return a.OnExit(ctx, ev.PID, ev.Timestamp)
	}
	return nil
}

// OnExec starts tracking pid. Processes whose executable or owner cannot be
// resolved are skipped.
func (a *Aggregator) OnExec(ctx context.Context, pid uint32, timestamp uint64) {
	// pid reuse: the previous program of this pid is gone and its time is
	// superseded, so it is released without a flush
	if stale, ok := a.table.Get(pid); ok {
		a.logger.Debug("replacing stale process record", zap.Uint32("pid", pid), zap.String("exe", stale.ExePath))
		a.release(stale)
	}

	exe, err := a.resolver.Executable(pid)
	if err != nil {
		a.logger.Warn("failed to resolve executable, not tracking", zap.Uint32("pid", pid), zap.Error(err))
		a.publish()
		return
	}

	uid, err := a.resolver.Owner(pid)
	if err != nil {
		a.logger.Warn("failed to resolve owner, not tracking", zap.Uint32("pid", pid), zap.String("exe", exe), zap.Error(err))
		a.publish()
		return
	}

	if a.ignorer != nil && a.ignorer.Ignore(ctx, exe, uid, pid) {
		a.logger.Debug("ignoring process", zap.Uint32("pid", pid), zap.String("exe", exe))
		a.publish()
		return
	}

	a.table.Add(&process.Record{
		PID:       pid,
		StartTime: timestamp,
		ExePath:   exe,
		UID:       uid,
	})
	a.counts[exe]++
	a.publish()
}

// OnExit stops tracking pid and flushes its elapsed time if it was the last
// live instance of its executable.
func (a *Aggregator) OnExit(ctx context.Context, pid uint32, timestamp uint64) error {
	rec, ok := a.table.Get(pid)
	if !ok {
		return nil
	}
	defer a.publish()

	remaining, ok := a.release(rec)
	if !ok || remaining > 0 {
		return nil
	}

	elapsed := int64(timestamp) - int64(rec.StartTime)
	return a.flusher.Flush(ctx, elapsed, rec.ExePath, rec.UID)
}

// release removes rec from the table and decrements its executable's live
// count, deleting the count at zero. It reports the remaining count, and
// false when no count existed for a tracked record.
func (a *Aggregator) release(rec *process.Record) (int, bool) {
	a.table.Remove(rec.PID)

	count, ok := a.counts[rec.ExePath]
	if !ok || count <= 0 {
		a.logger.DPanic("no live instance count for tracked executable",
			zap.Uint32("pid", rec.PID), zap.String("exe", rec.ExePath))
		return 0, false
	}

	count--
	if count > 0 {
		a.counts[rec.ExePath] = count
		return count, true
	}
	delete(a.counts, rec.ExePath)
	return 0, true
}

// Drain flushes every live process using the last processed event time,
// regardless of how many siblings are still running, then forgets all
// state. Every record is attempted; failures are joined.
func (a *Aggregator) Drain(ctx context.Context) error {
	var errs []error
	for _, rec := range a.table.List() {
		elapsed := int64(a.lastTimestamp) - int64(rec.StartTime)
		if err := a.flusher.Flush(ctx, elapsed, rec.ExePath, rec.UID); err != nil {
			a.logger.Error("failed to flush live process during drain",
				zap.Uint32("pid", rec.PID), zap.String("exe", rec.ExePath), zap.Error(err))
			errs = append(errs, err)
		}
	}

	a.Reset()
	return errors.Join(errs...)
}

// Reset discards the process table and instance counts.
func (a *Aggregator) Reset() {
	a.table.Reset()
	a.counts = make(map[string]int)
	a.publish()
}

// Live returns the number of tracked processes.
func (a *Aggregator) Live() int {
	return a.table.Len()
}

// Instances returns the live instance count for an executable.
func (a *Aggregator) Instances(exePath string) int {
	return a.counts[exePath]
}

// LastTimestamp returns the timestamp of the last exec or exit handled.
func (a *Aggregator) LastTimestamp() uint64 {
	return a.lastTimestamp
}

func (a *Aggregator) publish() {
	telemetry.TrackedProcesses.Set(float64(a.table.Len()))
	telemetry.TrackedExecutables.Set(float64(len(a.counts)))
}
