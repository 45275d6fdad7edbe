package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jnesss/spycy/telemetry"
)

// Store is the durable keyed store behind the gateway
type Store interface {
	Exists(ctx context.Context, exePath, username string) (bool, error)
	Increment(ctx context.Context, exePath string, elapsed int64, username string) error
	Insert(ctx context.Context, exePath string, elapsed int64, username string) error
	Close() error
}

// UserResolver maps a uid to a login name
type UserResolver interface {
	Username(uid uint32) (string, error)
}

// Gateway commits elapsed durations to storage, one read-modify-write per
// flush. Concurrent flushes of the same key must be serialised by the caller.
type Gateway struct {
	store  Store
	users  UserResolver
	logger *zap.Logger
}

// NewGateway creates a gateway over store
func NewGateway(store Store, users UserResolver, logger *zap.Logger) *Gateway {
	return &Gateway{
		store:  store,
		users:  users,
		logger: logger,
	}
}

// Flush adds elapsed nanoseconds to the row for exePath and the user owning uid,
// creating the row on first use.
func (g *Gateway) Flush(ctx context.Context, elapsed int64, exePath string, uid uint32) error {
	username, err := g.users.Username(uid)
	if err != nil {
		telemetry.Flushes.WithLabelValues("error").Inc()
		return err
	}

	exists, err := g.store.Exists(ctx, exePath, username)
	if err != nil {
		telemetry.Flushes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to query usage for %s: %w", exePath, err)
	}

	if exists {
		err = g.store.Increment(ctx, exePath, elapsed, username)
	} else {
		err = g.store.Insert(ctx, exePath, elapsed, username)
	}
	if err != nil {
		telemetry.Flushes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to store usage for %s: %w", exePath, err)
	}

	telemetry.Flushes.WithLabelValues("ok").Inc()
	g.logger.Debug("flushed usage",
		zap.String("exe", exePath),
		zap.String("user", username),
		zap.Int64("elapsed_ns", elapsed),
		zap.Bool("inserted", !exists))
	return nil
}

// Close closes the underlying store
func (g *Gateway) Close() error {
	return g.store.Close()
}
