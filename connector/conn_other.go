//go:build !linux

package connector

import (
	"errors"

	"go.uber.org/zap"
)

// Dial is unavailable outside Linux; the process events connector is a
// Linux netlink facility.
func Dial(logger *zap.Logger) (*Reader, error) {
	return nil, &ChannelError{Op: "socket", Err: errors.New("process events connector requires linux")}
}
