package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrServerClosed is returned by Serve and Handle after Shutdown.
	ErrServerClosed = errors.New("relay: server closed")

	// ErrRejected is returned by Handle when admission limits refuse a connection.
	// The connection has already been closed.
	ErrRejected = errors.New("relay: connection rejected")
)

func rejected(reason LimitReason) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
