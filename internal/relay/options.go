package relay

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

type Option func(s *Server) error

// WithLimits applies admission limits to every new connection. Without it connections are unlimited.
func WithLimits(limits *ConnectionLimits) Option {
	return func(s *Server) error {
		if limits == nil {
			return errors.New("relay.WithLimits: limits is nil")
		}
		s.limits = limits
		return nil
	}
}

// WithClock replaces the real clock, used for accept backoff and connection durations.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) error {
		if clock == nil {
			return errors.New("relay.WithClock: clock is nil")
		}
		s.clock = clock
		return nil
	}
}

// WithLogger replaces slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return errors.New("relay.WithLogger: logger is nil")
		}
		s.logger = logger
		return nil
	}
}
