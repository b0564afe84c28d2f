package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatrelay/internal/hub"
	"github.com/pscheid92/chatrelay/internal/metrics"
	"github.com/pscheid92/chatrelay/internal/platform/correlation"
	"github.com/pscheid92/chatrelay/internal/platform/retry"
)

const (
	acceptBackoffInitial = 5 * time.Millisecond
	acceptBackoffMax     = time.Second
)

// Transport labels for metrics and logs.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Conn is the part of a client connection the relay needs. net.Conn satisfies it.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Server relays lines between every connection it serves.
type Server struct {
	hub    *hub.Hub
	limits *ConnectionLimits
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[Conn]struct{}
	closed    bool
	wg        sync.WaitGroup

	connSeq atomic.Uint64
}

// NewServer creates a Server publishing to and subscribing from h.
func NewServer(h *hub.Hub, options ...Option) (*Server, error) {
	if h == nil {
		return nil, errors.New("relay.NewServer: hub is nil")
	}

	s := &Server{
		hub:       h,
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[Conn]struct{}),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Serve accepts connections on ln until ctx is done, Shutdown is called, or the listener fails permanently.
// Temporary accept errors are retried with backoff. Serve closes ln before returning.
// It returns ErrServerClosed after Shutdown and ctx.Err() after cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.untrackListener(ln)
	defer func() { _ = ln.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("Relay listening", "addr", ln.Addr().String())

	backoff := retry.Backoff{Initial: acceptBackoffInitial, Max: acceptBackoffMax}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isTemporary(err) {
				metrics.AcceptErrors.WithLabelValues("permanent").Inc()
				return fmt.Errorf("relay accept: %w", err)
			}

			delay := backoff.Next()
			metrics.AcceptErrors.WithLabelValues("temporary").Inc()
			s.logger.Warn("Accept failed, retrying", "error", err, "delay", delay)

			select {
			case <-s.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff.Reset()

		if err := s.Handle(ctx, conn, TransportTCP); err != nil {
			s.logger.Debug("Connection not admitted", "remote", conn.RemoteAddr().String(), "error", err)
		}
	}
}

// Handle admits conn and serves it on a new goroutine. It never blocks on the connection's lifetime.
// On error the connection has been closed. The handler stops when ctx is done, the connection fails,
// the client disconnects, or Shutdown is called.
func (s *Server) Handle(ctx context.Context, conn Conn, transport string) error {
	remote := conn.RemoteAddr().String()
	ip := hostIP(remote)

	if s.limits != nil {
		if ok, reason := s.limits.Acquire(ip); !ok {
			metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
			s.logger.Warn("Connection rejected", "remote", remote, "reason", reason)
			_ = conn.Close()
			return rejected(reason)
		}
	}

	release := func() {
		if s.limits != nil {
			s.limits.Release(ip)
		}
	}

	if !s.trackConn(conn) {
		release()
		_ = conn.Close()
		return ErrServerClosed
	}

	sub, err := s.hub.Subscribe()
	if err != nil {
		s.untrackConn(conn)
		release()
		_ = conn.Close()
		return fmt.Errorf("relay subscribe: %w", err)
	}
	metrics.HubSubscribers.Set(float64(s.hub.Len()))

	go s.serveConn(ctx, conn, sub, transport, release)
	return nil
}

func (s *Server) serveConn(ctx context.Context, conn Conn, sub *hub.Subscription, transport string, release func()) {
	remote := conn.RemoteAddr().String()
	ctx = correlation.WithID(ctx, correlation.NewID())
	logger := s.logger.With("remote", remote, "transport", transport)
	start := s.clock.Now()

	metrics.ConnectionsTotal.WithLabelValues(transport).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(transport).Inc()
	logger.InfoContext(ctx, "Connection opened")

	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			logger.ErrorContext(ctx, "Connection handler panicked", "panic", r)
		}

		sub.Close()
		_ = conn.Close()
		release()
		s.untrackConn(conn)

		metrics.HubSubscribers.Set(float64(s.hub.Len()))
		metrics.ConnectionsCurrent.WithLabelValues(transport).Dec()
		metrics.ConnectionDuration.Observe(s.clock.Since(start).Seconds())
	}()

	h := &handler{
		conn:   conn,
		self:   s.originID(transport, remote),
		hub:    s.hub,
		sub:    sub,
		logger: logger,
	}

	err := h.run(ctx)
	switch {
	case err == nil, errors.Is(err, hub.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, net.ErrClosed):
		logger.InfoContext(ctx, "Connection closed")
	default:
		logger.WarnContext(ctx, "Connection closed with error", "error", err)
	}
}

// originID names a connection uniquely within this process. The remote address alone is not enough:
// the same ip:port can be connected to two different listeners at once.
func (s *Server) originID(transport, remote string) string {
	return fmt.Sprintf("%s/%s#%d", transport, remote, s.connSeq.Add(1))
}

// Shutdown stops all listeners, closes every open connection and waits for their handlers to finish
// or for ctx to end. Serve and Handle return ErrServerClosed afterwards.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		_ = ln.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
}

// ActiveConnections returns the number of connections currently being served.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, ln)
}

// trackConn registers conn and adds it to the wait group, unless the server is shutting down.
func (s *Server) trackConn(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		s.wg.Done()
	}
}

// isTemporary reports whether an accept error is worth retrying.
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET)
}

// hostIP strips the port from a remote address; addresses without one are returned unchanged.
func hostIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
