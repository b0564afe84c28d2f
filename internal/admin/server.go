package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/chatrelay/internal/hub"
	"github.com/pscheid92/chatrelay/internal/relay"
	goredis "github.com/redis/go-redis/v9"
)

// redisHealthChecker is the part of the Redis client the readiness probe needs.
type redisHealthChecker interface {
	Ping(ctx context.Context) *goredis.StatusCmd
}

// connHandler hands an upgraded WebSocket to the relay. *relay.Server satisfies it.
type connHandler interface {
	Handle(ctx context.Context, conn relay.Conn, transport string) error
}

type Server struct {
	echo      *echo.Echo
	addr      string
	hub       *hub.Hub
	redis     redisHealthChecker
	relay     connHandler
	isDev     bool
	clock     clockwork.Clock
	startTime time.Time
}

type Option func(*Server)

// WithRedis adds a Redis ping to the readiness checks.
func WithRedis(client redisHealthChecker) Option {
	return func(s *Server) { s.redis = client }
}

// WithWebSocket mounts /ws, relaying WebSocket clients through r.
func WithWebSocket(r connHandler) Option {
	return func(s *Server) { s.relay = r }
}

// WithDevelopment additionally accepts WebSocket upgrades from localhost origins.
func WithDevelopment(isDev bool) Option {
	return func(s *Server) { s.isDev = isDev }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

func NewServer(addr string, h *hub.Hub, options ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health/live"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("Admin request", "method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
			return nil
		},
	}))

	s := &Server{
		echo:  e,
		addr:  addr,
		hub:   h,
		clock: clockwork.NewRealClock(),
	}
	for _, option := range options {
		option(s)
	}
	s.startTime = s.clock.Now()

	s.registerRoutes()
	return s
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	slog.Info("Admin server listening", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP lets the admin routes be mounted on any http.Server, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
