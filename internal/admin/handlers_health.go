package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/chatrelay/internal/platform/version"
)

const readinessTimeout = 2 * time.Second

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
	defer cancel()

	for _, check := range s.readinessChecks() {
		if err := check.fn(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":       "unhealthy",
				"failed_check": check.name,
				"error":        err.Error(),
			})
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) readinessChecks() []healthCheck {
	checks := []healthCheck{{"hub", s.checkHub}}
	if s.redis != nil {
		checks = append(checks, healthCheck{"redis", s.checkRedis})
	}
	return checks
}

func (s *Server) checkHub(context.Context) error {
	if s.hub.Closed() {
		return errors.New("hub closed")
	}
	return nil
}

func (s *Server) checkRedis(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Get())
}
