package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/chatrelay/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

var pingPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable yet, retrying", "attempt", attempt, "error", err, "backoff", backoff)
	},
}

// NewClient connects to redisURL with metrics and circuit breaker hooks installed and waits until the
// server answers PING.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	return newClient(ctx, redisURL, pingPolicy)
}

func newClient(ctx context.Context, redisURL string, policy retry.Policy) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&MetricsHook{})
	rdb.AddHook(NewCircuitBreakerHook())

	err = retry.DoVoid(ctx, policy, classifyPing, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return rdb, nil
}

func classifyPing(err error) retry.Action {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return retry.Stop
	}
	return retry.Retry
}
