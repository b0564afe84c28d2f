package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/chatrelay/internal/admin"
	"github.com/pscheid92/chatrelay/internal/bridge"
	"github.com/pscheid92/chatrelay/internal/hub"
	"github.com/pscheid92/chatrelay/internal/metrics"
	"github.com/pscheid92/chatrelay/internal/platform/config"
	"github.com/pscheid92/chatrelay/internal/platform/logging"
	"github.com/pscheid92/chatrelay/internal/platform/retry"
	"github.com/pscheid92/chatrelay/internal/platform/version"
	"github.com/pscheid92/chatrelay/internal/relay"
	goredis "github.com/redis/go-redis/v9"
)

const (
	bridgeRestartInitial = time.Second
	bridgeRestartMax     = 30 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRelay(cfg *config.Config, h *hub.Hub, clock clockwork.Clock) *relay.Server {
	limits := relay.NewConnectionLimits(clock, relay.LimitsConfig{
		MaxConnections:       cfg.MaxConnections,
		MaxConnectionsPerIP:  cfg.MaxConnectionsPerIP,
		ConnectionsPerSecond: cfg.ConnectionsPerSecond,
		ConnectionBurst:      cfg.ConnectionBurst,
	})

	srv, err := relay.NewServer(h,
		relay.WithLimits(limits),
		relay.WithClock(clock),
		relay.WithLogger(slog.Default()),
	)
	if err != nil {
		slog.Error("Failed to create relay server", "error", err)
		os.Exit(1)
	}
	return srv
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := bridge.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// runBridge keeps the bridge running until ctx is done or the hub closes, restarting it with backoff
// when Redis drops the subscription. The local relay keeps working while the bridge is down.
func runBridge(ctx context.Context, b *bridge.Bridge, clock clockwork.Clock) {
	backoff := retry.Backoff{Initial: bridgeRestartInitial, Max: bridgeRestartMax}
	for {
		err := b.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		slog.Error("Bridge stopped, restarting", "error", err, "delay", delay)
		select {
		case <-clock.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.BuildTime, info.GoVersion).Set(1)
	slog.Info("Application starting", "env", cfg.AppEnv, "version", info.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	h, err := hub.New(cfg.HubCapacity)
	if err != nil {
		slog.Error("Failed to create hub", "error", err)
		return 1
	}

	slog.Info("Hub ready", "capacity", h.Capacity())

	relaySrv := setupRelay(cfg, h, clock)

	ln, err := net.Listen("tcp", cfg.RelayAddr())
	if err != nil {
		slog.Error("Failed to listen", "addr", cfg.RelayAddr(), "error", err)
		return 1
	}

	var redisClient *goredis.Client
	bridgeDone := make(chan struct{})
	if cfg.BridgeEnabled() {
		redisClient = setupRedis(ctx, cfg)
		b := bridge.New(redisClient, h, cfg.BridgeChannel, slog.Default())
		slog.Info("Bridge enabled", "node", b.NodeID(), "channel", cfg.BridgeChannel)
		go func() {
			defer close(bridgeDone)
			runBridge(ctx, b, clock)
		}()
	} else {
		close(bridgeDone)
	}

	var adminSrv *admin.Server
	if addr := cfg.AdminAddr(); addr != "" {
		options := []admin.Option{admin.WithDevelopment(cfg.AppEnv == "development")}
		if redisClient != nil {
			options = append(options, admin.WithRedis(redisClient))
		}
		if cfg.WebSocketEnabled {
			options = append(options, admin.WithWebSocket(relaySrv))
		}
		adminSrv = admin.NewServer(addr, h, options...)
		go func() {
			if err := adminSrv.Start(); err != nil {
				slog.Error("Admin server error", "error", err)
			}
		}()
	}

	code := 0
	serveErr := relaySrv.Serve(ctx, ln)
	switch {
	case errors.Is(serveErr, context.Canceled), errors.Is(serveErr, relay.ErrServerClosed):
		slog.Info("Shutdown signal received, cleaning up...")
	default:
		slog.Error("Relay stopped", "error", serveErr)
		code = 1
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := relaySrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Relay shutdown error", "error", err)
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Admin server shutdown error", "error", err)
		}
	}
	h.Close()
	<-bridgeDone
	if redisClient != nil {
		_ = redisClient.Close()
	}

	slog.Info("Shutdown complete")
	return code
}
