package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pscheid92/chatrelay/internal/hub"
	"github.com/pscheid92/chatrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// ErrSubscriptionClosed is returned by Run when Redis closes the pub/sub channel underneath it.
var ErrSubscriptionClosed = errors.New("bridge: redis subscription closed")

// Envelope is the wire format of a line on the bridge channel.
type Envelope struct {
	Node   string `json:"node"`
	Origin string `json:"origin"`
	Line   string `json:"line"`
}

// Bridge forwards lines between the local hub and a Redis channel shared by all nodes.
type Bridge struct {
	rdb     *goredis.Client
	hub     *hub.Hub
	channel string
	nodeID  string
	logger  *slog.Logger

	subscribed     chan struct{}
	subscribedOnce sync.Once
}

func New(rdb *goredis.Client, h *hub.Hub, channel string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	nodeID := uuid.NewString()
	return &Bridge{
		rdb:        rdb,
		hub:        h,
		channel:    channel,
		nodeID:     nodeID,
		logger:     logger.With("node", nodeID, "channel", channel),
		subscribed: make(chan struct{}),
	}
}

// NodeID identifies this process on the bridge channel.
func (b *Bridge) NodeID() string {
	return b.nodeID
}

// Subscribed is closed once Run holds both its hub subscription and the Redis subscription.
func (b *Bridge) Subscribed() <-chan struct{} {
	return b.subscribed
}

// Run forwards in both directions until ctx is done or the hub closes. Failures to publish a single line
// are logged and counted; the loop keeps going.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.hub.Subscribe()
	if err != nil {
		return fmt.Errorf("bridge hub subscribe: %w", err)
	}
	defer sub.Close()

	ps := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("bridge redis subscribe %s: %w", b.channel, err)
	}
	b.subscribedOnce.Do(func() { close(b.subscribed) })
	b.logger.Info("Bridge running")

	remote := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-remote:
			if !ok {
				return ErrSubscriptionClosed
			}
			b.handleRemote(msg.Payload)

		case <-sub.Ready():
			if err := b.forwardLocal(ctx, sub); err != nil {
				if errors.Is(err, hub.ErrClosed) {
					return nil
				}
				return err
			}
		}
	}
}

// handleRemote republishes another node's envelope into the local hub.
func (b *Bridge) handleRemote(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		metrics.BridgeErrors.WithLabelValues("decode").Inc()
		b.logger.Warn("Dropping malformed bridge envelope", "error", err)
		return
	}
	if env.Node == "" {
		metrics.BridgeErrors.WithLabelValues("decode").Inc()
		b.logger.Warn("Dropping bridge envelope without node")
		return
	}
	if env.Node == b.nodeID {
		metrics.BridgeMessages.WithLabelValues("own").Inc()
		return
	}

	b.hub.Publish(hub.Message{Line: env.Line, Origin: env.Origin, Node: env.Node})
	metrics.BridgeMessages.WithLabelValues("in").Inc()
	metrics.LinesPublished.WithLabelValues("bridge").Inc()
}

// forwardLocal publishes at most one locally originated line to Redis.
func (b *Bridge) forwardLocal(ctx context.Context, sub *hub.Subscription) error {
	msg, err := sub.TryRecv()

	var lagged *hub.LaggedError
	switch {
	case errors.As(err, &lagged):
		metrics.SubscriberLagEvents.Inc()
		metrics.SubscriberMissedMessages.Add(float64(lagged.Missed))
		metrics.BridgeErrors.WithLabelValues("lag").Inc()
		b.logger.Warn("Bridge fell behind, lines not forwarded", "missed", lagged.Missed)
		return nil
	case errors.Is(err, hub.ErrEmpty):
		return nil
	case err != nil:
		return err
	}

	if msg.Node != "" {
		return nil
	}

	data, err := json.Marshal(Envelope{Node: b.nodeID, Origin: msg.Origin, Line: msg.Line})
	if err != nil {
		return fmt.Errorf("bridge encode: %w", err)
	}

	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		metrics.BridgeErrors.WithLabelValues("publish").Inc()
		b.logger.Warn("Failed to publish line to bridge", "error", err)
		return nil
	}
	metrics.BridgeMessages.WithLabelValues("out").Inc()
	return nil
}
