package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pscheid92/chatrelay/internal/hub"
	"github.com/pscheid92/chatrelay/internal/metrics"
)

type readResult struct {
	line string
	err  error
}

// handler owns one connection and its hub subscription.
type handler struct {
	conn   Conn
	self   string
	hub    *hub.Hub
	sub    *hub.Subscription
	logger *slog.Logger
}

// run relays until the client disconnects, an I/O error occurs, the hub closes, or ctx is done.
// A clean disconnect returns nil.
func (h *handler) run(ctx context.Context) error {
	lines := make(chan readResult)
	done := make(chan struct{})
	defer close(done)

	go h.readLines(lines, done)

	for {
		select {
		case r := <-lines:
			if r.line != "" {
				h.hub.Publish(hub.Message{Line: r.line, Origin: h.self})
				metrics.LinesPublished.WithLabelValues("local").Inc()
			}
			if errors.Is(r.err, io.EOF) {
				return nil
			}
			if r.err != nil {
				return fmt.Errorf("read: %w", r.err)
			}

		case <-h.sub.Ready():
			if err := h.deliver(ctx); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLines performs the blocking reads. Each result waits until run takes it, so a line that arrives
// while a broadcast is being written stays pending. It exits after the first error or once done is closed.
func (h *handler) readLines(out chan<- readResult, done <-chan struct{}) {
	r := bufio.NewReader(h.conn)
	for {
		line, err := r.ReadString('\n')
		select {
		case out <- readResult{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// deliver writes at most one pending broadcast to the client.
func (h *handler) deliver(ctx context.Context) error {
	msg, err := h.sub.TryRecv()

	var lagged *hub.LaggedError
	switch {
	case errors.As(err, &lagged):
		metrics.SubscriberLagEvents.Inc()
		metrics.SubscriberMissedMessages.Add(float64(lagged.Missed))
		h.logger.WarnContext(ctx, "Client fell behind, messages dropped", "missed", lagged.Missed)
		return nil
	case errors.Is(err, hub.ErrEmpty):
		return nil
	case err != nil:
		return err
	}

	if msg.Node == "" && msg.Origin == h.self {
		metrics.EchoSuppressed.Inc()
		return nil
	}

	if _, err := io.WriteString(h.conn, msg.Line); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	metrics.LinesDelivered.Inc()
	return nil
}
