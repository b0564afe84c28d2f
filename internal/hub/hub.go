package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned by Subscribe and by receives once the Hub or the Subscription is closed.
	ErrClosed = errors.New("hub closed")
	// ErrEmpty is returned by TryRecv when no message is pending.
	ErrEmpty = errors.New("no message pending")
	// ErrInvalidCapacity is returned by New for a capacity below one.
	ErrInvalidCapacity = errors.New("hub capacity must be positive")
)

// LaggedError reports that a subscriber fell behind and Missed messages were dropped for it.
// The subscriber's next receive continues with the oldest message still retained.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged behind, %d messages dropped", e.Missed)
}

// Message is one published line together with where it came from.
type Message struct {
	// Line is the raw line including its terminator.
	Line string
	// Origin identifies the connection that sent the line.
	Origin string
	// Node is empty for lines read on this process and carries the peer node ID for bridged lines.
	Node string
}

// closedChan is returned by Ready when a receive would not block.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Hub is a bounded multi-producer, multi-consumer broadcast channel.
type Hub struct {
	mu     sync.Mutex
	ring   []Message
	next   uint64        // sequence number assigned to the next publish
	notify chan struct{} // closed and replaced on every publish
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates a Hub that retains up to capacity undelivered messages per subscriber.
func New(capacity int) (*Hub, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	return &Hub{
		ring:   make([]Message, capacity),
		notify: make(chan struct{}),
		subs:   make(map[*Subscription]struct{}),
	}, nil
}

// Capacity returns the ring size the Hub was created with.
func (h *Hub) Capacity() int {
	return len(h.ring)
}

// Publish delivers msg to every subscription active at the time of the call and returns how many there were.
// It never blocks on slow subscribers. Publishing on a closed Hub is a no-op.
func (h *Hub) Publish(msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0
	}

	h.ring[h.next%uint64(len(h.ring))] = msg
	h.next++

	close(h.notify)
	h.notify = make(chan struct{})

	return len(h.subs)
}

// Subscribe returns a new Subscription that observes only messages published after this call.
func (h *Hub) Subscribe() (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	s := &Subscription{hub: h, next: h.next}
	h.subs[s] = struct{}{}
	return s, nil
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close wakes every waiting receiver with ErrClosed and rejects further subscriptions. It is idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.notify)
	for s := range h.subs {
		s.closed = true
		delete(h.subs, s)
	}
}

// Subscription is one consumer's view of the Hub. A Subscription must be used by a single goroutine,
// apart from Close which may be called from anywhere.
type Subscription struct {
	hub *Hub

	// guarded by hub.mu
	next   uint64
	closed bool
}

// TryRecv returns the next pending message without blocking. It returns ErrEmpty when nothing is pending,
// a *LaggedError when messages were dropped, and ErrClosed once the subscription or the Hub is closed.
func (s *Subscription) TryRecv() (Message, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed || h.closed {
		return Message{}, ErrClosed
	}

	capacity := uint64(len(h.ring))
	if h.next-s.next > capacity {
		oldest := h.next - capacity
		missed := oldest - s.next
		s.next = oldest
		return Message{}, &LaggedError{Missed: missed}
	}

	if s.next == h.next {
		return Message{}, ErrEmpty
	}

	msg := h.ring[s.next%capacity]
	s.next++
	return msg, nil
}

// Ready returns a channel that is closed once TryRecv would return something other than ErrEmpty.
// The channel must be re-acquired after every TryRecv.
func (s *Subscription) Ready() <-chan struct{} {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed || h.closed || s.next != h.next {
		return closedChan
	}
	return h.notify
}

// Recv blocks until a message is available, the subscriber lagged, the subscription closed, or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	for {
		msg, err := s.TryRecv()
		if !errors.Is(err, ErrEmpty) {
			return msg, err
		}

		select {
		case <-s.Ready():
		case <-ctx.Done():
			return Message{}, fmt.Errorf("hub receive: %w", ctx.Err())
		}
	}
}

// Close unregisters the subscription from the Hub. It is idempotent.
func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s)
}
