package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/chatrelay/internal/hub"
	"github.com/pscheid92/chatrelay/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addrConn gives one end of a net.Pipe a distinct remote address.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c *addrConn) RemoteAddr() net.Addr { return c.remote }

// pipe returns the server side wrapped with remote, and the client side.
func pipe(remote string) (*addrConn, net.Conn) {
	server, client := net.Pipe()
	addr, _ := net.ResolveTCPAddr("tcp", remote)
	return &addrConn{Conn: server, remote: addr}, client
}

func TestHandle_RelaysBetweenPipes(t *testing.T) {
	s, h := newTestServer(t, 10)
	ctx := context.Background()

	srvA, cliA := pipe("10.0.0.1:1000")
	srvB, cliB := pipe("10.0.0.2:1000")
	t.Cleanup(func() { _ = cliA.Close(); _ = cliB.Close() })

	require.NoError(t, s.Handle(ctx, srvA, TransportTCP))
	require.NoError(t, s.Handle(ctx, srvB, TransportTCP))
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 2, s.ActiveConnections())

	go func() { _, _ = cliA.Write([]byte("ping\n")) }()

	require.NoError(t, cliB.SetReadDeadline(time.Now().Add(waitFor)))
	got, err := bufio.NewReader(cliB).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ping\n", got)
}

func TestHandle_RejectedByLimits(t *testing.T) {
	limits := NewConnectionLimits(clockwork.NewFakeClock(), LimitsConfig{
		MaxConnections:       10,
		MaxConnectionsPerIP:  1,
		ConnectionsPerSecond: 10,
		ConnectionBurst:      10,
	})
	s, h := newTestServer(t, 10, WithLimits(limits))
	ctx := context.Background()

	rejectedPerIP := metrics.ConnectionsRejected.WithLabelValues(string(LimitReasonPerIP))
	base := testutil.ToFloat64(rejectedPerIP)

	first, cli1 := pipe("10.0.0.1:1000")
	t.Cleanup(func() { _ = cli1.Close() })
	require.NoError(t, s.Handle(ctx, first, TransportTCP))

	second, cli2 := pipe("10.0.0.1:1001")
	err := s.Handle(ctx, second, TransportTCP)
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), string(LimitReasonPerIP))
	assert.Equal(t, base+1, testutil.ToFloat64(rejectedPerIP))
	assert.Equal(t, 1, h.Len())

	// the rejected connection is closed by the server
	_, err = cli2.Read(make([]byte, 1))
	assert.Error(t, err)

	// once the first client leaves, its slot is released
	require.NoError(t, cli1.Close())
	require.Eventually(t, func() bool { return limits.PerIP().Count("10.0.0.1") == 0 }, waitFor, time.Millisecond)

	third, cli3 := pipe("10.0.0.1:1002")
	t.Cleanup(func() { _ = cli3.Close() })
	require.NoError(t, s.Handle(ctx, third, TransportTCP))
}

func TestHandle_AfterShutdown(t *testing.T) {
	s, _ := newTestServer(t, 10)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	conn, cli := pipe("10.0.0.1:1000")
	defer cli.Close()
	assert.ErrorIs(t, s.Handle(context.Background(), conn, TransportTCP), ErrServerClosed)
}

func TestHandle_ContextCancelClosesConnection(t *testing.T) {
	s, h := newTestServer(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	conn, cli := pipe("10.0.0.1:1000")
	defer cli.Close()

	require.NoError(t, s.Handle(ctx, conn, TransportTCP))
	cancel()

	require.Eventually(t, func() bool { return h.Len() == 0 && s.ActiveConnections() == 0 }, waitFor, time.Millisecond)
}

// panicConn panics on the first write.
type panicConn struct {
	*addrConn
}

func (c *panicConn) Write([]byte) (int, error) {
	panic("write exploded")
}

func TestHandle_RecoversFromPanic(t *testing.T) {
	s, h := newTestServer(t, 10)
	base := testutil.ToFloat64(metrics.HandlerPanics)

	inner, cli := pipe("10.0.0.1:1000")
	defer cli.Close()
	require.NoError(t, s.Handle(context.Background(), &panicConn{addrConn: inner}, TransportTCP))

	h.Publish(hub.Message{Line: "boom\n", Origin: "10.0.0.9:9"})

	require.Eventually(t, func() bool { return s.ActiveConnections() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.HandlerPanics))
	assert.Equal(t, 0, h.Len())
}

func TestDeliver_SuppressesOwnLinesOnly(t *testing.T) {
	h, err := hub.New(10)
	require.NoError(t, err)
	defer h.Close()
	sub, err := h.Subscribe()
	require.NoError(t, err)

	server, cli := pipe("10.0.0.1:1000")
	defer cli.Close()
	hd := &handler{conn: server, self: "10.0.0.1:1000", hub: h, sub: sub, logger: discardLogger()}

	suppressed := testutil.ToFloat64(metrics.EchoSuppressed)

	h.Publish(hub.Message{Line: "mine\n", Origin: "10.0.0.1:1000"})
	require.NoError(t, hd.deliver(context.Background()))
	assert.Equal(t, suppressed+1, testutil.ToFloat64(metrics.EchoSuppressed))

	// a bridged line with a colliding origin from another node is still delivered
	h.Publish(hub.Message{Line: "remote\n", Origin: "10.0.0.1:1000", Node: "node-b"})
	read := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(cli).ReadString('\n')
		read <- line
	}()
	require.NoError(t, hd.deliver(context.Background()))
	assert.Equal(t, "remote\n", <-read)
}

func TestDeliver_ContinuesWithRetainedLinesAfterLag(t *testing.T) {
	h, err := hub.New(2)
	require.NoError(t, err)
	defer h.Close()
	sub, err := h.Subscribe()
	require.NoError(t, err)

	server, cli := pipe("10.0.0.1:1000")
	defer cli.Close()
	hd := &handler{conn: server, self: "10.0.0.1:1000", hub: h, sub: sub, logger: discardLogger()}

	missed := testutil.ToFloat64(metrics.SubscriberMissedMessages)
	for i := 0; i < 5; i++ {
		h.Publish(hub.Message{Line: fmt.Sprintf("line %d\n", i), Origin: "10.0.0.2:2000"})
	}

	read := make(chan []string, 1)
	go func() {
		r := bufio.NewReader(cli)
		var lines []string
		for i := 0; i < 2; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				break
			}
			lines = append(lines, line)
		}
		read <- lines
	}()

	require.NoError(t, hd.deliver(context.Background()))
	assert.Equal(t, missed+3, testutil.ToFloat64(metrics.SubscriberMissedMessages))

	require.NoError(t, hd.deliver(context.Background()))
	require.NoError(t, hd.deliver(context.Background()))
	assert.Equal(t, []string{"line 3\n", "line 4\n"}, <-read)

	require.NoError(t, hd.deliver(context.Background()))
	_, err = sub.TryRecv()
	assert.ErrorIs(t, err, hub.ErrEmpty)

	h.Close()
	assert.True(t, errors.Is(hd.deliver(context.Background()), hub.ErrClosed))
}

func TestHandle_SameRemoteOnDifferentTransportsIsNotSuppressed(t *testing.T) {
	s, h := newTestServer(t, 10)
	ctx := context.Background()

	tcp, tcpCli := pipe("10.0.0.1:40000")
	ws, wsCli := pipe("10.0.0.1:40000")
	t.Cleanup(func() { _ = tcpCli.Close(); _ = wsCli.Close() })

	require.NoError(t, s.Handle(ctx, tcp, TransportTCP))
	require.NoError(t, s.Handle(ctx, ws, TransportWebSocket))
	require.Equal(t, 2, h.Len())

	go func() { _, _ = tcpCli.Write([]byte("hi\n")) }()

	require.NoError(t, wsCli.SetReadDeadline(time.Now().Add(waitFor)))
	got, err := bufio.NewReader(wsCli).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hi\n", got)

	// the sender itself still gets nothing back
	require.NoError(t, tcpCli.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = tcpCli.Read(make([]byte, 1))
	var ne net.Error
	assert.True(t, errors.As(err, &ne) && ne.Timeout(), "expected no echo, got %v", err)
}

func TestOriginID_UniquePerConnection(t *testing.T) {
	s, _ := newTestServer(t, 10)
	a := s.originID(TransportTCP, "10.0.0.1:40000")
	b := s.originID(TransportTCP, "10.0.0.1:40000")
	c := s.originID(TransportWebSocket, "10.0.0.1:40000")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "10.0.0.1:40000")
}
