package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		ConnectionsCurrent,
		ConnectionsTotal,
		ConnectionsRejected,
		ConnectionDuration,
		AcceptErrors,
		HandlerPanics,
		LinesPublished,
		LinesDelivered,
		EchoSuppressed,
		SubscriberLagEvents,
		SubscriberMissedMessages,
		HubSubscribers,
		RedisOpsTotal,
		RedisOpDuration,
		RedisConnectionErrors,
		BridgeMessages,
		BridgeErrors,
		CircuitBreakerStateChanges,
		CircuitBreakerState,
		BuildInfo,
	}

	for _, c := range collectors {
		desc := make(chan *prometheus.Desc, 1)
		c.Describe(desc)
		close(desc)

		require.NotNil(t, <-desc, "metric should have a valid descriptor")
	}
}

func TestCounterVecMetrics(t *testing.T) {
	tests := []struct {
		name    string
		metric  *prometheus.CounterVec
		labels  prometheus.Labels
		incBy   int
		wantVal float64
	}{
		{"connections rejected", ConnectionsRejected, prometheus.Labels{"reason": "rate_limit"}, 3, 3},
		{"accept errors", AcceptErrors, prometheus.Labels{"kind": "temporary"}, 2, 2},
		{"lines published", LinesPublished, prometheus.Labels{"source": "local"}, 5, 5},
		{"bridge messages", BridgeMessages, prometheus.Labels{"direction": "out"}, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.metric.Reset()
			for i := 0; i < tt.incBy; i++ {
				tt.metric.With(tt.labels).Inc()
			}
			assert.Equal(t, tt.wantVal, testutil.ToFloat64(tt.metric.With(tt.labels)))
		})
	}
}

func TestGaugeMetrics(t *testing.T) {
	HubSubscribers.Set(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(HubSubscribers))

	ConnectionsCurrent.Reset()
	ConnectionsCurrent.WithLabelValues("tcp").Inc()
	ConnectionsCurrent.WithLabelValues("tcp").Inc()
	ConnectionsCurrent.WithLabelValues("websocket").Inc()
	ConnectionsCurrent.WithLabelValues("tcp").Dec()

	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("tcp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionsCurrent.WithLabelValues("websocket")))
}

func TestHistogramMetrics(t *testing.T) {
	for _, obs := range []float64{0.5, 12, 400} {
		ConnectionDuration.Observe(obs)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(ConnectionDuration))

	RedisOpDuration.Reset()
	RedisOpDuration.WithLabelValues("publish").Observe(0.002)
	assert.Equal(t, 1, testutil.CollectAndCount(RedisOpDuration))
}

func TestMetricNaming(t *testing.T) {
	tests := []struct {
		collector prometheus.Collector
		suffix    string
	}{
		{ConnectionsTotal, "_total"},
		{ConnectionsRejected, "_total"},
		{AcceptErrors, "_total"},
		{LinesPublished, "_total"},
		{ConnectionDuration, "_seconds"},
		{RedisOpDuration, "_seconds"},
		{ConnectionsCurrent, "_current"},
	}

	for _, tt := range tests {
		desc := make(chan *prometheus.Desc, 1)
		tt.collector.Describe(desc)
		close(desc)
		d := (<-desc).String()
		assert.True(t, strings.Contains(d, tt.suffix+"\""), "%s should end in %s", d, tt.suffix)
	}
}
