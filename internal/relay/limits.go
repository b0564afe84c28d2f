package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterIdleTTL    = 10 * time.Minute
	rateLimiterSweepEvery = 5 * time.Minute
)

// GlobalLimiter caps concurrent relay connections for the whole process.
type GlobalLimiter struct {
	current atomic.Int64
	max     int64
}

func NewGlobalLimiter(max int64) *GlobalLimiter {
	return &GlobalLimiter{max: max}
}

// Acquire takes a slot, or reports false when the process is at capacity.
func (l *GlobalLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *GlobalLimiter) Release() {
	l.current.Add(-1)
}

func (l *GlobalLimiter) Current() int64 {
	return l.current.Load()
}

// IPLimiter caps concurrent relay connections per source IP.
type IPLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func NewIPLimiter(maxPer int) *IPLimiter {
	return &IPLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

func (l *IPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch count := l.ips[ip]; {
	case count > 1:
		l.ips[ip] = count - 1
	case count == 1:
		delete(l.ips, ip)
	}
}

func (l *IPLimiter) Count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

// UniqueIPs returns the number of source IPs holding at least one connection.
func (l *IPLimiter) UniqueIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

// RateLimiter is a per-IP token bucket on new connections.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	limiters map[string]*rateEntry
	rate     rate.Limit
	burst    int
	sweepAt  time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(clock clockwork.Clock, perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clock:    clock,
		limiters: make(map[string]*rateEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		sweepAt:  clock.Now().Add(rateLimiterSweepEvery),
	}
}

// Allow consumes a token for ip, or reports false when its bucket is empty.
func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(rateLimiterSweepEvery)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// sweep drops buckets idle longer than rateLimiterIdleTTL. Callers hold mu.
func (l *RateLimiter) sweep(now time.Time) {
	cutoff := now.Add(-rateLimiterIdleTTL)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// LimitReason says which admission check refused a connection. It doubles as a metric label.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// LimitsConfig holds the admission thresholds.
type LimitsConfig struct {
	MaxConnections       int64
	MaxConnectionsPerIP  int
	ConnectionsPerSecond float64
	ConnectionBurst      int
}

// ConnectionLimits combines the rate, global and per-IP checks applied to every new connection.
type ConnectionLimits struct {
	global *GlobalLimiter
	perIP  *IPLimiter
	rate   *RateLimiter
}

func NewConnectionLimits(clock clockwork.Clock, cfg LimitsConfig) *ConnectionLimits {
	return &ConnectionLimits{
		global: NewGlobalLimiter(cfg.MaxConnections),
		perIP:  NewIPLimiter(cfg.MaxConnectionsPerIP),
		rate:   NewRateLimiter(clock, cfg.ConnectionsPerSecond, cfg.ConnectionBurst),
	}
}

// Acquire admits a connection from ip or returns the reason it was refused.
// A successful Acquire must be paired with Release.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.Allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.Acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.Acquire(ip) {
		l.global.Release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.perIP.Release(ip)
	l.global.Release()
}

func (l *ConnectionLimits) Global() *GlobalLimiter { return l.global }
func (l *ConnectionLimits) PerIP() *IPLimiter      { return l.perIP }
func (l *ConnectionLimits) Rate() *RateLimiter     { return l.rate }
