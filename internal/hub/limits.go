package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits guards the upgrade endpoint with three ceilings: a global
// connection count, a per-IP connection count, and a per-IP token-bucket rate
// for new connection attempts. Violations are rejected with a distinct
// reason, never silently dropped.
type ConnectionLimits struct {
	globalMax     int64
	globalCurrent atomic.Int64

	ipMu   sync.RWMutex
	ips    map[string]int
	maxPer int

	rateMu    sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const limiterCleanupInterval = 5 * time.Minute

// NewConnectionLimits creates a combined connection limiter.
func NewConnectionLimits(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		globalMax: globalMax,
		ips:       make(map[string]int),
		maxPer:    perIPMax,
		limiters:  make(map[string]*rateLimiterEntry),
		rate:      rate.Limit(connectionsPerSecond),
		burst:     burst,
		cleanupAt: time.Now().Add(limiterCleanupInterval),
	}
}

// Acquire attempts to take all three limits for the given IP. Returns false
// and the limiting reason if any ceiling is exceeded.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	// Rate limit first (cheapest check)
	if !l.allowRate(ip) {
		return false, LimitReasonRate
	}

	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}

	if !l.acquirePerIP(ip) {
		l.globalCurrent.Add(-1) // rollback global
		return false, LimitReasonPerIP
	}

	return true, ""
}

// Release returns all limits for the given IP.
func (l *ConnectionLimits) Release(ip string) {
	l.releasePerIP(ip)
	l.globalCurrent.Add(-1)
}

// Current returns the current global connection count.
func (l *ConnectionLimits) Current() int64 {
	return l.globalCurrent.Load()
}

// CapacityPct returns global capacity utilization as a percentage.
func (l *ConnectionLimits) CapacityPct() float64 {
	if l.globalMax == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.globalMax) * 100
}

// UniqueIPs returns the number of unique IPs with active connections.
func (l *ConnectionLimits) UniqueIPs() int {
	l.ipMu.RLock()
	defer l.ipMu.RUnlock()
	return len(l.ips)
}

func (l *ConnectionLimits) acquireGlobal() bool {
	for {
		current := l.globalCurrent.Load()
		if current >= l.globalMax {
			return false
		}
		if l.globalCurrent.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *ConnectionLimits) acquirePerIP(ip string) bool {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ConnectionLimits) releasePerIP(ip string) {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

func (l *ConnectionLimits) allowRate(ip string) bool {
	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	if time.Now().After(l.cleanupAt) {
		l.cleanupLimiters()
		l.cleanupAt = time.Now().Add(limiterCleanupInterval)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &rateLimiterEntry{
			limiter: rate.NewLimiter(l.rate, l.burst),
		}
		l.limiters[ip] = entry
	}

	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// cleanupLimiters removes limiters unused for two cleanup intervals.
// Must be called with rateMu held.
func (l *ConnectionLimits) cleanupLimiters() {
	cutoff := time.Now().Add(-2 * limiterCleanupInterval)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
