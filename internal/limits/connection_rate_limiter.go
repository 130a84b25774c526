package limits

import (
	"sync"
	"time"

	"github.com/adred-codev/telemetry-relay/internal/monitoring"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter throttles WebSocket upgrade attempts before any
// per-connection state is allocated.
//
// Two levels of token buckets (golang.org/x/time/rate):
//   - Per-IP: a single gateway or sensor host stuck in a reconnect loop
//     cannot take every admission slot
//   - Global: caps the admission rate across all addresses, so a fleet
//     reconnecting after a relay restart is spread out over time
//
// Rejected attempts are answered with 429 by the /ws handler and counted in
// relay_connection_rate_limited_total, labelled "global" or "per_ip".
//
// Idle per-IP buckets are forgotten after IPTTL by a cleanup goroutine;
// call Stop to end it.
type ConnectionRateLimiter struct {
	// Per-IP buckets, created on first attempt
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int           // Max burst connections per IP
	ipRate     float64       // Sustained connections/sec per IP
	ipTTL      time.Duration // Forget an IP after this long without attempts

	// Global bucket
	globalLimiter *rate.Limiter
	globalBurst   int     // Max burst connections system-wide
	globalRate    float64 // Sustained connections/sec system-wide

	logger zerolog.Logger

	// Cleanup goroutine lifecycle
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
	done          chan struct{} // Closed when cleanupLoop returns
}

// ipLimiterEntry pairs an IP's bucket with the time of its last attempt
type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionRateLimiterConfig holds configuration for connection rate limiting
type ConnectionRateLimiterConfig struct {
	IPBurst int           // Max burst connections per IP (default: 10)
	IPRate  float64       // Sustained connections/sec per IP (default: 1.0)
	IPTTL   time.Duration // Forget idle IPs after this duration (default: 5 minutes)

	GlobalBurst int     // Max burst connections system-wide (default: 300)
	GlobalRate  float64 // Sustained connections/sec system-wide (default: 50.0)

	CleanupInterval time.Duration // default: 1 minute

	Logger zerolog.Logger
}

// NewConnectionRateLimiter creates a limiter and starts its cleanup goroutine.
// Call Stop on shutdown.
//
// Zero values fall back to the defaults:
//   - Per-IP: burst 10, 1 conn/sec sustained, forgotten after 5 minutes idle
//   - Global: burst 300, 50 conn/sec sustained
//   - Cleanup every minute
//
// Example:
//
//	limiter := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
//	    IPBurst:     cfg.ConnRateLimitIPBurst,
//	    IPRate:      cfg.ConnRateLimitIPRate,
//	    GlobalBurst: cfg.ConnRateLimitGlobalBurst,
//	    GlobalRate:  cfg.ConnRateLimitGlobalRate,
//	    Logger:      logger,
//	})
//	defer limiter.Stop()
func NewConnectionRateLimiter(config ConnectionRateLimiterConfig) *ConnectionRateLimiter {
	if config.IPBurst == 0 {
		config.IPBurst = 10
	}
	if config.IPRate == 0 {
		config.IPRate = 1.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 300
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 50.0
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	limiter := &ConnectionRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		globalBurst:   config.GlobalBurst,
		globalRate:    config.GlobalRate,
		logger:        config.Logger.With().Str("component", "connection_rate_limiter").Logger(),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
		stopCleanup:   make(chan struct{}),
		done:          make(chan struct{}),
	}

	go limiter.cleanupLoop()

	limiter.logger.Info().
		Int("ip_burst", config.IPBurst).
		Float64("ip_rate", config.IPRate).
		Dur("ip_ttl", config.IPTTL).
		Int("global_burst", config.GlobalBurst).
		Float64("global_rate", config.GlobalRate).
		Msg("ConnectionRateLimiter initialized")

	return limiter
}

// CheckConnectionAllowed reports whether a connection from ip may proceed.
//
// The global bucket is consulted first so a flood from many addresses is
// refused without touching the per-IP map. A token is consumed from each
// bucket that allows the attempt.
//
// Example:
//
//	if !limiter.CheckConnectionAllowed(clientIP) {
//	    http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
//	    return
//	}
func (crl *ConnectionRateLimiter) CheckConnectionAllowed(ip string) bool {
	if !crl.globalLimiter.Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("global_rate", crl.globalRate).
			Int("global_burst", crl.globalBurst).
			Msg("Connection rejected: global rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("global")
		return false
	}

	if !crl.getIPLimiter(ip).Allow() {
		crl.logger.Debug().
			Str("ip", ip).
			Float64("ip_rate", crl.ipRate).
			Int("ip_burst", crl.ipBurst).
			Msg("Connection rejected: per-IP rate limit exceeded")
		monitoring.IncrementConnectionRateLimit("per_ip")
		return false
	}

	return true
}

// getIPLimiter returns the bucket for ip, creating it on first use, and
// refreshes its last access time
func (crl *ConnectionRateLimiter) getIPLimiter(ip string) *rate.Limiter {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	entry, exists := crl.ipLimiters[ip]
	if !exists {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(rate.Limit(crl.ipRate), crl.ipBurst)}
		crl.ipLimiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter
}

// cleanupLoop evicts idle IPs on every tick until Stop
func (crl *ConnectionRateLimiter) cleanupLoop() {
	defer close(crl.done)
	for {
		select {
		case <-crl.cleanupTicker.C:
			crl.cleanup(time.Now())
		case <-crl.stopCleanup:
			crl.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup removes limiters for IPs idle longer than the TTL
func (crl *ConnectionRateLimiter) cleanup(now time.Time) int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()

	removed := 0
	for ip, entry := range crl.ipLimiters {
		if now.Sub(entry.lastAccess) > crl.ipTTL {
			delete(crl.ipLimiters, ip)
			removed++
		}
	}

	if removed > 0 {
		crl.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(crl.ipLimiters)).
			Msg("Cleaned up stale IP rate limiters")
	}
	return removed
}

// TrackedIPs returns the number of addresses with a live limiter
func (crl *ConnectionRateLimiter) TrackedIPs() int {
	crl.ipMu.Lock()
	defer crl.ipMu.Unlock()
	return len(crl.ipLimiters)
}

// Stop stops the cleanup goroutine and waits for it to exit. Safe to call twice.
func (crl *ConnectionRateLimiter) Stop() {
	crl.stopOnce.Do(func() {
		close(crl.stopCleanup)
	})
	<-crl.done
}
