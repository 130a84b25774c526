package limits

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket to inbound frames, one bucket per connection.
//
// A burst lets a dashboard resubscribe to many devices at once after reconnecting,
// while the sustained rate stops a misbehaving producer from flooding the relay.
// A zero rate disables limiting entirely.
//
// Usage from the frame router:
//
//	if !limiter.CheckLimit(conn.ID()) {
//	    // reply RATE_LIMIT_EXCEEDED and drop the frame
//	}
//
// Buckets are keyed by connection id and must be released with RemoveClient
// when the connection goes away. All methods are safe on a nil *RateLimiter.
type RateLimiter struct {
	limit rate.Limit // Sustained frames/sec per connection, 0 = disabled
	burst int        // Frames allowed back to back

	mu      sync.Mutex
	buckets map[string]*rate.Limiter // conn id → bucket
}

// NewRateLimiter creates a per-connection limiter (perSecond <= 0 disables it)
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether frames are being limited
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.limit > 0
}

// CheckLimit consumes one token for the connection.
//
// Returns:
//   - true: the frame may be processed
//   - false: the bucket is empty and the frame should be dropped
//
// The bucket is created on the connection's first frame.
func (rl *RateLimiter) CheckLimit(connID string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	bucket, ok := rl.buckets[connID]
	if !ok {
		bucket = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[connID] = bucket
	}
	rl.mu.Unlock()

	return bucket.Allow()
}

// RemoveClient drops the bucket of a closed connection
func (rl *RateLimiter) RemoveClient(connID string) {
	if !rl.Enabled() {
		return
	}
	rl.mu.Lock()
	delete(rl.buckets, connID)
	rl.mu.Unlock()
}

// Tracked returns the number of live buckets
func (rl *RateLimiter) Tracked() int {
	if !rl.Enabled() {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
