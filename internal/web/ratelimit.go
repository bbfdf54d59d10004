package web

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-IP request limiter in front of the API.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained per-IP rate.
	RequestsPerSecond float64
	// BurstSize is how many requests above the rate a bucket absorbs.
	BurstSize int
	// SweepInterval is how often idle buckets are discarded.
	SweepInterval time.Duration
	// IdleTTL is how long a bucket survives without traffic.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig returns the built-in limiter settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         20,
		SweepInterval:     5 * time.Minute,
		IdleTTL:           10 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter enforces a token-bucket limit per client IP across the
// REST and debug endpoints. Streaming connections are admitted through
// it once at upgrade time; established streams are not limited.
type IPRateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewIPRateLimiter creates a limiter and starts its idle-bucket sweeper.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	l := &IPRateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Close stops the sweeper.
func (l *IPRateLimiter) Close() {
	close(l.stopCh)
	<-l.doneCh
}

// Allow reports whether a request from ip fits its bucket.
func (l *IPRateLimiter) Allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Middleware rejects over-limit requests with 429 and a Retry-After hint.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(getClientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeErrorJSON(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BucketCount returns how many per-IP buckets are live, for monitoring.
func (l *IPRateLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *IPRateLimiter) sweepLoop() {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.cfg.IdleTTL)
			l.mu.Lock()
			for ip, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}
