// Package ratelimit provides token-bucket rate limiting middleware keyed per
// caller.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(r *http.Request) string

// Config holds the configuration for one limiter
type Config struct {
	Enabled        bool
	RequestsPerMin int
	BurstSize      int
	// CleanupInterval is how long an idle bucket is kept. Defaults to 10m.
	CleanupInterval time.Duration
	// ErrorCode is reported in the 429 body. Defaults to RATE_LIMIT_EXCEEDED.
	ErrorCode string
	// Key defaults to ClientIP.
	Key KeyFunc
	// Exempt paths are never limited.
	Exempt []string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per key.
type Limiter struct {
	cfg    Config
	limit  rate.Limit
	exempt map[string]bool

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter and starts the goroutine that forgets idle buckets.
// Call Stop to end it.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if cfg.ErrorCode == "" {
		cfg.ErrorCode = "RATE_LIMIT_EXCEEDED"
	}
	if cfg.Key == nil {
		cfg.Key = ClientIP
	}

	l := &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMin) / 60),
		exempt:  make(map[string]bool, len(cfg.Exempt)),
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, p := range cfg.Exempt {
		l.exempt[p] = true
	}

	go l.sweep()
	return l
}

// Stop ends the sweeper. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.forgetIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) forgetIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.CleanupInterval)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.cfg.BurstSize)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	return b.limiter
}

// wait reports how long key must wait for a token. Zero means the request
// may proceed and a token was taken.
func (l *Limiter) wait(key string) time.Duration {
	now := l.now()
	res := l.bucketFor(key).ReserveN(now, 1)
	if !res.OK() {
		return time.Minute
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return d
	}
	return 0
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header rounded up to whole seconds.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.exempt[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if d := l.wait(l.cfg.Key(r)); d > 0 {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    l.cfg.ErrorCode,
						"message": "Too many requests. Please try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys by remote address. chi's RealIP has already rewritten
// RemoteAddr when it runs earlier in the chain.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
