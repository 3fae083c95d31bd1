package hammerhead

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles proxied requests with one token bucket per key.
// The key is the client IP unless KeyFunc says otherwise; test farms that
// run many browsers behind one address usually throttle per session.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	// Rate is the number of requests permitted per second per key.
	Rate float64

	// Burst is the bucket size.
	Burst int

	// KeyFunc picks the bucket for a request (default: ClientKey).
	KeyFunc func(*http.Request) string

	// CleanupInterval controls how often idle buckets are dropped.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	done chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter allowing r requests per second
// with the given burst per key.
func NewRateLimiter(r float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets:         make(map[string]*bucket),
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// ClientKey keys requests by client IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SessionKey keys proxied requests by the session ID in the proxy URL
// path. Requests without one fall back to ClientKey.
func SessionKey(r *http.Request) string {
	meta, _, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !ok {
		return ClientKey(r)
	}
	sid, _, _ := strings.Cut(meta, "!")
	if sid == "" {
		return ClientKey(r)
	}
	return "session:" + sid
}

// Allow reports whether one more request for key fits in its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.reserve(key, time.Now())
	return ok
}

// reserve takes a token for key. When none is available it returns the
// wait until the next one.
func (rl *RateLimiter) reserve(key string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.Rate), rl.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) key(r *http.Request) string {
	if rl.KeyFunc != nil {
		return rl.KeyFunc(r)
	}
	return ClientKey(r)
}

// AllowHTTP checks the rate limit for r. A throttled request gets a 429
// with Retry-After set to the whole seconds until the next token.
func (rl *RateLimiter) AllowHTTP(w http.ResponseWriter, r *http.Request) bool {
	ok, wait := rl.reserve(rl.key(r), time.Now())
	if ok {
		return true
	}

	secs := max(1, int(math.Ceil(wait.Seconds())))
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// KeyCount returns the number of tracked buckets.
func (rl *RateLimiter) KeyCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) cleanup() {
	interval := rl.CleanupInterval
	if interval == 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case now := <-ticker.C:
			rl.evict(now.Add(-2 * interval))
		}
	}
}

func (rl *RateLimiter) evict(before time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(before) {
			delete(rl.buckets, key)
		}
	}
}
