package whistleca

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles admin API clients by remote IP. Each client gets its
// own token bucket; buckets idle for two cleanup intervals are dropped.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*clientLimiter

	limit rate.Limit
	burst int

	// CleanupInterval controls how often stale buckets are removed.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	// OnThrottle is called for every rejected request.
	OnThrottle func(r *http.Request)

	done chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanoseconds
}

// NewRateLimiter creates a per-client rate limiter allowing rps requests per
// second with the given burst, and starts its cleanup goroutine.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		limiters:        make(map[string]*clientLimiter),
		limit:           rate.Limit(rps),
		burst:           burst,
		CleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from addr (host or host:port) may proceed.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	c := rl.get(host)
	c.lastSeen.Store(time.Now().UnixNano())
	return c.limiter.Allow()
}

func (rl *RateLimiter) get(host string) *clientLimiter {
	rl.mu.RLock()
	c, ok := rl.limiters[host]
	rl.mu.RUnlock()
	if ok {
		return c
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if c, ok := rl.limiters[host]; ok {
		return c
	}
	c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
	rl.limiters[host] = c
	return c
}

// Middleware rejects throttled requests with 429 Too Many Requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.RemoteAddr) {
			if rl.OnThrottle != nil {
				rl.OnThrottle(r)
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the background cleanup goroutine.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.done:
	default:
		close(rl.done)
	}
}

// ClientCount returns the number of tracked clients.
func (rl *RateLimiter) ClientCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
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
			rl.prune(now.Add(-2 * interval))
		}
	}
}

func (rl *RateLimiter) prune(before time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for host, c := range rl.limiters {
		if c.lastSeen.Load() < before.UnixNano() {
			delete(rl.limiters, host)
		}
	}
}
