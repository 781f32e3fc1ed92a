package whistleca

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow_Basic(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	for i := 0; i < 5; i++ {
		if !rl.Allow("192.168.1.1:1234") {
			t.Fatal("first 5 requests should be allowed (burst)")
		}
	}

	if rl.Allow("192.168.1.1:1234") {
		t.Fatal("6th request should be denied (burst exhausted)")
	}
}

func TestRateLimiter_Allow_Refill(t *testing.T) {
	rl := NewRateLimiter(100, 2)
	defer rl.Close()

	rl.Allow("10.0.0.1:5000")
	rl.Allow("10.0.0.1:5000")

	if rl.Allow("10.0.0.1:5000") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(25 * time.Millisecond)

	if !rl.Allow("10.0.0.1:5000") {
		t.Fatal("should be allowed after refill")
	}
}

func TestRateLimiter_Allow_PerClient(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()

	if !rl.Allow("client-a:1") {
		t.Fatal("client A first request should be allowed")
	}
	if !rl.Allow("client-b:1") {
		t.Fatal("client B first request should be allowed (independent bucket)")
	}
	// Port changes do not create a new bucket.
	if rl.Allow("client-a:2") {
		t.Fatal("client A second request should be denied")
	}
}

func TestRateLimiter_Allow_NoPort(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	if !rl.Allow("192.168.1.1") {
		t.Fatal("address without port should work")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(10, 1)
	defer rl.Close()

	var throttled int
	rl.OnThrottle = func(*http.Request) { throttled++ }

	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.RemoteAddr = "192.168.1.1:9999"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want 204", w.Code)
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req)
	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") != "1" {
		t.Error("missing Retry-After header")
	}
	if throttled != 1 {
		t.Errorf("OnThrottle called %d times, want 1", throttled)
	}
}

func TestRateLimiter_BurstCap(t *testing.T) {
	rl := NewRateLimiter(10, 3)
	defer rl.Close()

	rl.Allow("x:1")
	rl.Allow("x:1")
	rl.Allow("x:1")

	time.Sleep(400 * time.Millisecond)

	allowed := 0
	for i := 0; i < 10; i++ {
		if rl.Allow("x:1") {
			allowed++
		}
	}

	if allowed > 3 {
		t.Errorf("allowed %d > burst cap 3", allowed)
	}
}

func TestRateLimiter_ClientCount(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	rl.Allow("a:1")
	rl.Allow("b:1")
	rl.Allow("c:1")

	if n := rl.ClientCount(); n != 3 {
		t.Errorf("ClientCount = %d, want 3", n)
	}
}

func TestRateLimiter_Close_Idempotent(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	rl.Close()
	rl.Close()
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(10, 5)
	defer rl.Close()

	rl.Allow("stale:1")
	rl.Allow("fresh:1")

	rl.mu.RLock()
	rl.limiters["stale"].lastSeen.Store(time.Now().Add(-5 * time.Minute).UnixNano())
	rl.mu.RUnlock()

	rl.prune(time.Now().Add(-time.Minute))

	rl.mu.RLock()
	_, hasStale := rl.limiters["stale"]
	_, hasFresh := rl.limiters["fresh"]
	rl.mu.RUnlock()

	if hasStale {
		t.Error("stale limiter should have been pruned")
	}
	if !hasFresh {
		t.Error("fresh limiter should still exist")
	}
}
