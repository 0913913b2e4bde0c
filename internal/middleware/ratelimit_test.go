package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d within the limit was rejected", i+1)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Error("request over the limit was allowed")
	}

	// A different client has its own window.
	if !rl.Allow("5.6.7.8") {
		t.Error("unrelated client was rejected")
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond)

	if !rl.Allow("1.2.3.4") {
		t.Fatal("first request rejected")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("second request inside the window allowed")
	}

	time.Sleep(30 * time.Millisecond)
	if !rl.Allow("1.2.3.4") {
		t.Error("request after the window expired was rejected")
	}
}

func TestRateLimiterReset(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)

	rl.Allow("1.2.3.4")
	if rl.Allow("1.2.3.4") {
		t.Fatal("limit not enforced")
	}
	rl.Reset("1.2.3.4")
	if !rl.Allow("1.2.3.4") {
		t.Error("request after reset was rejected")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/trace-sessions", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", rec.Code)
	}
}
