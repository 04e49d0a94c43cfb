package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func throttledHandler(cfg ThrottleConfig) http.Handler {
	t := NewThrottle(cfg, nil)
	return t.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func sendFrom(handler http.Handler, realIP string) int {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if realIP != "" {
		req.Header.Set("X-Real-IP", realIP)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestThrottleLimitsPerClient(t *testing.T) {
	// One token per minute with burst 2: two immediate requests pass, the
	// third is shed.
	handler := throttledHandler(ThrottleConfig{Enabled: true, RequestsPerMinute: 1, Burst: 2})

	if code := sendFrom(handler, "10.0.0.1"); code != http.StatusNoContent {
		t.Fatalf("first request status = %d", code)
	}
	if code := sendFrom(handler, "10.0.0.1"); code != http.StatusNoContent {
		t.Fatalf("second request status = %d", code)
	}
	if code := sendFrom(handler, "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", code)
	}

	// A different client has its own bucket.
	if code := sendFrom(handler, "10.0.0.2"); code != http.StatusNoContent {
		t.Fatalf("other client status = %d", code)
	}
}

func TestThrottleDisabled(t *testing.T) {
	handler := throttledHandler(ThrottleConfig{Enabled: false})
	for i := 0; i < 10; i++ {
		if code := sendFrom(handler, "10.0.0.1"); code != http.StatusNoContent {
			t.Fatalf("request %d status = %d", i+1, code)
		}
	}
}

func TestThrottlePrune(t *testing.T) {
	throttle := NewThrottle(ThrottleConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1}, nil)
	base := time.Unix(1_700_000_000, 0)
	throttle.nowFn = func() time.Time { return base }

	throttle.obtain("10.0.0.1")
	throttle.obtain("10.0.0.2")

	throttle.nowFn = func() time.Time { return base.Add(20 * time.Minute) }
	throttle.obtain("10.0.0.2") // refreshes lastSeen

	if removed := throttle.Prune(10 * time.Minute); removed != 1 {
		t.Fatalf("pruned %d entries, want 1", removed)
	}
	if len(throttle.clients) != 1 {
		t.Fatalf("clients after prune = %d, want 1", len(throttle.clients))
	}
}

func TestClientIPResolution(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4242"
	if got := clientIP(req); got != "192.0.2.10" {
		t.Fatalf("remote addr ip = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 192.0.2.1")
	if got := clientIP(req); got != "203.0.113.5" {
		t.Fatalf("forwarded ip = %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := clientIP(req); got != "198.51.100.7" {
		t.Fatalf("real ip = %q", got)
	}
}
