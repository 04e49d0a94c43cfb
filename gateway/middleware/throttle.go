package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleConfig sizes the outer per-client-IP limiter. This layer protects
// the pipeline itself from unauthenticated floods; the per-identity quota
// limiter inside the pipeline enforces the policy budgets.
type ThrottleConfig struct {
	Enabled           bool
	RequestsPerMinute float64
	Burst             int
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a token-bucket limiter keyed by client IP.
type Throttle struct {
	cfg    ThrottleConfig
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*throttleEntry
	nowFn   func() time.Time
}

// NewThrottle builds the limiter.
func NewThrottle(cfg ThrottleConfig, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttle{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*throttleEntry),
		nowFn:   time.Now,
	}
}

// Middleware rejects clients exceeding the per-IP rate with 429.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		limiter := t.obtain(clientIP(r))
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Throttle) obtain(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFn()
	if entry, ok := t.clients[ip]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := t.cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := t.cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	entry := &throttleEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
	t.clients[ip] = entry
	return entry.limiter
}

// Prune drops client entries idle longer than maxIdle.
func (t *Throttle) Prune(maxIdle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.nowFn().Add(-maxIdle)
	removed := 0
	for ip, entry := range t.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(t.clients, ip)
			removed++
		}
	}
	return removed
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
