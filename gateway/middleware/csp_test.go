package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tradegate/gateway/session"
)

func cspSend(handler http.Handler, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: "session_id", Value: sessionID})
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCSPHeaderStablePerSession(t *testing.T) {
	csp := NewCSP(CSPConfig{Enabled: true}, session.NewCSPNonces())
	handler := csp.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := cspSend(handler, "sess-1").Header().Get("Content-Security-Policy")
	if first == "" || !strings.Contains(first, "'nonce-") {
		t.Fatalf("policy header = %q", first)
	}
	if again := cspSend(handler, "sess-1").Header().Get("Content-Security-Policy"); again != first {
		t.Fatalf("policy changed within session: %q vs %q", again, first)
	}
	if other := cspSend(handler, "sess-2").Header().Get("Content-Security-Policy"); other == first {
		t.Fatalf("distinct sessions share a policy nonce")
	}
}

func TestCSPNoCookieNoHeader(t *testing.T) {
	csp := NewCSP(CSPConfig{Enabled: true}, session.NewCSPNonces())
	handler := csp.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if got := cspSend(handler, "").Header().Get("Content-Security-Policy"); got != "" {
		t.Fatalf("unexpected policy header %q", got)
	}
}

func TestCSPEndSessionRotatesNonce(t *testing.T) {
	nonces := session.NewCSPNonces()
	csp := NewCSP(CSPConfig{Enabled: true}, nonces)
	handler := csp.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := cspSend(handler, "sess-1").Header().Get("Content-Security-Policy")
	csp.EndSession("sess-1")
	if after := cspSend(handler, "sess-1").Header().Get("Content-Security-Policy"); after == first {
		t.Fatalf("nonce survived session teardown")
	}
}
