package middleware

import (
	"fmt"
	"net/http"

	"tradegate/gateway/session"
)

// CSPConfig controls the Content-Security-Policy header attached to browser
// sessions. SessionCookie names the cookie carrying the session identifier;
// requests without it (service-to-service traffic) get no CSP header.
type CSPConfig struct {
	Enabled       bool
	SessionCookie string
}

// CSP stamps responses with a script-src policy bound to the session's nonce.
// The nonce is stable for the life of the session so multi-request page loads
// agree on it.
type CSP struct {
	cfg    CSPConfig
	nonces *session.CSPNonces
}

// NewCSP builds the middleware over a shared nonce map. An empty cookie name
// defaults to "session_id".
func NewCSP(cfg CSPConfig, nonces *session.CSPNonces) *CSP {
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "session_id"
	}
	if nonces == nil {
		nonces = session.NewCSPNonces()
	}
	return &CSP{cfg: cfg, nonces: nonces}
}

// Middleware sets the policy header before the handler writes.
func (c *CSP) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.cfg.Enabled {
			if cookie, err := r.Cookie(c.cfg.SessionCookie); err == nil && cookie.Value != "" {
				nonce := c.nonces.Get(cookie.Value)
				w.Header().Set("Content-Security-Policy",
					fmt.Sprintf("default-src 'self'; script-src 'self' 'nonce-%s'", nonce))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// EndSession discards the session's nonce on logout.
func (c *CSP) EndSession(sessionID string) {
	c.nonces.Drop(sessionID)
}
