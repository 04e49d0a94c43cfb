package session

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
)

// CSPNonces holds the per-session random tokens handed to downstream header
// construction. Every session owns exactly one live nonce; teardown removes
// it and a reset overwrites it.
type CSPNonces struct {
	mu     sync.Mutex
	nonces map[string]string
}

// NewCSPNonces returns an empty nonce map.
func NewCSPNonces() *CSPNonces {
	return &CSPNonces{nonces: make(map[string]string)}
}

// Get returns the session's nonce, minting one on first use. Concurrent
// callers for the same session observe the same winner.
func (c *CSPNonces) Get(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nonce, ok := c.nonces[sessionID]; ok {
		return nonce
	}
	nonce := mint()
	c.nonces[sessionID] = nonce
	return nonce
}

// Reset overwrites the session's nonce with a fresh token and returns it.
func (c *CSPNonces) Reset(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	nonce := mint()
	c.nonces[sessionID] = nonce
	return nonce
}

// Drop removes the session's entry on logout or teardown.
func (c *CSPNonces) Drop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nonces, sessionID)
}

// Len reports the number of live sessions, for tests.
func (c *CSPNonces) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nonces)
}

func mint() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("session: crypto/rand unavailable: " + err.Error())
	}
	return base64.StdEncoding.EncodeToString(buf)
}
