package apikey

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tradegate/gateway/verdict"
)

// HeaderAPIKey carries the raw delegated credential on inbound requests.
const HeaderAPIKey = "X-Api-Key"

// ScopeRead is the implicit scope granted to unmapped safe methods.
const ScopeRead = "read"

// Key is a delegated credential consulted read-only by the core. Issuance and
// revocation happen in an external process.
type Key struct {
	ID        string
	Owner     string
	Scopes    []string
	ExpiresAt time.Time
	Revoked   bool
}

// Store resolves a raw key value to its record. Implementations must be safe
// for concurrent use.
type Store interface {
	Lookup(ctx context.Context, raw string) (*Key, error)
}

// ScopeRule maps a method and path pattern to the scope a key must declare.
type ScopeRule struct {
	Method  string
	Pattern string
	Scope   string
}

// Validator derives required scopes from a static route table and authorizes
// keys against them. Immutable once constructed.
type Validator struct {
	rules []ScopeRule
	store Store
	nowFn func() time.Time
}

// NewValidator builds a Validator over the provided scope table and store.
func NewValidator(rules []ScopeRule, store Store, nowFn func() time.Time) *Validator {
	if nowFn == nil {
		nowFn = time.Now
	}
	compiled := make([]ScopeRule, 0, len(rules))
	for _, rule := range rules {
		rule.Method = strings.ToUpper(strings.TrimSpace(rule.Method))
		rule.Pattern = strings.TrimSpace(rule.Pattern)
		rule.Scope = strings.TrimSpace(rule.Scope)
		if rule.Method == "" || rule.Pattern == "" || rule.Scope == "" {
			continue
		}
		compiled = append(compiled, rule)
	}
	return &Validator{rules: compiled, store: store, nowFn: nowFn}
}

// RequiredScope resolves the scope a route demands. Unmapped routes default
// to read-only access for safe methods and are denied otherwise; the second
// return reports whether the route is reachable with a key at all.
func (v *Validator) RequiredScope(method, path string) (string, bool) {
	method = strings.ToUpper(method)
	segments := splitPath(path)
	best := ""
	bestScore := -1
	for _, rule := range v.rules {
		if rule.Method != method {
			continue
		}
		score, ok := matchSegments(splitPath(rule.Pattern), segments)
		if !ok {
			continue
		}
		if score > bestScore {
			best = rule.Scope
			bestScore = score
		}
	}
	if best != "" {
		return best, true
	}
	if method == http.MethodGet || method == http.MethodHead {
		return ScopeRead, true
	}
	return "", false
}

// Resolve authenticates a raw key value: unknown, expired, and revoked keys
// all fail with the same unauthenticated rejection.
func (v *Validator) Resolve(ctx context.Context, raw string) (*Key, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, verdict.Errorf(verdict.CodeUnauthenticated, "missing API key")
	}
	key, err := v.store.Lookup(ctx, raw)
	if err != nil || key == nil {
		return nil, verdict.Errorf(verdict.CodeUnauthenticated, "unknown API key")
	}
	if key.Revoked {
		return nil, verdict.Errorf(verdict.CodeUnauthenticated, "API key revoked")
	}
	if !key.ExpiresAt.IsZero() && !v.nowFn().Before(key.ExpiresAt) {
		return nil, verdict.Errorf(verdict.CodeUnauthenticated, "API key expired")
	}
	return key, nil
}

// Authorize checks whether the key's declared scopes cover the route. A key
// carrying any wildcard or unparseable scope token has no usable scopes at
// all; wildcard credentials never authorize anything.
func (v *Validator) Authorize(key *Key, method, path string) error {
	required, ok := v.RequiredScope(method, path)
	if !ok {
		return verdict.Errorf(verdict.CodePermissionDenied, "no scope mapped for %s %s", method, path)
	}
	usable, ok := usableScopes(key.Scopes)
	if !ok {
		return verdict.Errorf(verdict.CodePermissionDenied, "key declares invalid scopes")
	}
	if _, held := usable[required]; !held {
		return verdict.Errorf(verdict.CodePermissionDenied, "key lacks scope %q", required)
	}
	return nil
}

// usableScopes parses the declared scope list, failing closed: one bad token
// poisons the whole set.
func usableScopes(scopes []string) (map[string]struct{}, bool) {
	out := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if !validScope(scope) {
			return nil, false
		}
		out[scope] = struct{}{}
	}
	return out, true
}

// validScope accepts "resource:action" tokens and the bare read scope.
// Wildcards and empty segments are untrusted.
func validScope(scope string) bool {
	if scope == ScopeRead {
		return true
	}
	parts := strings.Split(scope, ":")
	if len(parts) != 2 {
		return false
	}
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, "*? ") {
			return false
		}
	}
	return true
}

func matchSegments(pattern, path []string) (int, bool) {
	if len(pattern) != len(path) {
		return 0, false
	}
	score := 0
	prefix := true
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			prefix = false
			continue
		}
		if seg != path[i] {
			return 0, false
		}
		if prefix {
			score += 1 << 8
		}
		score++
	}
	return score, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// MemoryStore is a fixed in-process Store, keyed by raw key value.
type MemoryStore struct {
	keys map[string]Key
}

// NewMemoryStore copies the provided records into an immutable store.
func NewMemoryStore(keys map[string]Key) *MemoryStore {
	cloned := make(map[string]Key, len(keys))
	for raw, key := range keys {
		cloned[strings.TrimSpace(raw)] = key
	}
	return &MemoryStore{keys: cloned}
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(_ context.Context, raw string) (*Key, error) {
	key, ok := m.keys[raw]
	if !ok {
		return nil, nil
	}
	cloned := key
	return &cloned, nil
}
