package auth

import (
	"bytes"
	"container/list"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradegate/gateway/verdict"
)

const (
	// HeaderAPIKey identifies the signing identity.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp carries the request timestamp in epoch milliseconds.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection within the freshness window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the lowercase hex HMAC-SHA256 signature.
	HeaderSignature = "X-Signature"

	// Legacy header names still emitted by older call sites. Accepted as
	// aliases; their use is logged so emitters can be migrated.
	LegacyHeaderTimestamp = "X-Hmac-Timestamp"
	LegacyHeaderNonce     = "X-Hmac-Nonce"
	LegacyHeaderSignature = "X-Hmac-Signature"

	// MaxBodyForSignature is the largest body hashed during verification.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxFreshnessWindow     = 10 * time.Minute
	defaultFreshnessWindow = 5 * time.Minute
	defaultNonceCapacity   = 4096
	maxNonceCapacity       = 65536
	persistPruneInterval   = time.Minute
)

// Principal is the identity proven by a valid signature.
type Principal struct {
	Identity string
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Identity   string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for nonce usage so the replay
// window survives process restarts.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Verifier validates HMAC-signed requests: header presence, timestamp
// freshness, nonce uniqueness, and a constant-time signature check, in that
// order. Nonce presence is checked before any crypto so replays of a
// previously accepted request are rejected cheaply; a nonce is only recorded
// once the full verification path succeeds.
type Verifier struct {
	secrets         map[string]string
	freshnessWindow time.Duration
	nonceCapacity   int
	nowFn           func() time.Time
	logger          *slog.Logger

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore

	persistMu   sync.Mutex
	persistence NoncePersistence
	lastPruned  time.Time
}

// NewVerifier builds a Verifier keyed by the provided identity→secret map.
// Window and capacity are clamped to hard maxima so misconfiguration cannot
// widen the replay surface.
func NewVerifier(secrets map[string]string, window time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence, logger *slog.Logger) *Verifier {
	cloned := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cloned[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if window <= 0 {
		window = defaultFreshnessWindow
	}
	if window > maxFreshnessWindow {
		window = maxFreshnessWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		secrets:         cloned,
		freshnessWindow: window,
		nonceCapacity:   nonceCapacity,
		nowFn:           nowFn,
		logger:          logger,
		nonces:          make(map[string]*nonceStore),
		persistence:     persistence,
	}
}

// Window exposes the configured freshness window.
func (v *Verifier) Window() time.Duration { return v.freshnessWindow }

// Headers bundles the signing material extracted from a request.
type Headers struct {
	Identity  string
	Timestamp string
	Nonce     string
	Signature string
}

// ExtractHeaders pulls the signing headers, falling back to the legacy
// aliases. Missing values fail with a headers_missing rejection naming the
// first absent header.
func (v *Verifier) ExtractHeaders(h http.Header) (Headers, error) {
	out := Headers{
		Identity:  strings.TrimSpace(h.Get(HeaderAPIKey)),
		Timestamp: strings.TrimSpace(h.Get(HeaderTimestamp)),
		Nonce:     strings.TrimSpace(h.Get(HeaderNonce)),
		Signature: strings.TrimSpace(h.Get(HeaderSignature)),
	}
	legacy := false
	if out.Timestamp == "" {
		if alias := strings.TrimSpace(h.Get(LegacyHeaderTimestamp)); alias != "" {
			out.Timestamp = alias
			legacy = true
		}
	}
	if out.Nonce == "" {
		if alias := strings.TrimSpace(h.Get(LegacyHeaderNonce)); alias != "" {
			out.Nonce = alias
			legacy = true
		}
	}
	if out.Signature == "" {
		if alias := strings.TrimSpace(h.Get(LegacyHeaderSignature)); alias != "" {
			out.Signature = alias
			legacy = true
		}
	}
	if legacy {
		v.logger.Warn("legacy hmac header names in use", "identity", out.Identity)
	}
	switch {
	case out.Identity == "":
		return out, verdict.Errorf(verdict.CodeHeadersMissing, "missing %s header", HeaderAPIKey)
	case out.Timestamp == "":
		return out, verdict.Errorf(verdict.CodeHeadersMissing, "missing %s header", HeaderTimestamp)
	case out.Nonce == "":
		return out, verdict.Errorf(verdict.CodeHeadersMissing, "missing %s header", HeaderNonce)
	case out.Signature == "":
		return out, verdict.Errorf(verdict.CodeHeadersMissing, "missing %s header", HeaderSignature)
	}
	return out, nil
}

// Verify authenticates a signed request and returns the proven principal.
func (v *Verifier) Verify(ctx context.Context, method, path string, header http.Header, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, verdict.Errorf(verdict.CodeValueTooLong, "request body exceeds %d bytes", MaxBodyForSignature)
	}
	hdrs, err := v.ExtractHeaders(header)
	if err != nil {
		return nil, err
	}
	secret, ok := v.secrets[hdrs.Identity]
	if !ok || secret == "" {
		return nil, verdict.Errorf(verdict.CodeUnauthenticated, "unknown signing identity")
	}

	ts, err := parseMillisTimestamp(hdrs.Timestamp)
	if err != nil {
		return nil, verdict.Errorf(verdict.CodeTimestampInvalid, "invalid timestamp: %v", err)
	}
	now := v.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.freshnessWindow {
		return nil, verdict.Errorf(verdict.CodeTimestampInvalid, "timestamp outside freshness window of %s", v.freshnessWindow)
	}

	// Replay lookup before any signature work.
	store := v.nonceStore(hdrs.Identity)
	if store.Contains(hdrs.Nonce, now) {
		return nil, verdict.Errorf(verdict.CodeNonceInvalid, "nonce already used")
	}

	expectedHex := Sign(method, path, body, hdrs.Timestamp, hdrs.Nonce, secret)
	provided, err := hex.DecodeString(hdrs.Signature)
	if err != nil {
		return nil, verdict.Errorf(verdict.CodeInvalidSignature, "invalid signature encoding")
	}
	expected, _ := hex.DecodeString(expectedHex)
	if !hmac.Equal(provided, expected) {
		return nil, verdict.Errorf(verdict.CodeInvalidSignature, "signature mismatch")
	}

	duplicate, err := v.registerNonce(ctx, hdrs.Identity, hdrs.Nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, verdict.Errorf(verdict.CodeNonceInvalid, "nonce already used")
	}
	return &Principal{Identity: hdrs.Identity}, nil
}

// registerNonce performs the atomic check-and-insert that decides the single
// first user of a nonce; concurrent callers lose the race and see duplicate.
func (v *Verifier) registerNonce(ctx context.Context, identity, nonce string, now time.Time) (bool, error) {
	store := v.nonceStore(identity)
	if store.Seen(nonce, now) {
		return true, nil
	}
	if v.persistence == nil {
		return false, nil
	}
	v.persistMu.Lock()
	defer v.persistMu.Unlock()
	if err := v.prunePersistent(ctx, now); err != nil {
		return false, err
	}
	existed, err := v.persistence.EnsureNonce(ctx, NonceRecord{Identity: identity, Nonce: nonce, ObservedAt: now})
	if err != nil {
		return false, fmt.Errorf("persist nonce: %w", err)
	}
	return existed, nil
}

// HydrateNonces warms the in-memory cache from persisted usage records,
// typically at startup with cutoff = now - window.
func (v *Verifier) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if v == nil || v.persistence == nil {
		return nil
	}
	records, err := v.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Identity) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		v.nonceStore(rec.Identity).Add(rec.Nonce, observed)
	}
	return nil
}

func (v *Verifier) prunePersistent(ctx context.Context, now time.Time) error {
	if v.persistence == nil {
		return nil
	}
	if !v.lastPruned.IsZero() && now.Sub(v.lastPruned) < persistPruneInterval {
		return nil
	}
	if err := v.persistence.PruneNonces(ctx, now.Add(-v.freshnessWindow)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	v.lastPruned = now
	return nil
}

func (v *Verifier) nonceStore(identity string) *nonceStore {
	v.nonceMu.Lock()
	defer v.nonceMu.Unlock()
	store, ok := v.nonces[identity]
	if ok {
		return store
	}
	store = newNonceStore(v.freshnessWindow, v.nonceCapacity)
	v.nonces[identity] = store
	return store
}

// Sign computes the lowercase 64-hex HMAC-SHA256 signature over the canonical
// signing string: uppercase method, path, stable JSON body, epoch-millisecond
// timestamp, and nonce, newline-joined in that fixed order.
func Sign(method, path string, body []byte, timestamp, nonce, secret string) string {
	payload := strings.Join([]string{
		strings.ToUpper(method),
		path,
		CanonicalBody(body),
		timestamp,
		nonce,
	}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalBody renders a JSON body with deterministic key ordering by
// decoding and re-encoding it (encoding/json sorts map keys). Empty bodies
// canonicalize to the empty string; non-JSON bodies are signed verbatim.
func CanonicalBody(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}
	var decoded interface{}
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return string(trimmed)
	}
	encoded, err := json.Marshal(decoded)
	if err != nil {
		return string(trimmed)
	}
	return string(encoded)
}

// CanonicalPath normalizes the path and query ordering for signing. The query
// is always included when present, with parameters sorted for stability.
func CanonicalPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery sorts raw query parameters for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func parseMillisTimestamp(v string) (time.Time, error) {
	millis, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}

// nonceStore is a TTL- and capacity-bounded set of recently seen nonces for a
// single identity. Expired entries are evicted lazily on access.
type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if ttl <= 0 {
		ttl = defaultFreshnessWindow
	}
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen atomically records the nonce, reporting true when it was already
// present. Exactly one concurrent caller for a given key observes false.
func (n *nonceStore) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	n.insertLocked(key, now)
	return false
}

// Contains reports presence without mutating the set.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce unconditionally, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	n.insertLocked(key, now)
}

func (n *nonceStore) insertLocked(key string, now time.Time) {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.order.Len() >= n.capacity {
		n.evictFront()
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}

func (n *nonceStore) evictFront() {
	front := n.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(nonceEntry)
	n.order.Remove(front)
	delete(n.entries, entry.key)
}
