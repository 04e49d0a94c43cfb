package auth

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestLevelDBNoncePersistenceEnsureAndPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	backend, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	now := time.Unix(1_717_787_717, 0).UTC()
	record := NonceRecord{Identity: "svc-exec", Nonce: "nonce-1", ObservedAt: now}

	existed, err := backend.EnsureNonce(context.Background(), record)
	if err != nil {
		t.Fatalf("ensure nonce: %v", err)
	}
	if existed {
		t.Fatalf("first use should not exist")
	}
	existed, err = backend.EnsureNonce(context.Background(), record)
	if err != nil {
		t.Fatalf("ensure nonce again: %v", err)
	}
	if !existed {
		t.Fatalf("second use should report existing")
	}

	recent, err := backend.RecentNonces(context.Background(), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent nonces: %v", err)
	}
	if len(recent) != 1 || recent[0].Identity != "svc-exec" || recent[0].Nonce != "nonce-1" {
		t.Fatalf("unexpected recent records: %+v", recent)
	}

	if err := backend.PruneNonces(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("prune nonces: %v", err)
	}
	recent, err = backend.RecentNonces(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recent after prune: %v", err)
	}
	if len(recent) != 0 {
		t.Fatalf("expected pruned store, got %+v", recent)
	}
	existed, err = backend.EnsureNonce(context.Background(), record)
	if err != nil {
		t.Fatalf("ensure after prune: %v", err)
	}
	if existed {
		t.Fatalf("pruned nonce should be reusable")
	}
}

func TestVerifierReplayAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	backend, err := NewLevelDBNoncePersistence(path)
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	now := time.Unix(1_717_787_717, 0).UTC()
	body := []byte(`{"symbol":"es"}`)
	h := signedHeaders("svc-exec", "secret", http.MethodPost, "/trading/orders", body, now, "nonce-restart")

	first := NewVerifier(map[string]string{"svc-exec": "secret"}, 5*time.Minute, 32, func() time.Time { return now }, backend, nil)
	if _, err := first.Verify(context.Background(), http.MethodPost, "/trading/orders", h, body); err != nil {
		t.Fatalf("verify: %v", err)
	}

	restarted := NewVerifier(map[string]string{"svc-exec": "secret"}, 5*time.Minute, 32, func() time.Time { return now }, backend, nil)
	if err := restarted.HydrateNonces(context.Background(), now.Add(-5*time.Minute)); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if _, err := restarted.Verify(context.Background(), http.MethodPost, "/trading/orders", h, body); err == nil {
		t.Fatalf("expected replay rejection after restart")
	}
}
