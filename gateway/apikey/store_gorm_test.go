package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"
)

func TestGormStoreLookup(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	raw := "tg_live_c0ffee"
	digest := sha256.Sum256([]byte(raw))
	expiry := time.Unix(1_800_000_000, 0).UTC()
	record := Record{
		ID:        "key-1",
		KeyHash:   hex.EncodeToString(digest[:]),
		Owner:     "desk-7",
		Scopes:    "trading:execute, read",
		ExpiresAt: &expiry,
	}
	if err := store.db.Create(&record).Error; err != nil {
		t.Fatalf("seed record: %v", err)
	}

	key, err := store.Lookup(context.Background(), raw)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if key == nil {
		t.Fatalf("expected key record")
	}
	if key.ID != "key-1" || key.Owner != "desk-7" {
		t.Fatalf("unexpected key %+v", key)
	}
	if len(key.Scopes) != 2 || key.Scopes[0] != "trading:execute" || key.Scopes[1] != "read" {
		t.Fatalf("unexpected scopes %v", key.Scopes)
	}
	if !key.ExpiresAt.Equal(expiry) {
		t.Fatalf("unexpected expiry %v", key.ExpiresAt)
	}

	missing, err := store.Lookup(context.Background(), "tg_live_unknown")
	if err != nil {
		t.Fatalf("lookup missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("unknown key should resolve to nil, got %+v", missing)
	}
}
