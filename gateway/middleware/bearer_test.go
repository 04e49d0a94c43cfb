package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"tradegate/gateway/pipeline"
)

const bearerSecret = "bearer-test-secret"

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func bearerHandler(t *testing.T, cfg BearerConfig) (http.Handler, *[]*pipeline.Identity) {
	t.Helper()
	var seen []*pipeline.Identity
	b := NewBearer(cfg, nil)
	handler := b.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		seen = append(seen, identity)
		w.WriteHeader(http.StatusNoContent)
	}))
	return handler, &seen
}

func TestBearerResolvesIdentity(t *testing.T) {
	handler, seen := bearerHandler(t, BearerConfig{Enabled: true, Secret: bearerSecret})

	token := mintToken(t, bearerSecret, jwt.MapClaims{
		"sub":  "alice",
		"role": "trader",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/trading/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(*seen) != 1 || (*seen)[0] == nil {
		t.Fatalf("identity not attached")
	}
	identity := (*seen)[0]
	if identity.Subject != "alice" || identity.Role != "trader" || identity.Source != pipeline.SourceBearer {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestBearerNoTokenPassesThrough(t *testing.T) {
	handler, seen := bearerHandler(t, BearerConfig{Enabled: true, Secret: bearerSecret})

	req := httptest.NewRequest(http.MethodGet, "/trading/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(*seen) != 1 || (*seen)[0] != nil {
		t.Fatalf("expected nil identity, got %+v", *seen)
	}
}

func TestBearerInvalidTokenRejected(t *testing.T) {
	handler, seen := bearerHandler(t, BearerConfig{Enabled: true, Secret: bearerSecret})

	token := mintToken(t, "wrong-secret", jwt.MapClaims{
		"sub":  "alice",
		"role": "trader",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/trading/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(*seen) != 0 {
		t.Fatalf("handler ran on invalid token")
	}
}

func TestBearerExpiredTokenRejected(t *testing.T) {
	handler, _ := bearerHandler(t, BearerConfig{Enabled: true, Secret: bearerSecret, ClockSkew: time.Second})

	token := mintToken(t, bearerSecret, jwt.MapClaims{
		"sub":  "alice",
		"role": "trader",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/trading/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBearerMissingRoleClaimRejected(t *testing.T) {
	handler, _ := bearerHandler(t, BearerConfig{Enabled: true, Secret: bearerSecret})

	token := mintToken(t, bearerSecret, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	req := httptest.NewRequest(http.MethodGet, "/trading/orders", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestBearerDisabledIgnoresToken(t *testing.T) {
	handler, seen := bearerHandler(t, BearerConfig{Enabled: false})

	req := httptest.NewRequest(http.MethodGet, "/trading/orders", nil)
	req.Header.Set("Authorization", "Bearer not-even-a-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(*seen) != 1 || (*seen)[0] != nil {
		t.Fatalf("disabled resolver attached an identity: %+v", *seen)
	}
}
