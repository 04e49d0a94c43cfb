package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"tradegate/gateway/pipeline"
)

// BearerConfig controls the upstream bearer-token identity resolver. The
// core itself does not validate bearer tokens; this resolver runs ahead of
// the guard and hands it an already-resolved identity.
type BearerConfig struct {
	Enabled   bool
	Secret    string
	Issuer    string
	Audience  string
	RoleClaim string
	ClockSkew time.Duration
}

// Bearer resolves Authorization: Bearer tokens into pipeline identities.
type Bearer struct {
	cfg    BearerConfig
	secret []byte
	logger *slog.Logger
}

// NewBearer builds the resolver. An empty role claim defaults to "role".
func NewBearer(cfg BearerConfig, logger *slog.Logger) *Bearer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Bearer{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.Secret)), logger: logger}
}

// Middleware attaches a resolved identity to the request context when a
// valid bearer token is present. Requests without one pass through untouched
// so the guard can try the HMAC or API-key paths; an invalid token is not
// silently ignored.
func (b *Bearer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !b.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := b.resolve(tokenString)
		if err != nil {
			b.logger.Info("bearer token rejected", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (b *Bearer) resolve(tokenString string) (*pipeline.Identity, error) {
	if len(b.secret) == 0 {
		return nil, errors.New("bearer secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithLeeway(b.cfg.ClockSkew)}
	if b.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(b.cfg.Issuer))
	}
	if b.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(b.cfg.Audience))
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return b.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("token subject missing")
	}
	role, _ := claims[b.cfg.RoleClaim].(string)
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, errors.New("token role claim missing")
	}
	return &pipeline.Identity{Subject: subject, Role: role, Source: pipeline.SourceBearer}, nil
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
