package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"tradegate/gateway/pipeline"
	"tradegate/gateway/verdict"
)

type contextKey string

const (
	// ContextKeyIdentity carries the resolved pipeline identity.
	ContextKeyIdentity contextKey = "tradegate.identity"
	// ContextKeyRequestID carries the per-request correlation ID.
	ContextKeyRequestID contextKey = "tradegate.request_id"

	// HeaderRequestID echoes the correlation ID back to the caller.
	HeaderRequestID = "X-Request-Id"

	maxGuardedBody = 1 << 20 // 1 MiB
)

// Guard adapts the decision pipeline to net/http. Every request is evaluated
// before the next handler runs; rejections are written as JSON with the
// mapped status and, for rate limiting, a Retry-After header.
type Guard struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

// NewGuard wraps a pipeline for use as middleware.
func NewGuard(p *pipeline.Pipeline, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{pipeline: p, logger: logger}
}

// Middleware evaluates the pipeline and attaches the identity and request ID
// to the context of admitted requests.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set(HeaderRequestID, requestID)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxGuardedBody+1))
		if err != nil {
			http.Error(w, "read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		req := &pipeline.Request{
			Method:     r.Method,
			Path:       r.URL.Path,
			Query:      r.URL.RawQuery,
			Header:     r.Header,
			Body:       body,
			RemoteAddr: r.RemoteAddr,
			Identity:   identityFrom(r.Context()),
		}
		v := g.pipeline.Evaluate(r.Context(), req)
		if !v.Allowed {
			g.logger.Info("request rejected",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"code", string(v.Code),
				"status", v.HTTPStatus,
			)
			writeVerdict(w, v)
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyIdentity, req.Identity)
		ctx = context.WithValue(ctx, ContextKeyRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext extracts the identity attached by the guard.
func IdentityFromContext(ctx context.Context) (*pipeline.Identity, bool) {
	identity := identityFrom(ctx)
	return identity, identity != nil
}

func identityFrom(ctx context.Context) *pipeline.Identity {
	if ctx == nil {
		return nil
	}
	identity, _ := ctx.Value(ContextKeyIdentity).(*pipeline.Identity)
	return identity
}

func writeVerdict(w http.ResponseWriter, v verdict.Verdict) {
	if v.RetryAfter > 0 {
		seconds := int(v.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(v.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  string(v.Code),
		"detail": v.Detail,
	})
}
