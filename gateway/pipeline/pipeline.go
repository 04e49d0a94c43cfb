package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"tradegate/gateway/apikey"
	"tradegate/gateway/auth"
	"tradegate/gateway/ratelimit"
	"tradegate/gateway/rbac"
	"tradegate/gateway/sanitize"
	"tradegate/gateway/verdict"
)

// Source records how an identity was established.
type Source string

const (
	SourceBearer Source = "bearer"
	SourceHMAC   Source = "hmac"
	SourceAPIKey Source = "apikey"

	// ClassAPIKey is the rate-limit class applied to delegated credentials,
	// which carry scopes rather than a role.
	ClassAPIKey = "apikey"
)

// Identity is the resolved caller attached to an admitted request.
type Identity struct {
	Subject string
	Role    string
	Source  Source
	Key     *apikey.Key
}

// Request is the inbound descriptor handed to the core by the surrounding
// framework. Identity is non-nil when an upstream layer (e.g. the bearer
// resolver) has already authenticated the caller; the core trusts it.
type Request struct {
	Method     string
	Path       string
	Query      string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	Identity   *Identity
}

// Pipeline evaluates every inbound request in fixed order: canonicalize,
// authenticate, authorize, rate-limit. Any stage failure short-circuits with
// a typed verdict; no later stage runs.
type Pipeline struct {
	canon     *sanitize.Canonicalizer
	verifier  *auth.Verifier
	engine    *rbac.Engine
	keys      *apikey.Validator
	limiter   *ratelimit.Limiter
	hmacRoles map[string]string
	logger    *slog.Logger
}

// Deps bundles the components and policy tables a Pipeline evaluates with.
// HMACRoles maps signing identities onto the role they act as; a signing
// identity without a mapping authenticates but authorizes nothing.
type Deps struct {
	Canonicalizer *sanitize.Canonicalizer
	Verifier      *auth.Verifier
	Engine        *rbac.Engine
	Keys          *apikey.Validator
	Limiter       *ratelimit.Limiter
	HMACRoles     map[string]string
	Logger        *slog.Logger
}

// New wires the five components into a pipeline.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		canon:     deps.Canonicalizer,
		verifier:  deps.Verifier,
		engine:    deps.Engine,
		keys:      deps.Keys,
		limiter:   deps.Limiter,
		hmacRoles: deps.HMACRoles,
		logger:    logger,
	}
}

// Evaluate runs the full decision pipeline. On admission the resolved
// identity is attached to the request for downstream handlers.
func (p *Pipeline) Evaluate(ctx context.Context, req *Request) verdict.Verdict {
	if err := p.canonicalize(req); err != nil {
		return verdict.FromError(err)
	}

	identity, err := p.authenticate(ctx, req)
	if err != nil {
		return verdict.FromError(err)
	}
	req.Identity = identity

	if err := p.authorize(identity, req); err != nil {
		return verdict.FromError(err)
	}

	class := identity.Role
	if class == "" {
		class = ClassAPIKey
	}
	result := p.limiter.Check(identity.Subject, class)
	if !result.Allowed {
		p.logger.Info("rate limited", "subject", identity.Subject, "class", class, "limit", result.Limit)
		return verdict.RejectRetry(verdict.CodeRateLimited, "rate limit exceeded", result.RetryAfter)
	}

	return verdict.Allow()
}

// canonicalize inspects every string leaf of the body and the query values
// before any business use. The request body itself is left untouched; the
// canonical forms are recomputed by whichever handler persists them.
func (p *Pipeline) canonicalize(req *Request) error {
	if len(req.Body) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(req.Body, &decoded); err == nil {
			if _, err := p.canon.CanonicalizeBody(decoded); err != nil {
				return err
			}
		} else if _, err := p.canon.Canonicalize(string(req.Body)); err != nil {
			return err
		}
	}
	if req.Query != "" {
		values, err := url.ParseQuery(req.Query)
		if err == nil {
			for _, vs := range values {
				for _, value := range vs {
					if _, err := p.canon.Canonicalize(value); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// authenticate resolves the caller. Upstream-resolved identities are trusted
// as-is; otherwise a request with signature headers takes the HMAC path and
// one with only an API key header takes the delegated-credential path.
func (p *Pipeline) authenticate(ctx context.Context, req *Request) (*Identity, error) {
	if req.Identity != nil {
		return req.Identity, nil
	}
	if hasSignatureHeaders(req.Header) {
		principal, err := p.verifier.Verify(ctx, req.Method, signedPath(req), req.Header, req.Body)
		if err != nil {
			return nil, err
		}
		return &Identity{Subject: principal.Identity, Role: p.hmacRoles[principal.Identity], Source: SourceHMAC}, nil
	}
	if raw := req.Header.Get(apikey.HeaderAPIKey); raw != "" {
		key, err := p.keys.Resolve(ctx, raw)
		if err != nil {
			return nil, err
		}
		return &Identity{Subject: key.Owner, Source: SourceAPIKey, Key: key}, nil
	}
	return nil, verdict.Errorf(verdict.CodeUnauthenticated, "no credentials presented")
}

// authorize applies the RBAC table to role-based callers and the scope table
// to key-based callers. Public routes pass without a permission check.
func (p *Pipeline) authorize(identity *Identity, req *Request) error {
	if rule, ok := p.engine.Required(req.Method, req.Path); ok && rule.Public {
		return nil
	}
	if identity.Key != nil {
		return p.keys.Authorize(identity.Key, req.Method, req.Path)
	}
	return p.engine.Authorize(identity.Role, req.Method, req.Path)
}

// CheckOwnership enforces the per-resource ownership layer once a handler
// has loaded the resource's owning identity.
func (p *Pipeline) CheckOwnership(identity *Identity, ownerID, adminPermission string) error {
	if identity == nil {
		return verdict.Errorf(verdict.CodeUnauthenticated, "no identity resolved")
	}
	return p.engine.CheckOwnership(identity.Subject, identity.Role, ownerID, adminPermission)
}

func hasSignatureHeaders(h http.Header) bool {
	return h.Get(auth.HeaderSignature) != "" || h.Get(auth.LegacyHeaderSignature) != ""
}

func signedPath(req *Request) string {
	if req.Query == "" {
		return req.Path
	}
	return req.Path + "?" + auth.CanonicalQuery(req.Query)
}
