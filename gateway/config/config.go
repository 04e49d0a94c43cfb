package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tradegate/gateway/apikey"
	"tradegate/gateway/ratelimit"
	"tradegate/gateway/rbac"
	"tradegate/gateway/sanitize"
)

// HMACClient is one signing identity trusted by the verifier, acting as the
// configured role.
type HMACClient struct {
	ID     string `yaml:"id" toml:"id"`
	Secret string `yaml:"secret" toml:"secret"`
	Role   string `yaml:"role" toml:"role"`
}

// HMACConfig controls the request signature layer.
type HMACConfig struct {
	Clients       []HMACClient  `yaml:"clients" toml:"clients"`
	Window        time.Duration `yaml:"window" toml:"window"`
	NonceCapacity int           `yaml:"nonceCapacity" toml:"nonceCapacity"`
	NoncePath     string        `yaml:"noncePath" toml:"noncePath"`
}

// BearerConfig controls the upstream bearer-token identity resolver.
type BearerConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	Secret    string        `yaml:"secret" toml:"secret"`
	Issuer    string        `yaml:"issuer" toml:"issuer"`
	Audience  string        `yaml:"audience" toml:"audience"`
	RoleClaim string        `yaml:"roleClaim" toml:"roleClaim"`
	ClockSkew time.Duration `yaml:"clockSkew" toml:"clockSkew"`
}

// SanitizeConfig carries the canonicalization limits.
type SanitizeConfig struct {
	MaxLength int `yaml:"maxLength" toml:"maxLength"`
	MaxDepth  int `yaml:"maxDepth" toml:"maxDepth"`
}

// RoleConfig declares a role, its own permissions, and its parents.
type RoleConfig struct {
	Name        string   `yaml:"name" toml:"name"`
	Permissions []string `yaml:"permissions" toml:"permissions"`
	Parents     []string `yaml:"parents" toml:"parents"`
}

// RouteRule maps a route onto its required permissions.
type RouteRule struct {
	Method      string   `yaml:"method" toml:"method"`
	Pattern     string   `yaml:"pattern" toml:"pattern"`
	Permissions []string `yaml:"permissions" toml:"permissions"`
	Public      bool     `yaml:"public" toml:"public"`
}

// ScopeRule maps a route onto the scope a delegated key must declare.
type ScopeRule struct {
	Method  string `yaml:"method" toml:"method"`
	Pattern string `yaml:"pattern" toml:"pattern"`
	Scope   string `yaml:"scope" toml:"scope"`
}

// QuotaConfig is a per-window request budget.
type QuotaConfig struct {
	Limit  int           `yaml:"limit" toml:"limit"`
	Window time.Duration `yaml:"window" toml:"window"`
}

// RateLimitConfig assigns quotas per identity class with a default fallback.
type RateLimitConfig struct {
	Default QuotaConfig            `yaml:"default" toml:"default"`
	Classes map[string]QuotaConfig `yaml:"classes" toml:"classes"`
}

// ThrottleConfig controls the outer per-client-IP limiter.
type ThrottleConfig struct {
	Enabled           bool    `yaml:"enabled" toml:"enabled"`
	RequestsPerMinute float64 `yaml:"requestsPerMinute" toml:"requestsPerMinute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// CSPConfig controls the Content-Security-Policy nonce layer for browser
// sessions.
type CSPConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	SessionCookie string `yaml:"sessionCookie" toml:"sessionCookie"`
}

// ObservabilityConfig toggles metrics, tracing and request logging.
type ObservabilityConfig struct {
	ServiceName   string `yaml:"serviceName" toml:"serviceName"`
	MetricsPrefix string `yaml:"metricsPrefix" toml:"metricsPrefix"`
	LogRequests   bool   `yaml:"logRequests" toml:"logRequests"`
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
}

// StaticKey seeds the in-memory API key store for deployments without a
// shared key database.
type StaticKey struct {
	Value     string    `yaml:"value" toml:"value"`
	ID        string    `yaml:"id" toml:"id"`
	Owner     string    `yaml:"owner" toml:"owner"`
	Scopes    []string  `yaml:"scopes" toml:"scopes"`
	ExpiresAt time.Time `yaml:"expiresAt" toml:"expiresAt"`
	Revoked   bool      `yaml:"revoked" toml:"revoked"`
}

// APIKeyConfig selects the key store backend: a sqlite path shared with the
// issuance process, or static records.
type APIKeyConfig struct {
	StorePath string      `yaml:"storePath" toml:"storePath"`
	Static    []StaticKey `yaml:"static" toml:"static"`
}

// Config aggregates every policy table the core loads at startup. The loaded
// value is immutable; concurrent readers need no locking.
type Config struct {
	ListenAddress string        `yaml:"listen" toml:"listen"`
	ReadTimeout   time.Duration `yaml:"readTimeout" toml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout" toml:"idleTimeout"`

	HMAC          HMACConfig          `yaml:"hmac" toml:"hmac"`
	Bearer        BearerConfig        `yaml:"bearer" toml:"bearer"`
	Sanitize      SanitizeConfig      `yaml:"sanitize" toml:"sanitize"`
	Roles         []RoleConfig        `yaml:"roles" toml:"roles"`
	Routes        []RouteRule         `yaml:"routes" toml:"routes"`
	Scopes        []ScopeRule         `yaml:"scopes" toml:"scopes"`
	RateLimits    RateLimitConfig     `yaml:"rateLimits" toml:"rateLimits"`
	Throttle      ThrottleConfig      `yaml:"throttle" toml:"throttle"`
	APIKeys       APIKeyConfig        `yaml:"apiKeys" toml:"apiKeys"`
	CSP           CSPConfig           `yaml:"csp" toml:"csp"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

// Load reads a YAML or TOML configuration file (selected by extension),
// applies defaults, and validates. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		if err := cfg.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		HMAC: HMACConfig{
			Window:        5 * time.Minute,
			NonceCapacity: 4096,
		},
		Bearer: BearerConfig{
			RoleClaim: "role",
			ClockSkew: 2 * time.Minute,
		},
		Sanitize: SanitizeConfig{
			MaxLength: sanitize.DefaultMaxLength,
			MaxDepth:  sanitize.DefaultMaxDepth,
		},
		RateLimits: RateLimitConfig{
			Default: QuotaConfig{Limit: ratelimit.DefaultLimit, Window: ratelimit.DefaultWindow},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "tradegate",
			MetricsPrefix: "tradegate",
			LogRequests:   true,
			Enabled:       true,
		},
	}
}

func (cfg *Config) applyDefaults() {
	base := defaults()
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = base.ListenAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = base.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = base.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = base.IdleTimeout
	}
	if cfg.HMAC.Window <= 0 {
		cfg.HMAC.Window = base.HMAC.Window
	}
	if cfg.HMAC.NonceCapacity <= 0 {
		cfg.HMAC.NonceCapacity = base.HMAC.NonceCapacity
	}
	if cfg.Bearer.RoleClaim == "" {
		cfg.Bearer.RoleClaim = base.Bearer.RoleClaim
	}
	if cfg.Bearer.ClockSkew <= 0 {
		cfg.Bearer.ClockSkew = base.Bearer.ClockSkew
	}
	if cfg.Sanitize.MaxLength <= 0 {
		cfg.Sanitize.MaxLength = base.Sanitize.MaxLength
	}
	if cfg.Sanitize.MaxDepth <= 0 {
		cfg.Sanitize.MaxDepth = base.Sanitize.MaxDepth
	}
	if cfg.RateLimits.Default.Limit <= 0 {
		cfg.RateLimits.Default.Limit = base.RateLimits.Default.Limit
	}
	if cfg.RateLimits.Default.Window <= 0 {
		cfg.RateLimits.Default.Window = base.RateLimits.Default.Window
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = base.Observability.ServiceName
	}
	if cfg.Observability.MetricsPrefix == "" {
		cfg.Observability.MetricsPrefix = base.Observability.MetricsPrefix
	}
}

// Validate performs the structural checks that must fail at startup rather
// than per request. Role-graph cycle detection happens in rbac.NewEngine.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	seen := make(map[string]struct{}, len(cfg.HMAC.Clients))
	for i, client := range cfg.HMAC.Clients {
		id := strings.TrimSpace(client.ID)
		if id == "" {
			return fmt.Errorf("hmac.clients[%d] id is empty", i)
		}
		if strings.TrimSpace(client.Secret) == "" {
			return fmt.Errorf("hmac.clients[%d] (%s) secret is empty", i, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("hmac.clients[%d] duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
	}
	if cfg.Bearer.Enabled && strings.TrimSpace(cfg.Bearer.Secret) == "" {
		return fmt.Errorf("bearer.secret required when bearer auth is enabled")
	}
	for i, rule := range cfg.Routes {
		if strings.TrimSpace(rule.Method) == "" {
			return fmt.Errorf("routes[%d] method is empty", i)
		}
		if !strings.HasPrefix(strings.TrimSpace(rule.Pattern), "/") {
			return fmt.Errorf("routes[%d] pattern must start with '/'", i)
		}
		if !rule.Public && len(rule.Permissions) == 0 {
			return fmt.Errorf("routes[%d] needs permissions or public", i)
		}
	}
	for i, rule := range cfg.Scopes {
		if strings.TrimSpace(rule.Method) == "" || !strings.HasPrefix(strings.TrimSpace(rule.Pattern), "/") || strings.TrimSpace(rule.Scope) == "" {
			return fmt.Errorf("scopes[%d] needs method, '/'-prefixed pattern, and scope", i)
		}
	}
	for class, quota := range cfg.RateLimits.Classes {
		if quota.Limit <= 0 {
			return fmt.Errorf("rateLimits.classes[%s] limit must be positive", class)
		}
	}
	if cfg.Throttle.Enabled && cfg.Throttle.RequestsPerMinute <= 0 {
		return fmt.Errorf("throttle.requestsPerMinute must be positive when throttling is enabled")
	}
	return nil
}

// Secrets returns the identity→secret map for the HMAC verifier.
func (cfg Config) Secrets() map[string]string {
	out := make(map[string]string, len(cfg.HMAC.Clients))
	for _, client := range cfg.HMAC.Clients {
		out[strings.TrimSpace(client.ID)] = strings.TrimSpace(client.Secret)
	}
	return out
}

// HMACRoles returns the identity→role map for signed requests.
func (cfg Config) HMACRoles() map[string]string {
	out := make(map[string]string, len(cfg.HMAC.Clients))
	for _, client := range cfg.HMAC.Clients {
		if role := strings.TrimSpace(client.Role); role != "" {
			out[strings.TrimSpace(client.ID)] = role
		}
	}
	return out
}

// RBACRoles converts the role table for rbac.NewEngine.
func (cfg Config) RBACRoles() []rbac.Role {
	out := make([]rbac.Role, len(cfg.Roles))
	for i, role := range cfg.Roles {
		out[i] = rbac.Role{Name: role.Name, Permissions: role.Permissions, Parents: role.Parents}
	}
	return out
}

// RBACRules converts the route permission table for rbac.NewEngine.
func (cfg Config) RBACRules() []rbac.Rule {
	out := make([]rbac.Rule, len(cfg.Routes))
	for i, rule := range cfg.Routes {
		out[i] = rbac.Rule{Method: rule.Method, Pattern: rule.Pattern, Permissions: rule.Permissions, Public: rule.Public}
	}
	return out
}

// ScopeRules converts the route scope table for the key validator.
func (cfg Config) ScopeRules() []apikey.ScopeRule {
	out := make([]apikey.ScopeRule, len(cfg.Scopes))
	for i, rule := range cfg.Scopes {
		out[i] = apikey.ScopeRule{Method: rule.Method, Pattern: rule.Pattern, Scope: rule.Scope}
	}
	return out
}

// Quotas converts the per-class rate limit table.
func (cfg Config) Quotas() (map[string]ratelimit.Quota, ratelimit.Quota) {
	classes := make(map[string]ratelimit.Quota, len(cfg.RateLimits.Classes))
	for class, quota := range cfg.RateLimits.Classes {
		classes[class] = ratelimit.Quota{Limit: quota.Limit, Window: quota.Window}
	}
	return classes, ratelimit.Quota{Limit: cfg.RateLimits.Default.Limit, Window: cfg.RateLimits.Default.Window}
}

// StaticKeys converts the static key list for apikey.NewMemoryStore.
func (cfg Config) StaticKeys() map[string]apikey.Key {
	out := make(map[string]apikey.Key, len(cfg.APIKeys.Static))
	for _, key := range cfg.APIKeys.Static {
		out[key.Value] = apikey.Key{
			ID:        key.ID,
			Owner:     key.Owner,
			Scopes:    key.Scopes,
			ExpiresAt: key.ExpiresAt,
			Revoked:   key.Revoked,
		}
	}
	return out
}
