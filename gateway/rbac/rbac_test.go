package rbac

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"tradegate/gateway/verdict"
)

func tradingRoles() []Role {
	return []Role{
		{Name: "viewer", Permissions: []string{"model:read", "order:read"}},
		{Name: "analyst", Permissions: []string{"model:create", "model:train"}, Parents: []string{"viewer"}},
		{Name: "trader", Permissions: []string{"order:create", "order:cancel"}, Parents: []string{"viewer"}},
		{Name: "admin", Permissions: []string{"user:manage", "resource:override"}, Parents: []string{"analyst", "trader"}},
	}
}

func tradingRules() []Rule {
	return []Rule{
		{Method: http.MethodGet, Pattern: "/ml-strategy/models", Permissions: []string{"model:read"}},
		{Method: http.MethodPost, Pattern: "/ml-strategy/models", Permissions: []string{"model:create"}},
		{Method: http.MethodPost, Pattern: "/ml-strategy/strategies/:id/deploy", Permissions: []string{"model:train", "order:read"}},
		{Method: http.MethodPost, Pattern: "/trading/orders", Permissions: []string{"order:create"}},
		{Method: http.MethodGet, Pattern: "/healthz", Public: true},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(tradingRoles(), tradingRules())
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	return engine
}

func TestEffectivePermissionsInherit(t *testing.T) {
	engine := newTestEngine(t)

	analyst := strings.Join(engine.Effective("analyst"), ",")
	if !strings.Contains(analyst, "model:read") {
		t.Fatalf("analyst should inherit model:read from viewer, got %s", analyst)
	}
	if !engine.HasPermission("admin", "order:cancel", "model:train", "model:read") {
		t.Fatalf("admin should hold the transitive closure of both parents")
	}
	if engine.HasPermission("viewer", "order:create") {
		t.Fatalf("viewer must not gain child permissions")
	}
	if got, want := len(engine.Effective("admin")), len(engine.Effective("viewer")); got < want {
		t.Fatalf("effective set must not shrink under inheritance: %d < %d", got, want)
	}
}

func TestRoleGraphCycleFailsFast(t *testing.T) {
	roles := []Role{
		{Name: "a", Parents: []string{"b"}},
		{Name: "b", Parents: []string{"c"}},
		{Name: "c", Parents: []string{"a"}},
	}
	if _, err := NewEngine(roles, nil); err == nil {
		t.Fatalf("expected cycle detection to fail construction")
	}
}

func TestUnknownParentFailsFast(t *testing.T) {
	roles := []Role{{Name: "a", Parents: []string{"ghost"}}}
	if _, err := NewEngine(roles, nil); err == nil {
		t.Fatalf("expected unknown parent to fail construction")
	}
}

func TestRequiredMatchesVariableSegment(t *testing.T) {
	engine := newTestEngine(t)

	rule, ok := engine.Required(http.MethodPost, "/ml-strategy/strategies/123/deploy")
	if !ok {
		t.Fatalf("expected rule for deploy route")
	}
	if rule.Pattern != "/ml-strategy/strategies/:id/deploy" {
		t.Fatalf("unexpected rule %q", rule.Pattern)
	}
	if _, ok := engine.Required(http.MethodDelete, "/ml-strategy/models"); ok {
		t.Fatalf("method must match exactly")
	}
	if _, ok := engine.Required(http.MethodPost, "/unknown/route"); ok {
		t.Fatalf("unmatched routes must deny by default")
	}
}

func TestRequiredPrefersLongestStaticPrefix(t *testing.T) {
	rules := []Rule{
		{Method: http.MethodGet, Pattern: "/models/:id", Permissions: []string{"model:read"}},
		{Method: http.MethodGet, Pattern: "/models/featured", Permissions: []string{"model:read", "model:feature"}},
	}
	engine, err := NewEngine(tradingRoles(), rules)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	rule, ok := engine.Required(http.MethodGet, "/models/featured")
	if !ok || rule.Pattern != "/models/featured" {
		t.Fatalf("static pattern should win over variable segment, got %+v", rule)
	}
	rule, ok = engine.Required(http.MethodGet, "/models/42")
	if !ok || rule.Pattern != "/models/:id" {
		t.Fatalf("variable pattern should match other ids, got %+v", rule)
	}
}

func TestAuthorize(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.Authorize("trader", http.MethodPost, "/trading/orders"); err != nil {
		t.Fatalf("trader should place orders: %v", err)
	}
	err := engine.Authorize("viewer", http.MethodPost, "/trading/orders")
	var typed *verdict.Error
	if !errors.As(err, &typed) || typed.Code != verdict.CodePermissionDenied {
		t.Fatalf("expected permission_denied, got %v", err)
	}
	if err := engine.Authorize("viewer", http.MethodGet, "/healthz"); err != nil {
		t.Fatalf("public route should pass: %v", err)
	}
	// The deploy route demands both model:train and order:read.
	if err := engine.Authorize("analyst", http.MethodPost, "/ml-strategy/strategies/9/deploy"); err != nil {
		t.Fatalf("analyst holds both deploy permissions: %v", err)
	}
	err = engine.Authorize("trader", http.MethodPost, "/ml-strategy/strategies/9/deploy")
	if !errors.As(err, &typed) || typed.Code != verdict.CodePermissionDenied {
		t.Fatalf("partial permission coverage must not authorize, got %v", err)
	}
}

func TestCheckOwnership(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.CheckOwnership("user-1", "viewer", "user-1", "resource:override"); err != nil {
		t.Fatalf("owner should pass: %v", err)
	}
	if err := engine.CheckOwnership("user-1", "admin", "user-2", "resource:override"); err != nil {
		t.Fatalf("admin override should pass: %v", err)
	}
	err := engine.CheckOwnership("user-1", "viewer", "user-2", "resource:override")
	var typed *verdict.Error
	if !errors.As(err, &typed) || typed.Code != verdict.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
