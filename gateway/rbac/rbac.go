package rbac

import (
	"fmt"
	"sort"
	"strings"

	"tradegate/gateway/verdict"
)

// Role is a named permission grant with optional parents. Roles are built
// from static configuration at startup and never mutated afterwards, so
// concurrent readers need no locking.
type Role struct {
	Name        string
	Permissions []string
	Parents     []string
}

// Rule maps an HTTP method and path pattern onto the permissions a caller
// must hold. Patterns may contain single-segment variables (":id"); routes
// with no matching rule are denied unless explicitly marked public.
type Rule struct {
	Method      string
	Pattern     string
	Permissions []string
	Public      bool

	segments []string
}

// Engine resolves roles into effective permission sets and matches routes to
// their required permissions. Immutable once constructed.
type Engine struct {
	effective map[string]map[string]struct{}
	rules     []Rule
}

// NewEngine validates the role graph and route table and precomputes the
// transitive permission closure for every role. A cycle in the parent graph
// or a malformed rule is a configuration error and fails construction.
func NewEngine(roles []Role, rules []Rule) (*Engine, error) {
	byName := make(map[string]*Role, len(roles))
	for i := range roles {
		name := strings.TrimSpace(roles[i].Name)
		if name == "" {
			return nil, fmt.Errorf("rbac: role %d has empty name", i)
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("rbac: duplicate role %q", name)
		}
		byName[name] = &roles[i]
	}

	effective := make(map[string]map[string]struct{}, len(byName))
	state := make(map[string]int, len(byName)) // 0 unvisited, 1 in progress, 2 done
	var resolve func(name string) (map[string]struct{}, error)
	resolve = func(name string) (map[string]struct{}, error) {
		switch state[name] {
		case 1:
			return nil, fmt.Errorf("rbac: role graph cycle through %q", name)
		case 2:
			return effective[name], nil
		}
		role, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("rbac: unknown parent role %q", name)
		}
		state[name] = 1
		perms := make(map[string]struct{}, len(role.Permissions))
		for _, p := range role.Permissions {
			perms[strings.TrimSpace(p)] = struct{}{}
		}
		for _, parent := range role.Parents {
			inherited, err := resolve(strings.TrimSpace(parent))
			if err != nil {
				return nil, err
			}
			for p := range inherited {
				perms[p] = struct{}{}
			}
		}
		effective[name] = perms
		state[name] = 2
		return perms, nil
	}
	for name := range byName {
		if _, err := resolve(name); err != nil {
			return nil, err
		}
	}

	compiled := make([]Rule, len(rules))
	for i, rule := range rules {
		method := strings.ToUpper(strings.TrimSpace(rule.Method))
		pattern := strings.TrimSpace(rule.Pattern)
		if method == "" || !strings.HasPrefix(pattern, "/") {
			return nil, fmt.Errorf("rbac: rule %d must have a method and a pattern starting with '/'", i)
		}
		if !rule.Public && len(rule.Permissions) == 0 {
			return nil, fmt.Errorf("rbac: rule %s %s requires permissions or public", method, pattern)
		}
		rule.Method = method
		rule.Pattern = pattern
		rule.segments = splitPath(pattern)
		compiled[i] = rule
	}

	return &Engine{effective: effective, rules: compiled}, nil
}

// Effective returns a copy of the role's transitive permission set, empty for
// unknown roles.
func (e *Engine) Effective(role string) []string {
	perms, ok := e.effective[role]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasRole reports whether the role exists in the configured graph.
func (e *Engine) HasRole(role string) bool {
	_, ok := e.effective[role]
	return ok
}

// HasPermission reports whether the role's effective set contains every
// required permission. Partial coverage does not authorize.
func (e *Engine) HasPermission(role string, required ...string) bool {
	perms, ok := e.effective[role]
	if !ok {
		return false
	}
	for _, want := range required {
		if _, held := perms[want]; !held {
			return false
		}
	}
	return true
}

// Required finds the rule governing a route. The second return is false when
// no rule matches, in which case the caller must deny.
func (e *Engine) Required(method, path string) (*Rule, bool) {
	method = strings.ToUpper(method)
	segments := splitPath(path)
	var best *Rule
	bestScore := -1
	for i := range e.rules {
		rule := &e.rules[i]
		if rule.Method != method {
			continue
		}
		score, ok := matchScore(rule.segments, segments)
		if !ok {
			continue
		}
		if score > bestScore {
			best = rule
			bestScore = score
		}
	}
	if best == nil {
		return nil, false
	}
	return best, true
}

// Authorize checks the route's required permissions against the role's
// effective set and returns a typed rejection on failure.
func (e *Engine) Authorize(role, method, path string) error {
	rule, ok := e.Required(method, path)
	if !ok {
		return verdict.Errorf(verdict.CodePermissionDenied, "no rule for %s %s", method, path)
	}
	if rule.Public {
		return nil
	}
	if !e.HasPermission(role, rule.Permissions...) {
		return verdict.Errorf(verdict.CodePermissionDenied, "role %q lacks %s", role, strings.Join(rule.Permissions, ","))
	}
	return nil
}

// CheckOwnership enforces the per-resource ownership layer on top of the
// route permission: mutations must come from the owning identity unless the
// caller holds the elevated administrative permission.
func (e *Engine) CheckOwnership(callerID, callerRole, ownerID, adminPermission string) error {
	if callerID != "" && callerID == ownerID {
		return nil
	}
	if adminPermission != "" && e.HasPermission(callerRole, adminPermission) {
		return nil
	}
	return verdict.Errorf(verdict.CodeForbidden, "caller %q does not own resource", callerID)
}

// matchScore matches concrete path segments against a pattern. Static
// segments score ahead of variable ones so the longest static prefix wins.
func matchScore(pattern, path []string) (int, bool) {
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
			score += 1 << 8 // leading static segments dominate
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
