package sanitize

import (
	"regexp"
	"strings"

	"tradegate/gateway/verdict"
)

const (
	// DefaultMaxLength bounds any single string value accepted from a caller.
	DefaultMaxLength = 10000
	// DefaultMaxDepth bounds the nesting of structured request bodies.
	DefaultMaxDepth = 12
)

// Limits carries the canonicalization policy constants. Loaded once from
// configuration and never mutated afterwards.
type Limits struct {
	MaxLength int
	MaxDepth  int
}

func (l Limits) withDefaults() Limits {
	if l.MaxLength <= 0 {
		l.MaxLength = DefaultMaxLength
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultMaxDepth
	}
	return l
}

// sqlPatterns are matched case-insensitively against the raw value before any
// trimming, so whitespace tricks cannot split a keyword across the trim.
var sqlPatterns = []string{
	"drop table",
	"union select",
	"insert into",
	"delete from",
	"' or '1'='1",
	"--",
	";",
	"/*",
}

var scriptPatterns = []string{
	"<script",
	"javascript:",
	"<iframe",
}

// eventHandlerRx catches inline handler attributes such as onerror= and
// onload= regardless of surrounding markup.
var eventHandlerRx = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)

var whitespaceRx = regexp.MustCompile(`\s+`)

// Canonicalizer normalizes and inspects untrusted string input. It is pure:
// the only side effect of any method is the returned error.
type Canonicalizer struct {
	limits Limits
}

// New builds a Canonicalizer with the provided limits, applying defaults for
// unset fields.
func New(limits Limits) *Canonicalizer {
	return &Canonicalizer{limits: limits.withDefaults()}
}

// Canonicalize validates raw input and returns the canonical form used for
// persistence and comparison downstream: trimmed, internal whitespace runs
// collapsed, lowercased. Rejections fail closed; nothing is silently
// stripped.
func (c *Canonicalizer) Canonicalize(raw string) (string, error) {
	if len(raw) > c.limits.MaxLength {
		return "", verdict.Errorf(verdict.CodeValueTooLong, "value exceeds %d characters", c.limits.MaxLength)
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] <= 0x1F {
			return "", verdict.Errorf(verdict.CodeInjectionDetected, "control character 0x%02x in input", raw[i])
		}
	}
	if err := c.scan(raw); err != nil {
		return "", err
	}
	folded := strings.ToLower(strings.TrimSpace(raw))
	return whitespaceRx.ReplaceAllString(folded, " "), nil
}

// CanonicalizeBody walks a decoded JSON document and canonicalizes every
// string leaf, including map keys. The depth bound is enforced before any
// leaf-level work so pathological nesting cannot force deep recursion.
func (c *Canonicalizer) CanonicalizeBody(body interface{}) (interface{}, error) {
	if err := c.checkDepth(body, 1); err != nil {
		return nil, err
	}
	return c.walk(body)
}

func (c *Canonicalizer) checkDepth(v interface{}, depth int) error {
	if depth > c.limits.MaxDepth {
		return verdict.Errorf(verdict.CodeNestingTooDeep, "nesting exceeds depth %d", c.limits.MaxDepth)
	}
	switch t := v.(type) {
	case map[string]interface{}:
		for _, child := range t {
			if err := c.checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range t {
			if err := c.checkDepth(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Canonicalizer) walk(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return c.Canonicalize(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for key, child := range t {
			canonicalKey, err := c.Canonicalize(key)
			if err != nil {
				return nil, err
			}
			converted, err := c.walk(child)
			if err != nil {
				return nil, err
			}
			out[canonicalKey] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			converted, err := c.walk(child)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *Canonicalizer) scan(raw string) error {
	lowered := strings.ToLower(raw)
	for _, pattern := range sqlPatterns {
		if strings.Contains(lowered, pattern) {
			return verdict.Errorf(verdict.CodeInjectionDetected, "SQL injection")
		}
	}
	for _, pattern := range scriptPatterns {
		if strings.Contains(lowered, pattern) {
			return verdict.Errorf(verdict.CodeInjectionDetected, "script injection")
		}
	}
	if eventHandlerRx.MatchString(raw) {
		return verdict.Errorf(verdict.CodeInjectionDetected, "script injection")
	}
	return nil
}
