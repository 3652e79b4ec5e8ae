// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classification

import (
	"fmt"
	"path"
	"strings"
)

// Rule maps a module ID glob to a level.
//
// Pattern forms:
//   - "name.js" or "*.secret.js" (no slash): matched against the base name
//   - "src/admin/*.js": matched against the full ID with path.Match
//   - "**/billing/*.js": the remainder may match at any directory depth
//   - "src/admin/**": everything below the directory
type Rule struct {
	Pattern string
	Level   Level
}

// marker is a naming convention that implies a level when no rule matches.
type marker struct {
	needle string
	level  Level
}

// builtinMarkers are checked against "/" + lowercase module ID.
var builtinMarkers = []marker{
	{".topsecret.", TopSecret},
	{".secret.", TopSecret},
	{"/secret/", TopSecret},
	{"/top-secret/", TopSecret},
	{".confidential.", Confidential},
	{"/admin/", Confidential},
	{"/billing/", Confidential},
	{"/payments/", Confidential},
	{".internal.", Restricted},
	{"/internal/", Restricted},
	{"/auth/", Restricted},
	{"/private/", Restricted},
}

// Inferrer derives a level from a module ID when none was declared.
type Inferrer struct {
	fallback Level
	rules    []Rule
	markers  bool
}

// NewInferrer creates an Inferrer. Rules are evaluated in order and the first
// match wins; naming markers are consulted only when no rule matches.
func NewInferrer(fallback Level, rules ...Rule) *Inferrer {
	return &Inferrer{
		fallback: fallback,
		rules:    append([]Rule(nil), rules...),
		markers:  true,
	}
}

// WithoutMarkers disables the built-in naming conventions.
func (i *Inferrer) WithoutMarkers() *Inferrer {
	i.markers = false
	return i
}

// Fallback returns the level used when nothing matches.
func (i *Inferrer) Fallback() Level {
	return i.fallback
}

// Infer returns the level for id and whether a rule or marker produced it.
func (i *Inferrer) Infer(id string) (Level, bool) {
	for _, r := range i.rules {
		if MatchPattern(r.Pattern, id) {
			return r.Level, true
		}
	}

	if i.markers {
		probe := "/" + strings.ToLower(id)
		found := false
		best := Public
		for _, m := range builtinMarkers {
			if strings.Contains(probe, m.needle) {
				found = true
				best = Highest(best, m.level)
			}
		}
		if found {
			return best, true
		}
	}

	return i.fallback, false
}

// ParseRule builds a Rule from a pattern and level name.
func ParseRule(pattern, level string) (Rule, error) {
	if strings.TrimSpace(pattern) == "" {
		return Rule{}, fmt.Errorf("empty rule pattern")
	}
	if _, err := path.Match(strings.TrimPrefix(pattern, "**/"), ""); err != nil {
		return Rule{}, fmt.Errorf("invalid rule pattern %q: %w", pattern, err)
	}
	l, err := Parse(level)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Pattern: pattern, Level: l}, nil
}

// MatchPattern reports whether a module ID matches a rule pattern.
func MatchPattern(pattern, id string) bool {
	switch {
	case strings.HasSuffix(pattern, "/**"):
		dir := strings.TrimSuffix(pattern, "/**")
		return strings.HasPrefix(id, dir+"/")

	case strings.HasPrefix(pattern, "**/"):
		rest := strings.TrimPrefix(pattern, "**/")
		candidate := id
		for {
			if ok, _ := path.Match(rest, candidate); ok {
				return true
			}
			slash := strings.IndexByte(candidate, '/')
			if slash < 0 {
				return false
			}
			candidate = candidate[slash+1:]
		}

	case !strings.Contains(pattern, "/"):
		ok, _ := path.Match(pattern, path.Base(id))
		return ok

	default:
		ok, _ := path.Match(pattern, id)
		return ok
	}
}
