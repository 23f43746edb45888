/*
Package scopes implements the control plane's hierarchical capability grants.

A scope is a string of the form `base` or `base!key=value`, e.g.
`access:servers` or `access:servers!user=wash`. The unfiltered form is a
superset of every filtered form with the same base: filters only ever narrow
a grant, never widen it.

Group-to-user filter expansion (treating `!group=crew` as granting every
member of `crew`) is intentionally not resolved at this layer; callers that
need it must expand group membership themselves before matching.
*/
package scopes // import "github.com/helmsmanhq/helmsman/scopes"

import (
	"strings"

	"github.com/helmsmanhq/helmsman/utils"
)

// A Scope is one parsed capability grant.
type Scope struct {
	Base        string
	FilterKey   string
	FilterValue string
}

// Parse splits a raw scope string into its base and optional filter.
func Parse(raw string) (Scope, error) {
	base, filter, found := cut(raw, "!")
	if base == "" {
		return Scope{}, utils.MakeError("empty scope")
	}
	if !found {
		return Scope{Base: base}, nil
	}

	key, value, found := cut(filter, "=")
	if !found || key == "" || value == "" {
		return Scope{}, utils.MakeError("malformed scope filter in %q", raw)
	}
	return Scope{Base: base, FilterKey: key, FilterValue: value}, nil
}

// MustParse is Parse for static scope strings; it panics on malformed input.
func MustParse(raw string) Scope {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

// String renders the scope back to its wire form.
func (s Scope) String() string {
	if s.FilterKey == "" {
		return s.Base
	}
	return s.Base + "!" + s.FilterKey + "=" + s.FilterValue
}

// Satisfies reports whether holding this scope satisfies the required scope.
// A held scope satisfies a requirement when the bases match and the held
// filter is absent (unfiltered grants are wider) or identical. A held scope
// with a narrower filter than required never satisfies the requirement.
func (s Scope) Satisfies(required Scope) bool {
	if s.Base != required.Base {
		return false
	}
	if s.FilterKey == "" {
		return true
	}
	return s.FilterKey == required.FilterKey && s.FilterValue == required.FilterValue
}

// HasScope reports whether any scope in held satisfies the requirement.
func HasScope(held []Scope, required Scope) bool {
	for _, h := range held {
		if h.Satisfies(required) {
			return true
		}
	}
	return false
}

// ParseAll parses a list of raw scope strings, rejecting the whole list on
// the first malformed entry.
func ParseAll(raw []string) ([]Scope, error) {
	parsed := make([]Scope, 0, len(raw))
	for _, r := range raw {
		s, err := Parse(r)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, s)
	}
	return parsed, nil
}

// Strings renders a scope list back to its wire form.
func Strings(held []Scope) []string {
	out := make([]string, 0, len(held))
	for _, s := range held {
		out = append(out, s.String())
	}
	return out
}

// Subset reports whether every scope in sub is satisfied by the held set.
// Shares use this to guarantee a grant never exceeds the granter's access.
func Subset(sub, held []Scope) bool {
	for _, s := range sub {
		if !HasScope(held, s) {
			return false
		}
	}
	return true
}

// cut is strings.Cut, inlined since the module predates Go 1.18's stdlib.
func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
