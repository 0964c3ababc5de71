package domain

import "strings"

// Scope names what a decision's value refers to. Known scopes are the
// constants below; any other lower-cased string coming from upstream is kept
// as-is so it can be logged and skipped.
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeRange   Scope = "range"
	ScopeCountry Scope = "country"
)

// NormalizeScope lower-cases a raw upstream scope.
func NormalizeScope(raw string) Scope {
	return Scope(strings.ToLower(strings.TrimSpace(raw)))
}

// Known reports whether the scope is one the engine can store and retrieve.
func (s Scope) Known() bool {
	switch s {
	case ScopeIP, ScopeRange, ScopeCountry:
		return true
	default:
		return false
	}
}

func (s Scope) String() string {
	return string(s)
}
