package domain

import "fmt"

// IdentifierSeparator joins the parts of a synthesized decision identifier.
// Upstream scopes, types, origins and values never contain it.
const IdentifierSeparator = "|"

// Decision is a normalized remediation fact. It is immutable once built; the
// expiration is fixed at synthesis time.
type Decision struct {
	identifier string
	scope      Scope
	value      string
	kind       string
	origin     string
	expiresAt  int64
}

func NewDecision(identifier string, scope Scope, value, kind, origin string, expiresAt int64) Decision {
	return Decision{
		identifier: identifier,
		scope:      scope,
		value:      value,
		kind:       kind,
		origin:     origin,
		expiresAt:  expiresAt,
	}
}

// CompositeIdentifier builds the origin|type|scope|value identifier used when
// upstream does not provide a numeric id.
func CompositeIdentifier(origin, kind string, scope Scope, value string) string {
	return origin + IdentifierSeparator +
		kind + IdentifierSeparator +
		string(scope) + IdentifierSeparator +
		value
}

func (d Decision) Identifier() string { return d.identifier }
func (d Decision) Scope() Scope       { return d.scope }
func (d Decision) Value() string      { return d.value }
func (d Decision) Type() string       { return d.kind }
func (d Decision) Origin() string     { return d.origin }
func (d Decision) ExpiresAt() int64   { return d.expiresAt }

// Record returns the compact form stored under the decision's own key.
func (d Decision) Record() CachedRecord {
	return CachedRecord{Main: d.kind, ExpiresAt: d.expiresAt, ID: d.identifier}
}

// BucketRecord returns the compact form stored in a range bucket, where the
// main value is the CIDR itself.
func (d Decision) BucketRecord() CachedRecord {
	return CachedRecord{Main: d.value, ExpiresAt: d.expiresAt, ID: d.identifier}
}

// Fields flattens the decision for structured logging.
func (d Decision) Fields() map[string]any {
	return map[string]any{
		"identifier": d.identifier,
		"scope":      string(d.scope),
		"value":      d.value,
		"type":       d.kind,
		"origin":     d.origin,
		"expires_at": d.expiresAt,
	}
}

func (d Decision) String() string {
	return fmt.Sprintf("%s %s %s=%s (%s, expires %d)", d.identifier, d.kind, d.scope, d.value, d.origin, d.expiresAt)
}
