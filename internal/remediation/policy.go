// Package remediation turns raw upstream decisions into cached decisions and
// answers, for one IP, which remediation a bouncer should apply.
package remediation

import (
	"slices"

	"remedy/internal/domain"
)

// Policy is the engine-facing part of the settings.
type Policy struct {
	StreamMode          bool
	OrderedRemediations []string
	FallbackRemediation string
	// Durations in seconds.
	CleanIPCacheDuration int
	BadIPCacheDuration   int
	// CountryScope enables country lookups and the country stream scope.
	CountryScope bool
}

// DefaultPolicy mirrors the default settings of a LAPI bouncer.
func DefaultPolicy() Policy {
	return Policy{
		StreamMode:           true,
		OrderedRemediations:  []string{domain.RemediationBan, domain.RemediationCaptcha, domain.RemediationBypass},
		FallbackRemediation:  domain.RemediationBypass,
		CleanIPCacheDuration: domain.DefaultCleanIPCacheDuration,
		BadIPCacheDuration:   domain.DefaultBadIPCacheDuration,
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if len(p.OrderedRemediations) == 0 {
		p.OrderedRemediations = defaults.OrderedRemediations
	}
	if p.FallbackRemediation == "" {
		p.FallbackRemediation = defaults.FallbackRemediation
	}
	if p.CleanIPCacheDuration <= 0 {
		p.CleanIPCacheDuration = defaults.CleanIPCacheDuration
	}
	if p.BadIPCacheDuration <= 0 {
		p.BadIPCacheDuration = defaults.BadIPCacheDuration
	}
	p.OrderedRemediations = slices.Clone(p.OrderedRemediations)
	return p
}

// streamScopes lists the scopes requested from the decision stream.
func (p Policy) streamScopes() []domain.Scope {
	scopes := []domain.Scope{domain.ScopeIP, domain.ScopeRange}
	if p.CountryScope {
		scopes = append(scopes, domain.ScopeCountry)
	}
	return scopes
}
