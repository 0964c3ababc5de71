package remediation

import (
	"context"
	"fmt"

	"remedy/internal/cache"
	"remedy/internal/domain"
)

// CapiOrigin is the origin of every decision pulled from the Central API.
const CapiOrigin = "capi"

// CapiSource is the Central API decision stream.
type CapiSource interface {
	CapiStream(ctx context.Context) (domain.CapiStream, error)
}

// CapiEngine answers remediation queries from a cache fed by the Central API
// community blocklist. It always runs in stream mode.
type CapiEngine struct {
	*core
	source CapiSource
}

// DefaultCapiRemediations is the precedence list used when none is configured.
func DefaultCapiRemediations() []string {
	return []string{domain.RemediationBan, domain.RemediationBypass}
}

func NewCapiEngine(policy Policy, store *cache.Store, source CapiSource, opts ...Option) *CapiEngine {
	policy.StreamMode = true
	if len(policy.OrderedRemediations) == 0 {
		policy.OrderedRemediations = DefaultCapiRemediations()
	}
	return &CapiEngine{core: newCore(policy, store, opts), source: source}
}

// GetIPRemediation resolves cached decisions only; an uncached IP gets the
// fallback and nothing is stored.
func (e *CapiEngine) GetIPRemediation(ctx context.Context, ip string) string {
	records, err := e.cachedDecisions(ctx, ip, e.countryFor(ctx, ip))
	if err != nil {
		e.logger.Error("Cache lookup failed", "type", "CAPI_REM_CACHE_LOOKUP_FAILED", "ip", ip, "error", err)
		return e.fallback()
	}
	if len(records) == 0 {
		e.logger.Debug("There is no cached decision", "type", "CAPI_REM_NO_CACHED_DECISIONS", "ip", ip)
		return e.fallback()
	}
	return e.resolve(records)
}

// RefreshDecisions pulls the CAPI stream into the cache.
func (e *CapiEngine) RefreshDecisions(ctx context.Context) (RefreshResult, error) {
	started := e.now()
	defer func() { e.metrics.ObserveRefresh(e.now().Sub(started).Seconds()) }()

	stream, err := e.source.CapiStream(ctx)
	e.metrics.UpstreamQuery("capi_stream", err)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("pull capi stream: %w", err)
	}
	return e.apply(ctx, e.synthesizeGroups(stream.New), e.synthesizeGroups(stream.Deleted))
}

// synthesizeGroups flattens scope groups into decisions, forcing the ban type
// and the capi origin.
func (e *CapiEngine) synthesizeGroups(groups []domain.CapiScopeGroup) []domain.Decision {
	var decisions []domain.Decision
	for _, group := range groups {
		for _, d := range group.Decisions {
			raw := domain.RawDecision{
				Scope:    group.Scope,
				Value:    d.Value,
				Type:     domain.RemediationBan,
				Origin:   CapiOrigin,
				Duration: d.Duration,
				Scenario: d.Scenario,
			}
			if decision, ok := e.synth.Synthesize(raw); ok {
				decisions = append(decisions, decision)
			}
		}
	}
	return decisions
}
