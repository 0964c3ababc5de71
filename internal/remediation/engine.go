package remediation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"remedy/internal/cache"
	"remedy/internal/domain"
	"remedy/internal/geolocation"
	"remedy/internal/metrics"
)

// SelfOrigin marks bypass decisions the engine synthesizes after a clean
// live query.
const SelfOrigin = "lapi-remediation-engine"

// DecisionSource is the Local API as seen by the engine.
type DecisionSource interface {
	StreamDecisions(ctx context.Context, startup bool, filter map[string]string) (domain.StreamDecisions, error)
	FilteredDecisions(ctx context.Context, filter map[string]string) ([]domain.RawDecision, error)
}

type CountryResolver interface {
	ResolveCountry(ctx context.Context, ip string) geolocation.Result
}

// RefreshResult counts the decisions a refresh stored and removed.
type RefreshResult struct {
	New     int `json:"new"`
	Deleted int `json:"deleted"`
}

type Option func(*core)

func WithLogger(logger *log.Logger) Option {
	return func(c *core) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *core) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *core) {
		c.metrics = m
	}
}

// WithCountryResolver enables the country scope.
func WithCountryResolver(resolver CountryResolver) Option {
	return func(c *core) {
		c.countries = resolver
	}
}

// core holds what the LAPI and CAPI engines share: the cache, the
// synthesizer and the resolver.
type core struct {
	policy    Policy
	store     *cache.Store
	countries CountryResolver
	logger    *log.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	synth    *Synthesizer
	resolver *Resolver
}

func newCore(policy Policy, store *cache.Store, opts []Option) *core {
	c := &core{
		store:  store,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.policy = policy.withDefaults()
	if c.countries == nil {
		c.policy.CountryScope = false
	}
	c.synth = NewSynthesizer(c.policy, c.logger, c.now)
	c.resolver = NewResolver(c.policy.OrderedRemediations, c.policy.FallbackRemediation, c.now)
	return c
}

// countryFor returns the country of ip, or "" when unknown or disabled.
func (c *core) countryFor(ctx context.Context, ip string) string {
	if !c.policy.CountryScope {
		return ""
	}
	result := c.countries.ResolveCountry(ctx, ip)
	if result.Error != "" {
		c.logger.Warn("Geolocation failed", "type", "GEOLOCATION_ERROR", "ip", ip, "error", result.Error)
	}
	return result.Country
}

// cachedDecisions gathers the records of every scope that applies to ip.
func (c *core) cachedDecisions(ctx context.Context, ip, country string) ([]domain.CachedRecord, error) {
	var records []domain.CachedRecord
	for _, scope := range []domain.Scope{domain.ScopeIP, domain.ScopeRange} {
		found, err := c.store.RetrieveDecisionsForIP(ctx, scope, ip)
		if err != nil {
			return nil, fmt.Errorf("retrieve %s decisions: %w", scope, err)
		}
		records = append(records, found...)
	}
	if country != "" {
		found, err := c.store.RetrieveDecisionsForCountry(ctx, country)
		if err != nil {
			return nil, fmt.Errorf("retrieve country decisions: %w", err)
		}
		records = append(records, found...)
	}
	return records, nil
}

func (c *core) resolve(records []domain.CachedRecord) string {
	remediation := c.resolver.Resolve(records)
	c.metrics.Remediation(remediation)
	return remediation
}

func (c *core) fallback() string {
	c.metrics.Remediation(c.resolver.Fallback())
	return c.resolver.Fallback()
}

// apply stores the new decisions and removes the deleted ones, each as one
// committed batch.
func (c *core) apply(ctx context.Context, added, deleted []domain.Decision) (RefreshResult, error) {
	var result RefreshResult
	stored, storeErr := c.store.StoreDecisions(ctx, added)
	if storeErr == nil {
		result.New = stored.Done
	}
	removed, removeErr := c.store.RemoveDecisions(ctx, deleted)
	if removeErr == nil {
		result.Deleted = removed.Done
	}
	return result, errors.Join(storeErr, removeErr)
}

// ClearCache drops every cached item, including the warm-up marker.
func (c *core) ClearCache(ctx context.Context) error {
	return c.store.Clear(ctx)
}

// InvalidateScope drops every cached item of one scope. It fails with
// cache.ErrNoTagInvalidation when the backend keeps no tags.
func (c *core) InvalidateScope(ctx context.Context, scope domain.Scope) error {
	if err := c.store.InvalidateScope(ctx, scope); err != nil {
		return err
	}
	c.logger.Info("Cache scope invalidated", "type", "CACHE_SCOPE_INVALIDATED", "scope", scope)
	return nil
}

// PruneCache sweeps expired items; it fails with cache.ErrNotPruneable on
// backends without a sweep.
func (c *core) PruneCache(ctx context.Context) error {
	return c.store.Prune(ctx)
}

// Engine answers remediation queries from a cache fed by the Local API,
// either ahead of time (stream mode) or on demand (live mode).
type Engine struct {
	*core
	source DecisionSource
}

func NewEngine(policy Policy, store *cache.Store, source DecisionSource, opts ...Option) *Engine {
	return &Engine{core: newCore(policy, store, opts), source: source}
}

// GetIPRemediation returns the remediation for ip. It never fails: internal
// errors are logged and answered with the fallback remediation.
func (e *Engine) GetIPRemediation(ctx context.Context, ip string) string {
	country := e.countryFor(ctx, ip)
	records, err := e.cachedDecisions(ctx, ip, country)
	if err != nil {
		e.logger.Error("Cache lookup failed", "type", "LAPI_REM_CACHE_LOOKUP_FAILED", "ip", ip, "error", err)
		return e.fallback()
	}
	if len(records) > 0 {
		return e.resolve(records)
	}

	e.logger.Debug("There is no cached decision", "type", "LAPI_REM_NO_CACHED_DECISIONS", "ip", ip)
	if e.policy.StreamMode {
		return e.fallback()
	}

	decisions, err := e.liveDecisions(ctx, ip, country)
	if err != nil {
		e.logger.Error("Live decision query failed", "type", "LAPI_REM_LIVE_QUERY_FAILED", "ip", ip, "error", err)
		return e.fallback()
	}

	stored, err := e.store.StoreDecisions(ctx, decisions)
	if err != nil {
		e.logger.Warn("Live decisions were not stored", "type", "LAPI_REM_LIVE_STORE_FAILED", "ip", ip, "error", err)
	}
	return e.resolve(stored.Records)
}

// liveDecisions queries the Local API for ip (and its country) and falls back
// to a self-originated bypass bounded by the clean IP cache duration.
func (e *Engine) liveDecisions(ctx context.Context, ip, country string) ([]domain.Decision, error) {
	raws, err := e.source.FilteredDecisions(ctx, map[string]string{"ip": ip})
	e.metrics.UpstreamQuery("live", err)
	if err != nil {
		return nil, err
	}
	decisions := e.synth.SynthesizeAll(raws)

	if country != "" {
		raws, err := e.source.FilteredDecisions(ctx, map[string]string{
			"scope": string(domain.ScopeCountry),
			"value": country,
		})
		e.metrics.UpstreamQuery("live", err)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, e.synth.SynthesizeAll(raws)...)
	}

	if len(decisions) > 0 {
		return decisions, nil
	}
	bypass, _ := e.synth.Synthesize(domain.RawDecision{
		Scope:    string(domain.ScopeIP),
		Value:    ip,
		Type:     domain.RemediationBypass,
		Origin:   SelfOrigin,
		Duration: fmt.Sprintf("%ds", e.policy.CleanIPCacheDuration),
	})
	return []domain.Decision{bypass}, nil
}

// RefreshDecisions pulls the decision stream into the cache. The first pull
// on a cold cache clears it and asks for the full startup set. Outside stream
// mode it does nothing.
func (e *Engine) RefreshDecisions(ctx context.Context) (RefreshResult, error) {
	if !e.policy.StreamMode {
		e.logger.Info("Decisions refresh is only available in stream mode", "type", "LAPI_REM_REFRESH_DECISIONS")
		return RefreshResult{}, nil
	}

	started := e.now()
	defer func() { e.metrics.ObserveRefresh(e.now().Sub(started).Seconds()) }()

	filter := map[string]string{"scopes": e.scopeFilter()}

	warm, err := e.store.IsWarm(ctx)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("read warm-up marker: %w", err)
	}
	if !warm {
		return e.warmUp(ctx, filter)
	}
	return e.pullStream(ctx, false, filter)
}

func (e *Engine) warmUp(ctx context.Context, filter map[string]string) (RefreshResult, error) {
	e.logger.Info("Will now clear the cache", "type", "LAPI_REM_CACHE_WARMUP_CLEAR")
	if err := e.store.Clear(ctx); err != nil {
		return RefreshResult{}, fmt.Errorf("clear cache before warm-up: %w", err)
	}

	e.logger.Info("Beginning of cache warmup", "type", "LAPI_REM_CACHE_WARMUP_START")
	result, err := e.pullStream(ctx, true, filter)
	if err != nil {
		return result, err
	}
	if err := e.store.MarkWarm(ctx); err != nil {
		return result, fmt.Errorf("mark cache warm: %w", err)
	}

	e.logger.Info("End of cache warmup", "type", "LAPI_REM_CACHE_WARM_UP_END", "new", result.New, "deleted", result.Deleted)
	return result, nil
}

func (e *Engine) pullStream(ctx context.Context, startup bool, filter map[string]string) (RefreshResult, error) {
	stream, err := e.source.StreamDecisions(ctx, startup, filter)
	e.metrics.UpstreamQuery("stream", err)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("pull decision stream: %w", err)
	}
	return e.apply(ctx, e.synth.SynthesizeAll(stream.New), e.synth.SynthesizeAll(stream.Deleted))
}

func (e *Engine) scopeFilter() string {
	scopes := e.policy.streamScopes()
	names := make([]string, len(scopes))
	for i, scope := range scopes {
		names[i] = string(scope)
	}
	return strings.Join(names, ",")
}
