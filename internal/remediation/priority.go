package remediation

import (
	"sort"
	"time"

	"remedy/internal/cache"
	"remedy/internal/domain"
)

// Resolver collapses the records that apply to one IP into a single
// remediation, following the configured precedence.
type Resolver struct {
	index    map[string]int
	fallback string
	now      func() time.Time
}

// NewResolver builds a resolver for ordered, highest precedence first.
func NewResolver(ordered []string, fallback string, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	index := make(map[string]int, len(ordered))
	for i, r := range ordered {
		if _, seen := index[r]; !seen {
			index[r] = i
		}
	}
	return &Resolver{index: index, fallback: fallback, now: now}
}

func (r *Resolver) Fallback() string { return r.fallback }

// Resolve returns the remediation of the highest precedence live record, or
// the fallback when there is none. Types missing from the ordered list count
// as the fallback.
func (r *Resolver) Resolve(records []domain.CachedRecord) string {
	records = cache.CleanCachedValues(records, r.now())
	if len(records) == 0 {
		return r.fallback
	}

	type ranked struct {
		remediation string
		priority    int
	}
	candidates := make([]ranked, 0, len(records))
	for _, record := range records {
		remediation := record.Main
		priority, ok := r.index[remediation]
		if !ok {
			remediation = r.fallback
			priority = r.fallbackIndex()
		}
		candidates = append(candidates, ranked{remediation: remediation, priority: priority})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].priority < candidates[j].priority
	})
	return candidates[0].remediation
}

func (r *Resolver) fallbackIndex() int {
	if i, ok := r.index[r.fallback]; ok {
		return i
	}
	return len(r.index)
}
