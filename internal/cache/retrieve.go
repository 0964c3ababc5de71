package cache

import (
	"context"
	"net/netip"
	"time"

	"remedy/internal/domain"
	"remedy/internal/storage"
)

// RetrieveDecisionsForIP returns the live records that apply to ip in the
// given scope. Range lookups go through the ip's bucket and only fetch the
// ranges that actually contain it.
func (s *Store) RetrieveDecisionsForIP(ctx context.Context, scope domain.Scope, ip string) ([]domain.CachedRecord, error) {
	var (
		records []domain.CachedRecord
		err     error
	)
	switch scope {
	case domain.ScopeIP:
		records, err = s.recordsAt(ctx, scope, ip)
	case domain.ScopeRange:
		records, err = s.rangeRecordsForIP(ctx, ip)
	default:
		s.logger.Warn("Decision scope is not implemented for retrieval",
			"type", "CACHE_RETRIEVE_FOR_IP_NON_IMPLEMENTED_SCOPE", "scope", scope)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.metrics.CacheLookup(string(scope), len(records) > 0)
	return CleanCachedValues(records, s.now()), nil
}

// RetrieveDecisionsForCountry returns the live records stored for a country code.
func (s *Store) RetrieveDecisionsForCountry(ctx context.Context, country string) ([]domain.CachedRecord, error) {
	records, err := s.recordsAt(ctx, domain.ScopeCountry, country)
	if err != nil {
		return nil, err
	}
	s.metrics.CacheLookup(string(domain.ScopeCountry), len(records) > 0)
	return CleanCachedValues(records, s.now()), nil
}

func (s *Store) recordsAt(ctx context.Context, scope domain.Scope, value string) ([]domain.CachedRecord, error) {
	key, err := s.keys.Key(scope, value)
	if err != nil {
		return nil, err
	}
	item, hit, err := s.adapter.Get(ctx, backendKey(key))
	if err != nil || !hit {
		return nil, err
	}
	return item.Records, nil
}

func (s *Store) rangeRecordsForIP(ctx context.Context, ip string) ([]domain.CachedRecord, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, err
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		// Ranges are only indexed for IPv4.
		return nil, nil
	}

	candidates, err := s.recordsAt(ctx, ScopeRangeBucket, bucketValue(bucketForAddr(addr)))
	if err != nil {
		return nil, err
	}

	var (
		records []domain.CachedRecord
		seen    = make(map[string]struct{}, len(candidates))
	)
	for _, candidate := range candidates {
		cidr := candidate.Main
		if _, done := seen[cidr]; done {
			continue
		}
		seen[cidr] = struct{}{}

		prefix, err := netip.ParsePrefix(cidr)
		if err != nil || !prefix.Contains(addr) {
			continue
		}
		found, err := s.recordsAt(ctx, domain.ScopeRange, cidr)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}
	return records, nil
}

const (
	warmupVariable = "warmup"
	warmupDone     = "true"
)

// IsWarm reports whether the cache has been filled by a startup stream pull.
func (s *Store) IsWarm(ctx context.Context) (bool, error) {
	item, hit, err := s.adapter.Get(ctx, backendKey(ConfigKey))
	if err != nil || !hit {
		return false, err
	}
	idx := domain.IndexOf(item.Records, warmupVariable)
	return idx >= 0 && item.Records[idx].Main == warmupDone, nil
}

// MarkWarm records that the cache has been warmed up. The marker never expires.
func (s *Store) MarkWarm(ctx context.Context) error {
	item := storage.Item{Records: []domain.CachedRecord{{Main: warmupDone, ID: warmupVariable}}}
	return s.saveNow(ctx, backendKey(ConfigKey), item)
}

// Variable reads a named value saved for a scope/value pair, such as the
// resolved country of an IP.
func (s *Store) Variable(ctx context.Context, scope domain.Scope, value, name string) (string, bool, error) {
	records, err := s.recordsAt(ctx, scope, value)
	if err != nil {
		return "", false, err
	}
	records = CleanCachedValues(records, s.now())
	idx := domain.IndexOf(records, name)
	if idx < 0 {
		return "", false, nil
	}
	return records[idx].Main, true, nil
}

// SaveVariable stores a named value for ttl and commits it immediately.
func (s *Store) SaveVariable(ctx context.Context, scope domain.Scope, value, name, content string, ttl time.Duration) error {
	key, err := s.keys.Key(scope, value)
	if err != nil {
		return err
	}
	record := domain.CachedRecord{Main: content, ExpiresAt: s.now().Add(ttl).Unix(), ID: name}
	item := storage.Item{Records: []domain.CachedRecord{record}, ExpiresAt: record.ExpiresAt}
	if s.useTags {
		item.Tags = []string{string(scope)}
	}
	return s.saveNow(ctx, backendKey(key), item)
}

// saveNow writes a single item in its own batch.
func (s *Store) saveNow(ctx context.Context, key string, item storage.Item) error {
	batch := storage.NewBatch()
	if err := s.adapter.SaveDeferred(ctx, batch, key, item); err != nil {
		return err
	}
	return s.adapter.Commit(ctx, batch)
}
