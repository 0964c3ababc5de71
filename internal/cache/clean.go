package cache

import (
	"time"

	"remedy/internal/domain"
)

// CleanCachedValues drops every record that expired before now.
func CleanCachedValues(records []domain.CachedRecord, now time.Time) []domain.CachedRecord {
	current := now.Unix()
	kept := make([]domain.CachedRecord, 0, len(records))
	for _, r := range records {
		if current > r.ExpiresAt {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}
