package domain

import (
	"encoding/json"
	"fmt"
)

// CachedRecord is the compact on-disk form of a decision: (main, expiresAt, id).
// Main is the remediation type for ip/range/country entries and the CIDR for
// range bucket entries. Scope and key are implied by where the record lives.
type CachedRecord struct {
	Main      string
	ExpiresAt int64
	ID        string
}

// MarshalJSON encodes the record as a 3-element array.
func (r CachedRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{r.Main, r.ExpiresAt, r.ID})
}

func (r *CachedRecord) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("domain.CachedRecord: want 3 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.Main); err != nil {
		return fmt.Errorf("domain.CachedRecord: main: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.ExpiresAt); err != nil {
		return fmt.Errorf("domain.CachedRecord: expiration: %w", err)
	}
	if err := json.Unmarshal(raw[2], &r.ID); err != nil {
		return fmt.Errorf("domain.CachedRecord: identifier: %w", err)
	}
	return nil
}

// MaxExpiration returns the latest expiration among records, or 0 when empty.
func MaxExpiration(records []CachedRecord) int64 {
	var max int64
	for i, r := range records {
		if i == 0 || r.ExpiresAt > max {
			max = r.ExpiresAt
		}
	}
	return max
}

// IndexOf returns the position of the record with the given identifier, or -1.
func IndexOf(records []CachedRecord, identifier string) int {
	for i, r := range records {
		if r.ID == identifier {
			return i
		}
	}
	return -1
}
