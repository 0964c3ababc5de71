package cache

import "errors"

var (
	ErrInvalidScope = errors.New("cache: unknown scope")
	ErrNotPruneable = errors.New("cache: backend can not be pruned")
	// ErrNoTagInvalidation is returned when the backend or the store
	// configuration does not keep tags.
	ErrNoTagInvalidation = errors.New("cache: backend does not support tag invalidation")
	ErrInvalidIP         = errors.New("cache: not a valid IPv4 address")
)
