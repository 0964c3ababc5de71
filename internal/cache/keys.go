package cache

import (
	"encoding/base64"
	"fmt"
	"regexp"

	lru "github.com/hashicorp/golang-lru"

	"remedy/internal/domain"
)

const (
	// KeySeparator joins scope and value and replaces characters backends reject.
	KeySeparator = "_"

	// Internal pseudo-scopes that only ever reach the key builder.
	ScopeRangeBucket = domain.Scope("range_bucket_ipv4")
	ScopeGeolocation = domain.Scope("geolocation")

	// ConfigKey holds engine bookkeeping such as the warm-up marker.
	ConfigKey = "config"

	DefaultKeyCacheSize = 10_000
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.]`)

type keyMemoEntry struct {
	scope domain.Scope
	value string
}

// keyBuilder derives cache keys and remembers them for the owner's lifetime,
// up to a fixed number of entries.
type keyBuilder struct {
	memo *lru.Cache
}

func newKeyBuilder(size int) *keyBuilder {
	if size <= 0 {
		size = DefaultKeyCacheSize
	}
	memo, err := lru.New(size)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &keyBuilder{memo: memo}
}

// Key returns the sanitized cache key for a scope and value.
func (k *keyBuilder) Key(scope domain.Scope, value string) (string, error) {
	memoKey := keyMemoEntry{scope: scope, value: value}
	if cached, ok := k.memo.Get(memoKey); ok {
		return cached.(string), nil
	}

	switch scope {
	case domain.ScopeIP, domain.ScopeRange, domain.ScopeCountry, ScopeRangeBucket, ScopeGeolocation:
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}

	key := unsafeKeyChars.ReplaceAllString(string(scope)+KeySeparator+value, KeySeparator)
	k.memo.Add(memoKey, key)
	return key, nil
}

// backendKey encodes a cache key so any backend charset accepts it.
func backendKey(cacheKey string) string {
	return base64.StdEncoding.EncodeToString([]byte(cacheKey))
}
