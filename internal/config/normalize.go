package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"remedy/internal/domain"
)

const (
	geolocationTypeMaxMind = "maxmind"
	databaseTypeCountry    = "country"
	databaseTypeCity       = "city"

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

// Normalize fills derived defaults, canonicalizes the remediation list and
// validates the result.
func (s *Settings) Normalize() error {
	defaults := Defaults()

	s.Engine = strings.ToLower(strings.TrimSpace(s.Engine))
	if s.Engine == "" {
		s.Engine = EngineLAPI
	}

	switch s.Engine {
	case EngineLAPI:
		if len(s.OrderedRemediations) == 0 {
			s.OrderedRemediations = []string{domain.RemediationBan, domain.RemediationCaptcha, domain.RemediationBypass}
		}
	case EngineCAPI:
		s.StreamMode = true
		if len(s.OrderedRemediations) == 0 {
			s.OrderedRemediations = []string{domain.RemediationBan, domain.RemediationBypass}
		}
	default:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalidSettings, s.Engine)
	}

	s.OrderedRemediations = NormalizeRemediations(s.OrderedRemediations)
	s.FallbackRemediation = strings.ToLower(strings.TrimSpace(s.FallbackRemediation))
	if s.FallbackRemediation == "" {
		s.FallbackRemediation = domain.RemediationBypass
	}
	if s.FallbackRemediation != domain.RemediationBypass && !slices.Contains(s.OrderedRemediations, s.FallbackRemediation) {
		return fmt.Errorf("%w: fallback %q must be bypass or one of %v", ErrInvalidSettings, s.FallbackRemediation, s.OrderedRemediations)
	}

	if s.CleanIPCacheDuration < 1 || s.BadIPCacheDuration < 1 {
		return fmt.Errorf("%w: cache durations must be at least 1 second", ErrInvalidSettings)
	}

	if err := s.normalizeGeolocation(); err != nil {
		return err
	}
	if err := s.normalizeCache(defaults.Cache); err != nil {
		return err
	}
	return s.normalizeUpstream()
}

// NormalizeRemediations lower-cases the list, drops duplicates and moves
// bypass to the end.
func NormalizeRemediations(ordered []string) []string {
	out := make([]string, 0, len(ordered)+1)
	for _, r := range ordered {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || r == domain.RemediationBypass || slices.Contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return append(out, domain.RemediationBypass)
}

func (s *Settings) normalizeGeolocation() error {
	g := &s.Geolocation
	if !g.Enabled {
		return nil
	}
	if g.Type == "" {
		g.Type = geolocationTypeMaxMind
	}
	if g.Type != geolocationTypeMaxMind {
		return fmt.Errorf("%w: unknown geolocation type %q", ErrInvalidSettings, g.Type)
	}
	if g.DatabaseType == "" {
		g.DatabaseType = databaseTypeCountry
	}
	if g.DatabaseType != databaseTypeCountry && g.DatabaseType != databaseTypeCity {
		return fmt.Errorf("%w: unknown maxmind database type %q", ErrInvalidSettings, g.DatabaseType)
	}
	if g.DatabasePath == "" {
		return fmt.Errorf("%w: geolocation database_path is required", ErrInvalidSettings)
	}
	if g.CacheDuration < 0 {
		return fmt.Errorf("%w: geolocation cache_duration must not be negative", ErrInvalidSettings)
	}
	return nil
}

func (s *Settings) normalizeCache(defaults CacheSettings) error {
	c := &s.Cache
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.KeyCacheSize <= 0 {
		c.KeyCacheSize = defaults.KeyCacheSize
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("%w: cache.redis_url is required for the redis backend", ErrInvalidSettings)
		}
		if c.KeyPrefix == "" {
			c.KeyPrefix = defaults.KeyPrefix
		}
	case BackendDatabase:
		if c.DatabaseDriver == "" {
			c.DatabaseDriver = driverSQLite
		}
		if c.DatabaseDriver != driverSQLite && c.DatabaseDriver != driverPostgres {
			return fmt.Errorf("%w: unknown database driver %q", ErrInvalidSettings, c.DatabaseDriver)
		}
		if c.DatabaseDSN == "" {
			return fmt.Errorf("%w: cache.database_dsn is required for the database backend", ErrInvalidSettings)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidSettings, c.Backend)
	}
	return nil
}

func (s *Settings) normalizeUpstream() error {
	switch s.Engine {
	case EngineLAPI:
		if s.LAPI.URL == "" || s.LAPI.APIKey == "" {
			return fmt.Errorf("%w: lapi.url and lapi.api_key are required", ErrInvalidSettings)
		}
	case EngineCAPI:
		if s.CAPI.URL == "" || s.CAPI.Password == "" {
			return fmt.Errorf("%w: capi.url and capi.password are required", ErrInvalidSettings)
		}
	}
	if s.Server.MaxConnections < 0 {
		return fmt.Errorf("%w: server.max_connections must not be negative", ErrInvalidSettings)
	}
	return nil
}

// LAPITimeout returns the Local API request timeout.
func (s Settings) LAPITimeout() time.Duration {
	return time.Duration(s.LAPI.TimeoutSeconds) * time.Second
}

// GeolocationCacheDuration returns how long saved geolocation results live.
func (s Settings) GeolocationCacheDuration() time.Duration {
	return time.Duration(s.Geolocation.CacheDuration) * time.Second
}

// RefreshInterval returns the stream refresh period.
func (s Settings) RefreshInterval() time.Duration {
	return CalculateBetweenTime(s.Refresh.Interval)
}
