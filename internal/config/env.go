package config

import (
	"strings"

	"remedy/internal/support"
)

// applyEnv overrides file settings with REMEDY_* environment variables.
func applyEnv(s *Settings) {
	s.Engine = support.GetEnv("REMEDY_ENGINE", s.Engine)
	s.LogLevel = support.GetEnv("REMEDY_LOG_LEVEL", s.LogLevel)
	s.StreamMode = support.GetEnvBool("REMEDY_STREAM_MODE", s.StreamMode)
	s.FallbackRemediation = support.GetEnv("REMEDY_FALLBACK_REMEDIATION", s.FallbackRemediation)
	s.CleanIPCacheDuration = support.GetEnvInt("REMEDY_CLEAN_IP_CACHE_DURATION", s.CleanIPCacheDuration)
	s.BadIPCacheDuration = support.GetEnvInt("REMEDY_BAD_IP_CACHE_DURATION", s.BadIPCacheDuration)
	if raw := support.GetEnv("REMEDY_ORDERED_REMEDIATIONS", ""); raw != "" {
		s.OrderedRemediations = strings.Split(raw, ",")
	}

	s.Geolocation.Enabled = support.GetEnvBool("REMEDY_GEOLOCATION_ENABLED", s.Geolocation.Enabled)
	s.Geolocation.DatabasePath = support.GetEnv("REMEDY_GEOLOCATION_DATABASE_PATH", s.Geolocation.DatabasePath)

	s.Cache.Backend = support.GetEnv("REMEDY_CACHE_BACKEND", s.Cache.Backend)
	s.Cache.RedisURL = support.GetEnv("REMEDY_REDIS_URL", s.Cache.RedisURL)
	s.Cache.DatabaseDriver = support.GetEnv("REMEDY_DATABASE_DRIVER", s.Cache.DatabaseDriver)
	s.Cache.DatabaseDSN = support.GetEnv("REMEDY_DATABASE_DSN", s.Cache.DatabaseDSN)

	s.LAPI.URL = support.GetEnv("REMEDY_LAPI_URL", s.LAPI.URL)
	s.LAPI.APIKey = support.GetEnv("REMEDY_LAPI_KEY", s.LAPI.APIKey)

	s.CAPI.URL = support.GetEnv("REMEDY_CAPI_URL", s.CAPI.URL)
	s.CAPI.MachineID = support.GetEnv("REMEDY_CAPI_MACHINE_ID", s.CAPI.MachineID)
	s.CAPI.Password = support.GetEnv("REMEDY_CAPI_PASSWORD", s.CAPI.Password)

	s.Refresh.LeaderLock = support.GetEnvBool("REMEDY_REFRESH_LEADER_LOCK", s.Refresh.LeaderLock)

	s.Server.Port = support.GetEnvInt("REMEDY_PORT", s.Server.Port)
	s.Server.AdminKeyHash = support.GetEnv("REMEDY_ADMIN_KEY_HASH", s.Server.AdminKeyHash)
}
