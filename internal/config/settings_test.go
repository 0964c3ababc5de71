package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func writeSettings(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	s := Defaults()

	if s.Engine != EngineLAPI || !s.StreamMode {
		t.Fatalf("defaults engine=%q stream=%v, want lapi stream", s.Engine, s.StreamMode)
	}
	if s.CleanIPCacheDuration != 60 || s.BadIPCacheDuration != 120 {
		t.Fatalf("defaults cache durations = %d/%d, want 60/120", s.CleanIPCacheDuration, s.BadIPCacheDuration)
	}
	if s.Cache.Backend != BackendMemory {
		t.Fatalf("defaults backend = %q, want memory", s.Cache.Backend)
	}
	if s.RefreshInterval().Seconds() != 10 {
		t.Fatalf("defaults refresh interval = %s, want 10s", s.RefreshInterval())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeSettings(t, "settings.yaml", `
engine: lapi
stream_mode: false
ordered_remediations: [Captcha, bypass, ban, captcha]
fallback_remediation: captcha
bad_ip_cache_duration: 30
lapi:
  url: http://lapi:8080
  api_key: secret
cache:
  backend: redis
  redis_url: redis://cache:6379/1
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned %v", err)
	}

	if s.StreamMode {
		t.Fatal("stream_mode not read from file")
	}
	if want := []string{"captcha", "ban", "bypass"}; !slices.Equal(s.OrderedRemediations, want) {
		t.Fatalf("ordered remediations = %v, want %v", s.OrderedRemediations, want)
	}
	if s.FallbackRemediation != "captcha" {
		t.Fatalf("fallback = %q, want captcha", s.FallbackRemediation)
	}
	if s.BadIPCacheDuration != 30 || s.CleanIPCacheDuration != 60 {
		t.Fatalf("durations = %d/%d, want 60/30", s.CleanIPCacheDuration, s.BadIPCacheDuration)
	}
	if s.Cache.KeyPrefix != "remedy:cache:" {
		t.Fatalf("key prefix = %q, want default", s.Cache.KeyPrefix)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeSettings(t, "settings.json", `{"lapi": {"url": "http://lapi", "api_key": "k"}, "refresh": {"interval": {"minutes": 1}}}`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned %v", err)
	}
	if want := []string{"ban", "captcha", "bypass"}; !slices.Equal(s.OrderedRemediations, want) {
		t.Fatalf("ordered remediations = %v, want %v", s.OrderedRemediations, want)
	}
	if s.RefreshInterval().Minutes() != 1 {
		t.Fatalf("refresh interval = %s, want 1m", s.RefreshInterval())
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeSettings(t, "settings.yaml", "lapi:\n  url: http://lapi\n  api_key: k\nunknown_field: 1\n")

	if _, err := Load(path); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("Load returned %v, want ErrInvalidSettings", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REMEDY_LAPI_URL", "http://env-lapi")
	t.Setenv("REMEDY_LAPI_KEY", "env-key")
	t.Setenv("REMEDY_STREAM_MODE", "false")
	t.Setenv("REMEDY_ORDERED_REMEDIATIONS", "ban,mfa")
	t.Setenv("REMEDY_PORT", "9999")

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load returned %v", err)
	}

	if s.LAPI.URL != "http://env-lapi" || s.LAPI.APIKey != "env-key" {
		t.Fatalf("lapi settings = %+v, want env values", s.LAPI)
	}
	if s.StreamMode {
		t.Fatal("REMEDY_STREAM_MODE not applied")
	}
	if want := []string{"ban", "mfa", "bypass"}; !slices.Equal(s.OrderedRemediations, want) {
		t.Fatalf("ordered remediations = %v, want %v", s.OrderedRemediations, want)
	}
	if s.Server.Port != 9999 {
		t.Fatalf("port = %d, want 9999", s.Server.Port)
	}
}

func TestNormalize(t *testing.T) {
	base := func() Settings {
		s := Defaults()
		s.LAPI.APIKey = "key"
		return s
	}

	t.Run("capi forces stream mode", func(t *testing.T) {
		s := base()
		s.Engine = "CAPI"
		s.StreamMode = false
		s.CAPI.Password = "pw"

		if err := s.Normalize(); err != nil {
			t.Fatalf("Normalize returned %v", err)
		}
		if !s.StreamMode {
			t.Fatal("capi engine did not force stream mode")
		}
		if want := []string{"ban", "bypass"}; !slices.Equal(s.OrderedRemediations, want) {
			t.Fatalf("capi ordered remediations = %v, want %v", s.OrderedRemediations, want)
		}
	})

	invalid := map[string]func(*Settings){
		"fallback not ordered": func(s *Settings) { s.FallbackRemediation = "captcha"; s.OrderedRemediations = []string{"ban"} },
		"unknown engine":       func(s *Settings) { s.Engine = "other" },
		"unknown backend":      func(s *Settings) { s.Cache.Backend = "memcached" },
		"unknown driver":       func(s *Settings) { s.Cache.Backend = BackendDatabase; s.Cache.DatabaseDriver = "mysql" },
		"zero clean duration":  func(s *Settings) { s.CleanIPCacheDuration = 0 },
		"missing api key":      func(s *Settings) { s.LAPI.APIKey = "" },
		"geolocation no path":  func(s *Settings) { s.Geolocation.Enabled = true },
		"geolocation bad type": func(s *Settings) { s.Geolocation.Enabled = true; s.Geolocation.Type = "ip2location" },
		"capi without secret":  func(s *Settings) { s.Engine = EngineCAPI },
	}

	for name, mutate := range invalid {
		t.Run(name, func(t *testing.T) {
			s := base()
			mutate(&s)
			if err := s.Normalize(); !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("Normalize returned %v, want ErrInvalidSettings", err)
			}
		})
	}
}

func TestNormalizeRemediations(t *testing.T) {
	got := NormalizeRemediations([]string{"bypass", " BAN ", "captcha", "ban", ""})
	if want := []string{"ban", "captcha", "bypass"}; !slices.Equal(got, want) {
		t.Fatalf("NormalizeRemediations = %v, want %v", got, want)
	}

	if got := NormalizeRemediations(nil); !slices.Equal(got, []string{"bypass"}) {
		t.Fatalf("NormalizeRemediations(nil) = %v, want [bypass]", got)
	}
}
