package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const (
	EngineLAPI = "lapi"
	EngineCAPI = "capi"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

var ErrInvalidSettings = errors.New("config: invalid settings")

type Settings struct {
	Engine   string `json:"engine" yaml:"engine"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	StreamMode           bool     `json:"stream_mode" yaml:"stream_mode"`
	OrderedRemediations  []string `json:"ordered_remediations" yaml:"ordered_remediations"`
	FallbackRemediation  string   `json:"fallback_remediation" yaml:"fallback_remediation"`
	CleanIPCacheDuration int      `json:"clean_ip_cache_duration" yaml:"clean_ip_cache_duration"`
	BadIPCacheDuration   int      `json:"bad_ip_cache_duration" yaml:"bad_ip_cache_duration"`

	Geolocation GeolocationSettings `json:"geolocation" yaml:"geolocation"`
	Cache       CacheSettings       `json:"cache" yaml:"cache"`
	LAPI        LAPISettings        `json:"lapi" yaml:"lapi"`
	CAPI        CAPISettings        `json:"capi" yaml:"capi"`
	Refresh     RefreshSettings     `json:"refresh" yaml:"refresh"`
	Server      ServerSettings      `json:"server" yaml:"server"`
}

type GeolocationSettings struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Type         string `json:"type" yaml:"type"`
	DatabaseType string `json:"database_type" yaml:"database_type"`
	DatabasePath string `json:"database_path" yaml:"database_path"`
	// Seconds a saved result is reused.
	CacheDuration int  `json:"cache_duration" yaml:"cache_duration"`
	SaveResult    bool `json:"save_result" yaml:"save_result"`
}

type CacheSettings struct {
	Backend        string `json:"backend" yaml:"backend"`
	RedisURL       string `json:"redis_url" yaml:"redis_url"`
	KeyPrefix      string `json:"key_prefix" yaml:"key_prefix"`
	DatabaseDriver string `json:"database_driver" yaml:"database_driver"`
	DatabaseDSN    string `json:"database_dsn" yaml:"database_dsn"`
	UseCacheTags   bool   `json:"use_cache_tags" yaml:"use_cache_tags"`
	KeyCacheSize   int    `json:"key_cache_size" yaml:"key_cache_size"`
}

type LAPISettings struct {
	URL            string  `json:"url" yaml:"url"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	LiveRate       float64 `json:"live_rate" yaml:"live_rate"`
	LiveBurst      int     `json:"live_burst" yaml:"live_burst"`
}

type CAPISettings struct {
	URL       string   `json:"url" yaml:"url"`
	MachineID string   `json:"machine_id" yaml:"machine_id"`
	Password  string   `json:"password" yaml:"password"`
	Scenarios []string `json:"scenarios" yaml:"scenarios"`
}

type RefreshSettings struct {
	Interval   Timer `json:"interval" yaml:"interval"`
	LeaderLock bool  `json:"leader_lock" yaml:"leader_lock"`
}

type ServerSettings struct {
	Port           int    `json:"port" yaml:"port"`
	AdminKeyHash   string `json:"admin_key_hash" yaml:"admin_key_hash"`
	MaxConnections int    `json:"max_connections" yaml:"max_connections"`
}

type Timer struct {
	Days    uint32 `json:"days" yaml:"days"`
	Hours   uint32 `json:"hours" yaml:"hours"`
	Minutes uint32 `json:"minutes" yaml:"minutes"`
	Seconds uint32 `json:"seconds" yaml:"seconds"`
}

var (
	//go:embed default_settings.json
	defaultSettings []byte

	settingsValue atomic.Value
	settingsMu    sync.Mutex
)

func init() {
	settingsValue.Store(Defaults())
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	var s Settings
	if err := json.Unmarshal(defaultSettings, &s); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return s
}

// Load reads the settings file at path over the defaults, applies environment
// overrides and normalizes the result. An empty path skips the file.
func Load(path string) (Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, &s); err != nil {
			return Settings{}, err
		}
		log.Debug("Settings file loaded", "path", path)
	}

	applyEnv(&s)

	if err := s.Normalize(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func decode(path string, data []byte, s *Settings) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSettings, path, err)
		}
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(s); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSettings, path, err)
		}
	default:
		return fmt.Errorf("%w: unsupported settings format %q", ErrInvalidSettings, filepath.Ext(path))
	}
	return nil
}

// Current returns the settings the process is running with.
func Current() Settings {
	return settingsValue.Load().(Settings)
}

// Apply installs s as the current settings and notifies interval listeners.
func Apply(s Settings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	settingsValue.Store(s)
	setRefreshInterval(CalculateBetweenTime(s.Refresh.Interval))
	log.Debug("Settings applied", "engine", s.Engine, "stream_mode", s.StreamMode, "backend", s.Cache.Backend)
}
