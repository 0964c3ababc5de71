// Package geolocation resolves the country of an IP from a MaxMind database.
package geolocation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/singleflight"

	"remedy/internal/cache"
	"remedy/internal/domain"
)

const (
	TypeMaxMind = "maxmind"

	DatabaseCountry = "country"
	DatabaseCity    = "city"

	variableCountry  = "geolocation_country"
	variableNotFound = "geolocation_not_found"

	defaultMemoSize      = 4096
	DefaultCacheDuration = 24 * time.Hour
)

var (
	ErrUnknownType         = errors.New("geolocation: unknown type")
	ErrUnknownDatabaseType = errors.New("geolocation: unknown maxmind database type")
	ErrClosed              = errors.New("geolocation: resolver closed")
)

// Result is the tri-state outcome of a lookup. Exactly one field is set.
type Result struct {
	Country  string `json:"country,omitempty"`
	NotFound string `json:"not_found,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Config struct {
	Type          string
	DatabaseType  string
	DatabasePath  string
	CacheDuration time.Duration
	SaveResult    bool
	MemoSize      int
}

// VariableStore persists lookup outcomes next to the decision cache.
type VariableStore interface {
	Variable(ctx context.Context, scope domain.Scope, value, name string) (string, bool, error)
	SaveVariable(ctx context.Context, scope domain.Scope, value, name, content string, ttl time.Duration) error
}

type lookupFunc func(ip net.IP) (string, error)

// openFunc opens the database at path and returns its lookup and closer.
type openFunc func(path, databaseType string) (lookupFunc, func() error, error)

// Resolver serves lookups from one open database. Lookups hold the read lock
// for their whole duration, so Reload and Close never pull the database out
// from under a running lookup.
type Resolver struct {
	cfg    Config
	store  VariableStore
	logger *log.Logger
	open   openFunc

	mu      sync.RWMutex
	lookup  lookupFunc
	closeDB func() error
	closed  bool

	memo  *lru.Cache
	group singleflight.Group
}

// Open validates cfg and opens the MaxMind database it points to.
func Open(cfg Config, store VariableStore, logger *log.Logger) (*Resolver, error) {
	if cfg.Type != TypeMaxMind {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	if cfg.DatabaseType != DatabaseCountry && cfg.DatabaseType != DatabaseCity {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatabaseType, cfg.DatabaseType)
	}

	lookup, closeDB, err := openMaxMind(cfg.DatabasePath, cfg.DatabaseType)
	if err != nil {
		return nil, err
	}

	r := newResolver(cfg, lookup, store, logger)
	r.closeDB = closeDB
	return r, nil
}

func openMaxMind(path, databaseType string) (lookupFunc, func() error, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("geolocation: open %s: %w", path, err)
	}
	return readerLookup(reader, databaseType), reader.Close, nil
}

func newResolver(cfg Config, lookup lookupFunc, store VariableStore, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = DefaultCacheDuration
	}
	size := cfg.MemoSize
	if size <= 0 {
		size = defaultMemoSize
	}
	memo, _ := lru.New(size)

	return &Resolver{
		cfg:    cfg,
		store:  store,
		logger: logger,
		open:   openMaxMind,
		lookup: lookup,
		memo:   memo,
	}
}

func readerLookup(reader *geoip2.Reader, databaseType string) lookupFunc {
	if databaseType == DatabaseCity {
		return func(ip net.IP) (string, error) {
			record, err := reader.City(ip)
			if err != nil {
				return "", err
			}
			return record.Country.IsoCode, nil
		}
	}
	return func(ip net.IP) (string, error) {
		record, err := reader.Country(ip)
		if err != nil {
			return "", err
		}
		return record.Country.IsoCode, nil
	}
}

// ResolveCountry returns the country of ip. Saved results are used first when
// enabled; database lookups are memoized for the resolver's lifetime.
func (r *Resolver) ResolveCountry(ctx context.Context, ip string) Result {
	if saved, ok := r.savedResult(ctx, ip); ok {
		return saved
	}

	if cached, ok := r.memo.Get(ip); ok {
		return cached.(Result)
	}

	value, _, _ := r.group.Do(ip, func() (interface{}, error) {
		return r.query(ip), nil
	})
	result := value.(Result)

	r.saveResult(ctx, ip, result)
	return result
}

// query looks ip up and memoizes the outcome, both under the read lock so a
// concurrent Reload can not leave a result from the old database in the memo.
func (r *Resolver) query(ip string) Result {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Result{Error: fmt.Sprintf("invalid ip address %q", ip)}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Result{Error: ErrClosed.Error()}
	}

	result := Result{}
	country, err := r.lookup(parsed)
	switch {
	case err != nil:
		result.Error = err.Error()
	case country == "":
		result.NotFound = fmt.Sprintf("the address %s is not in the database", ip)
	default:
		result.Country = country
	}
	r.memo.Add(ip, result)
	return result
}

func (r *Resolver) savedResult(ctx context.Context, ip string) (Result, bool) {
	if !r.cfg.SaveResult || r.store == nil {
		return Result{}, false
	}

	country, ok, err := r.store.Variable(ctx, cache.ScopeGeolocation, ip, variableCountry)
	if err != nil {
		r.logger.Warn("Failed to read saved geolocation", "type", "GEOLOCATION_CACHE_READ_FAILED", "ip", ip, "error", err)
		return Result{}, false
	}
	if ok && country != "" {
		return Result{Country: country}, true
	}

	notFound, ok, err := r.store.Variable(ctx, cache.ScopeGeolocation, ip, variableNotFound)
	if err == nil && ok && notFound != "" {
		return Result{NotFound: notFound}, true
	}
	return Result{}, false
}

func (r *Resolver) saveResult(ctx context.Context, ip string, result Result) {
	if !r.cfg.SaveResult || r.store == nil {
		return
	}

	var name, content string
	switch {
	case result.Country != "":
		name, content = variableCountry, result.Country
	case result.NotFound != "":
		name, content = variableNotFound, result.NotFound
	default:
		return
	}

	if err := r.store.SaveVariable(ctx, cache.ScopeGeolocation, ip, name, content, r.cfg.CacheDuration); err != nil {
		r.logger.Warn("Failed to save geolocation", "type", "GEOLOCATION_CACHE_SAVE_FAILED", "ip", ip, "error", err)
	}
}

// DatabasePath is the path of the database currently in use.
func (r *Resolver) DatabasePath() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.DatabasePath
}

// Reload swaps in the database at path, for example after an update. The old
// database is closed once the lookups still using it are done.
func (r *Resolver) Reload(path string) error {
	lookup, closeDB, err := r.open(path, r.cfg.DatabaseType)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = closeDB()
		return ErrClosed
	}
	old := r.closeDB
	r.lookup = lookup
	r.closeDB = closeDB
	r.cfg.DatabasePath = path
	r.memo.Purge()
	r.mu.Unlock()

	r.logger.Info("Geolocation database reloaded", "type", "GEOLOCATION_RELOADED", "path", path)
	if old != nil {
		return old()
	}
	return nil
}

// Close releases the database. Later lookups report ErrClosed.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.lookup = nil
	r.memo.Purge()

	closeDB := r.closeDB
	r.closeDB = nil
	if closeDB == nil {
		return nil
	}
	return closeDB()
}
