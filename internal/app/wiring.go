package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"remedy/internal/app/server"
	"remedy/internal/cache"
	"remedy/internal/capi"
	"remedy/internal/config"
	"remedy/internal/geolocation"
	"remedy/internal/jobs/refresh"
	"remedy/internal/lapi"
	"remedy/internal/metrics"
	"remedy/internal/remediation"
	"remedy/internal/storage"
	"remedy/internal/support"
)

// engine is what both the LAPI and the CAPI engines offer.
type engine interface {
	server.Engine
	refresh.Refresher
}

type components struct {
	engine    engine
	scheduler *refresh.Scheduler
	server    *server.Server
	redis     *redis.Client
	geo       *geolocation.Resolver

	closers []func() error
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn("error closing component", "error", err)
		}
	}
}

func build(ctx context.Context, s config.Settings) (*components, error) {
	c := &components{}
	m := metrics.New()
	logger := log.Default()

	if s.Cache.Backend == config.BackendRedis || s.Refresh.LeaderLock {
		client, err := support.NewRedisClient(ctx, s.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		c.redis = client
		c.closers = append(c.closers, client.Close)
	}

	adapter, err := newAdapter(s.Cache, c)
	if err != nil {
		c.Close()
		return nil, err
	}

	store := cache.New(adapter,
		cache.WithLogger(logger),
		cache.WithMetrics(m),
		cache.WithKeyCacheSize(s.Cache.KeyCacheSize),
		cache.WithTags(s.Cache.UseCacheTags),
	)

	opts := []remediation.Option{
		remediation.WithLogger(logger),
		remediation.WithMetrics(m),
	}

	if s.Geolocation.Enabled {
		resolver, err := geolocation.Open(geolocation.Config{
			Type:          s.Geolocation.Type,
			DatabaseType:  s.Geolocation.DatabaseType,
			DatabasePath:  s.Geolocation.DatabasePath,
			CacheDuration: s.GeolocationCacheDuration(),
			SaveResult:    s.Geolocation.SaveResult,
		}, store, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.geo = resolver
		c.closers = append(c.closers, resolver.Close)
		opts = append(opts, remediation.WithCountryResolver(resolver))
	}

	c.engine, err = newEngine(s, store, opts)
	if err != nil {
		c.Close()
		return nil, err
	}

	var schedulerOpts []refresh.Option
	schedulerOpts = append(schedulerOpts, refresh.WithLogger(logger))
	if s.Refresh.LeaderLock && c.redis != nil {
		lock := support.NewLeaderLock(c.redis, refresh.LeaderLockKey, support.DefaultLeadershipTTL)
		schedulerOpts = append(schedulerOpts, refresh.WithLeader(lock))
	}
	c.scheduler = refresh.NewScheduler(c.engine, config.RefreshIntervalUpdates(), schedulerOpts...)

	c.server = server.New(server.Config{
		Port:           s.Server.Port,
		AdminKeyHash:   s.Server.AdminKeyHash,
		MaxConnections: s.Server.MaxConnections,
	}, c.engine, c.scheduler, m, logger)

	return c, nil
}

func newAdapter(s config.CacheSettings, c *components) (storage.Adapter, error) {
	switch s.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil
	case config.BackendRedis:
		if c.redis == nil {
			return nil, errors.New("redis backend selected without a redis client")
		}
		return storage.NewRedis(c.redis, s.KeyPrefix), nil
	case config.BackendDatabase:
		db, err := storage.OpenDatabase(s.DatabaseDriver, s.DatabaseDSN)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, db.Close)
		return db, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.Backend)
	}
}

func newEngine(s config.Settings, store *cache.Store, opts []remediation.Option) (engine, error) {
	policy := remediation.Policy{
		StreamMode:           s.StreamMode,
		OrderedRemediations:  s.OrderedRemediations,
		FallbackRemediation:  s.FallbackRemediation,
		CleanIPCacheDuration: s.CleanIPCacheDuration,
		BadIPCacheDuration:   s.BadIPCacheDuration,
		CountryScope:         s.Geolocation.Enabled,
	}

	switch s.Engine {
	case config.EngineCAPI:
		client, err := capi.New(capi.Config{
			URL:       s.CAPI.URL,
			MachineID: s.CAPI.MachineID,
			Password:  s.CAPI.Password,
			Scenarios: s.CAPI.Scenarios,
		})
		if err != nil {
			return nil, err
		}
		return remediation.NewCapiEngine(policy, store, client, opts...), nil
	default:
		client, err := lapi.New(lapi.Config{
			URL:       s.LAPI.URL,
			APIKey:    s.LAPI.APIKey,
			Timeout:   s.LAPITimeout(),
			LiveRate:  s.LAPI.LiveRate,
			LiveBurst: s.LAPI.LiveBurst,
		})
		if err != nil {
			return nil, err
		}
		return remediation.NewEngine(policy, store, client, opts...), nil
	}
}
