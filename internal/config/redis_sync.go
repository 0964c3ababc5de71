package config

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisRefreshKey     = "remedy:config:refresh"
	redisRefreshChannel = "remedy:config:refresh:updates"
	redisOpTimeout      = 5 * time.Second
)

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

var globalRedisSync redisSyncState

// EnableRedisSynchronization shares the refresh settings of every bouncer
// using the same Redis. A timer already stored in Redis wins over the local
// one; otherwise the local one is published.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		cancel()
		return
	}

	globalRedisSync.client = client
	globalRedisSync.ctx = syncCtx
	globalRedisSync.cancel = cancel
	globalRedisSync.mu.Unlock()

	loaded, err := loadRefreshFromRedis(syncCtx, client)
	if err != nil {
		log.Error("Config sync: failed to load refresh settings from redis", "error", err)
	}

	if !loaded {
		if err := PublishRefreshSettings(Current().Refresh); err != nil {
			log.Error("Config sync: failed to publish refresh settings to redis", "error", err)
		}
	}

	subscribed := make(chan struct{})
	go subscribeToRefreshUpdates(syncCtx, client, subscribed)
	<-subscribed
}

// DisableRedisSynchronization stops listening for remote updates.
func DisableRedisSynchronization() {
	globalRedisSync.mu.Lock()
	defer globalRedisSync.mu.Unlock()

	if globalRedisSync.cancel != nil {
		globalRedisSync.cancel()
	}
	globalRedisSync = redisSyncState{}
}

func loadRefreshFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisRefreshKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	if err := applyRemoteRefresh([]byte(payload)); err != nil {
		return true, err
	}
	return true, nil
}

func subscribeToRefreshUpdates(ctx context.Context, client *redis.Client, subscribed chan<- struct{}) {
	pubsub := client.Subscribe(ctx, redisRefreshChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		log.Error("Config sync: subscribe failed", "error", err)
	}
	close(subscribed)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		if err := applyRemoteRefresh([]byte(msg.Payload)); err != nil {
			log.Error("Config sync: invalid payload", "error", err)
		}
	}
}

func applyRemoteRefresh(payload []byte) error {
	var refresh RefreshSettings
	if err := json.Unmarshal(payload, &refresh); err != nil {
		return err
	}

	s := Current()
	s.Refresh = refresh
	Apply(s)
	log.Debug("Refresh settings applied", "source", "redis", "interval", CalculateBetweenTime(refresh.Interval))
	return nil
}

// PublishRefreshSettings stores and broadcasts refresh settings to every
// synchronized bouncer. Without synchronization it is a no-op.
func PublishRefreshSettings(refresh RefreshSettings) error {
	payload, err := json.Marshal(refresh)
	if err != nil {
		return err
	}

	globalRedisSync.mu.RLock()
	client := globalRedisSync.client
	baseCtx := globalRedisSync.ctx
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if err := client.Set(opCtx, redisRefreshKey, payload, 0).Err(); err != nil {
		return err
	}
	return client.Publish(opCtx, redisRefreshChannel, payload).Err()
}
