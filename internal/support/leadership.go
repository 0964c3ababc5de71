package support

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	lockOpTimeout        = 5 * time.Second
	minRenewalInterval   = time.Second
	renewalFraction      = 3
)

var (
	ErrNoLeaderRun = errors.New("support: leader run function cannot be nil")
	errLockLost    = errors.New("lock lost")

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// LeaderLock is a Redis lease that lets exactly one bouncer instance run a
// job at a time.
type LeaderLock struct {
	client     *redis.Client
	key        string
	ttl        time.Duration
	owner      string
	retryDelay time.Duration
}

func NewLeaderLock(client *redis.Client, key string, ttl time.Duration) *LeaderLock {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	return &LeaderLock{
		client:     client,
		key:        key,
		ttl:        ttl,
		owner:      uuid.NewString(),
		retryDelay: leadershipRetryDelay,
	}
}

// Owner is the value written to the lock key while this instance leads.
func (l *LeaderLock) Owner() string {
	return l.owner
}

// Run blocks until the lease is acquired, then calls run with a context that
// is cancelled once the lease is lost. When run returns the lease is released
// and acquisition starts again, until ctx is done.
func (l *LeaderLock) Run(ctx context.Context, run func(context.Context)) error {
	if run == nil {
		return ErrNoLeaderRun
	}

	for {
		if err := l.acquire(ctx); err != nil {
			return err
		}

		log.Debug("Leader lock acquired", "type", "LEADER_LOCK_ACQUIRED", "key", l.key)
		l.lead(ctx, run)
		log.Debug("Leader lock released", "type", "LEADER_LOCK_RELEASED", "key", l.key)

		if err := l.wait(ctx); err != nil {
			return err
		}
	}
}

// TryAcquire takes the lease once without blocking.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
}

func (l *LeaderLock) acquire(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, err := l.TryAcquire(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("Leader lock setnx failed", "type", "LEADER_LOCK_ERROR", "key", l.key, "error", err)
		}
		if ok {
			return nil
		}

		if err := l.wait(ctx); err != nil {
			return err
		}
	}
}

func (l *LeaderLock) lead(ctx context.Context, run func(context.Context)) {
	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopRenew := make(chan struct{})
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		l.renewLoop(leadCtx, cancel, stopRenew)
	}()

	run(leadCtx)

	close(stopRenew)
	<-renewDone
	if err := l.Release(); err != nil {
		log.Warn("Leader lock release failed", "type", "LEADER_LOCK_ERROR", "key", l.key, "error", err)
	}
}

func (l *LeaderLock) renewLoop(ctx context.Context, lost context.CancelFunc, stop <-chan struct{}) {
	interval := l.ttl / renewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(); err != nil {
				log.Warn("Leader lock renewal failed", "type", "LEADER_LOCK_LOST", "key", l.key, "error", err)
				lost()
				return
			}
		}
	}
}

// Renew extends the lease if this instance still owns it.
func (l *LeaderLock) Renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errLockLost
	}
	return nil
}

// Release deletes the lease if this instance still owns it.
func (l *LeaderLock) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), lockOpTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (l *LeaderLock) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.retryDelay):
		return nil
	}
}
