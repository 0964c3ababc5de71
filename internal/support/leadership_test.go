package support

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLeaderLockExclusive(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	first := NewLeaderLock(client, "remedy:test:lock", time.Minute)
	second := NewLeaderLock(client, "remedy:test:lock", time.Minute)

	ok, err := first.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first TryAcquire = %v, %v; want true, nil", ok, err)
	}

	ok, err = second.TryAcquire(ctx)
	if err != nil || ok {
		t.Fatalf("second TryAcquire = %v, %v; want false, nil", ok, err)
	}

	if err := second.Renew(); !errors.Is(err, errLockLost) {
		t.Fatalf("Renew by non-owner returned %v, want errLockLost", err)
	}

	if err := second.Release(); err != nil {
		t.Fatalf("Release by non-owner returned %v", err)
	}
	if got, _ := client.Get(ctx, "remedy:test:lock").Result(); got != first.Owner() {
		t.Fatalf("lock owner = %q, want %q", got, first.Owner())
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release returned %v", err)
	}
	if ok, _ := second.TryAcquire(ctx); !ok {
		t.Fatal("lock not free after release")
	}
}

func TestLeaderLockRunReleasesAfterRun(t *testing.T) {
	mr, client := newTestRedis(t)

	lock := NewLeaderLock(client, "remedy:test:run", time.Minute)
	lock.retryDelay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- lock.Run(ctx, func(context.Context) {
			if got, _ := mr.Get("remedy:test:run"); got != lock.Owner() {
				t.Errorf("lock value during run = %q, want %q", got, lock.Owner())
			}
			select {
			case ran <- struct{}{}:
			default:
			}
			cancel()
		})
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("run was never called")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if mr.Exists("remedy:test:run") {
		t.Fatal("lock still held after run returned")
	}
}

func TestLeaderLockRunRejectsNil(t *testing.T) {
	_, client := newTestRedis(t)
	lock := NewLeaderLock(client, "remedy:test:nil", 0)

	if err := lock.Run(context.Background(), nil); !errors.Is(err, ErrNoLeaderRun) {
		t.Fatalf("Run(nil) returned %v, want ErrNoLeaderRun", err)
	}
	if lock.ttl != DefaultLeadershipTTL {
		t.Fatalf("ttl = %s, want default %s", lock.ttl, DefaultLeadershipTTL)
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("NewRedisClient returned %v", err)
	}
	_ = client.Close()

	if _, err := NewRedisClient(context.Background(), "not a url"); err == nil {
		t.Fatal("NewRedisClient accepted an invalid URL")
	}
}
