package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func restoreSettings(t *testing.T) {
	t.Helper()

	origSettings := Current()
	origInterval := GetRefreshInterval()
	t.Cleanup(func() {
		DisableRedisSynchronization()
		settingsValue.Store(origSettings)
		refreshInterval.Store(origInterval)
	})
}

func TestRedisSyncPublishesLocalSettings(t *testing.T) {
	restoreSettings(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := Defaults()
	s.Refresh.Interval = Timer{Seconds: 42}
	Apply(s)

	EnableRedisSynchronization(context.Background(), client)

	raw, err := mr.Get(redisRefreshKey)
	if err != nil {
		t.Fatalf("refresh key not stored: %v", err)
	}
	var stored RefreshSettings
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("stored payload invalid: %v", err)
	}
	if stored.Interval.Seconds != 42 {
		t.Fatalf("stored interval = %+v, want 42s", stored.Interval)
	}
}

func TestRedisSyncAppliesRemoteSettings(t *testing.T) {
	restoreSettings(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	payload, _ := json.Marshal(RefreshSettings{Interval: Timer{Minutes: 3}})
	if err := mr.Set(redisRefreshKey, string(payload)); err != nil {
		t.Fatalf("seed redis: %v", err)
	}

	EnableRedisSynchronization(context.Background(), client)

	if got := GetRefreshInterval(); got != 3*time.Minute {
		t.Fatalf("refresh interval = %s, want 3m from redis", got)
	}

	update, _ := json.Marshal(RefreshSettings{Interval: Timer{Minutes: 5}})
	mr.Publish(redisRefreshChannel, string(update))

	deadline := time.Now().Add(2 * time.Second)
	for GetRefreshInterval() != 5*time.Minute {
		if time.Now().After(deadline) {
			t.Fatalf("refresh interval = %s, want 5m after publish", GetRefreshInterval())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishWithoutSynchronization(t *testing.T) {
	DisableRedisSynchronization()
	if err := PublishRefreshSettings(RefreshSettings{}); err != nil {
		t.Fatalf("PublishRefreshSettings returned %v without redis", err)
	}
}
