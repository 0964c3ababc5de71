package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKeyPrefix = "remedy:cache:"
	redisScanCount        = 500
	redisTagSegment       = "tags:"
	redisTagRegistry      = "tag_names"
	// Score of tag members whose item never expires.
	redisNoExpiryScore = float64(1 << 62)
)

// Redis shares the decision cache between processes. A batch is flushed in a
// single MULTI/EXEC on commit. Tags are sorted sets scored by item expiry, so
// members of expired items are trimmed on the next commit touching the tag.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (r *Redis) itemKey(key string) string {
	return r.prefix + key
}

func (r *Redis) tagKey(tag string) string {
	return r.prefix + redisTagSegment + tag
}

func (r *Redis) registryKey() string {
	return r.prefix + redisTagRegistry
}

func (r *Redis) Get(ctx context.Context, key string) (Item, bool, error) {
	cmds, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Get(ctx, r.itemKey(key))
		pipe.TTL(ctx, r.itemKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Item{}, false, fmt.Errorf("storage: redis get %q: %w", key, err)
	}

	payload, err := cmds[0].(*redis.StringCmd).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("storage: redis get %q: %w", key, err)
	}

	records, err := decodeRecords(payload)
	if err != nil {
		return Item{}, false, err
	}

	item := Item{Records: records}
	if ttl, err := cmds[1].(*redis.DurationCmd).Result(); err == nil && ttl > 0 {
		item.ExpiresAt = r.now().Add(ttl).Unix()
	}
	return item, true, nil
}

func (r *Redis) SaveDeferred(_ context.Context, batch *Batch, key string, item Item) error {
	batch.put(key, item)
	return nil
}

func (r *Redis) Commit(ctx context.Context, batch *Batch) error {
	writes := batch.take()
	if len(writes) == 0 {
		return nil
	}

	now := r.now()
	payloads := make([][]byte, len(writes))
	for i, w := range writes {
		payload, err := encodeRecords(w.item.Records)
		if err != nil {
			return err
		}
		payloads[i] = payload
	}

	var expiredWrites bool
	touched := make(map[string]struct{})
	for _, w := range writes {
		if w.item.Expired(now) {
			expiredWrites = true
		}
		for _, tag := range w.item.Tags {
			touched[tag] = struct{}{}
		}
	}

	var known []string
	if expiredWrites {
		var err error
		if known, err = r.tagNames(ctx); err != nil {
			return fmt.Errorf("storage: redis commit of %d items: %w", len(writes), err)
		}
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, w := range writes {
			key := r.itemKey(w.key)
			if w.item.Expired(now) {
				pipe.Del(ctx, key)
				for _, tag := range known {
					pipe.ZRem(ctx, r.tagKey(tag), key)
				}
				continue
			}
			var ttl time.Duration
			score := redisNoExpiryScore
			if w.item.ExpiresAt > 0 {
				ttl = time.Unix(w.item.ExpiresAt, 0).Sub(now)
				score = float64(w.item.ExpiresAt)
			}
			pipe.Set(ctx, key, payloads[i], ttl)
			for _, tag := range w.item.Tags {
				pipe.ZAdd(ctx, r.tagKey(tag), redis.Z{Score: score, Member: key})
			}
		}
		for tag := range touched {
			pipe.SAdd(ctx, r.registryKey(), tag)
			pipe.ZRemRangeByScore(ctx, r.tagKey(tag), "-inf", strconv.FormatInt(now.Unix(), 10))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: redis commit of %d items: %w", len(writes), err)
	}
	return nil
}

func (r *Redis) tagNames(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.registryKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return names, nil
}

// Delete removes the item and its tag memberships.
func (r *Redis) Delete(ctx context.Context, key string) error {
	tags, err := r.tagNames(ctx)
	if err != nil {
		return fmt.Errorf("storage: redis delete %q: %w", key, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.itemKey(key))
		for _, tag := range tags {
			pipe.ZRem(ctx, r.tagKey(tag), r.itemKey(key))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: redis delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every key under the adapter's prefix, tag sets included.
func (r *Redis) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", redisScanCount).Result()
		if err != nil {
			return fmt.Errorf("storage: redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("storage: redis unlink: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// InvalidateTags deletes every item that was written with one of the tags,
// along with its memberships in the other tags.
func (r *Redis) InvalidateTags(ctx context.Context, tags ...string) error {
	known, err := r.tagNames(ctx)
	if err != nil {
		return fmt.Errorf("storage: redis tag names: %w", err)
	}

	for _, tag := range tags {
		members, err := r.client.ZRange(ctx, r.tagKey(tag), 0, -1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("storage: redis tag %q members: %w", tag, err)
		}

		_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(members) > 0 {
				pipe.Del(ctx, members...)
				for _, other := range known {
					if other == tag {
						continue
					}
					pipe.ZRem(ctx, r.tagKey(other), stringsToAny(members)...)
				}
			}
			pipe.Del(ctx, r.tagKey(tag))
			pipe.SRem(ctx, r.registryKey(), tag)
			return nil
		})
		if err != nil {
			return fmt.Errorf("storage: redis tag %q invalidate: %w", tag, err)
		}
	}
	return nil
}

func stringsToAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
