// Package storage holds the key-value backends the decision cache sits on.
// Keys handed to an adapter are already escaped by the caller; adapters treat
// them as opaque strings.
package storage

import (
	"context"
	"errors"
	"time"

	"remedy/internal/domain"
)

var (
	ErrClosed     = errors.New("storage: adapter closed")
	ErrKeyTooLong = errors.New("storage: key too long")
)

// Item is the unit of storage at one key.
type Item struct {
	Records []domain.CachedRecord
	// ExpiresAt is a Unix timestamp in seconds; 0 means the item never expires.
	ExpiresAt int64
	Tags      []string
}

// Expired reports whether the whole item is past its expiration at now.
func (i Item) Expired(now time.Time) bool {
	return i.ExpiresAt != 0 && i.ExpiresAt <= now.Unix()
}

// Adapter is the contract the cache store needs from a backend. Deferred
// writes live in a Batch owned by the caller; Commit flushes exactly that
// batch, all or nothing. Get only sees committed items.
type Adapter interface {
	Get(ctx context.Context, key string) (Item, bool, error)
	SaveDeferred(ctx context.Context, batch *Batch, key string, item Item) error
	Commit(ctx context.Context, batch *Batch) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Pruner is implemented by backends that need an explicit sweep of expired items.
type Pruner interface {
	Prune(ctx context.Context) error
}

// TagInvalidator is implemented by backends that index items by tag.
type TagInvalidator interface {
	InvalidateTags(ctx context.Context, tags ...string) error
}

// Batch buffers the deferred writes of one caller until commit. The last
// write to a key wins. A Batch is not safe for concurrent use.
type Batch struct {
	items map[string]Item
	order []string
}

func NewBatch() *Batch {
	return &Batch{}
}

// Get returns the pending write for key.
func (b *Batch) Get(key string) (Item, bool) {
	item, ok := b.items[key]
	if !ok {
		return Item{}, false
	}
	return cloneItem(item), true
}

// Drop forgets the pending write for key.
func (b *Batch) Drop(key string) {
	if _, ok := b.items[key]; !ok {
		return
	}
	delete(b.items, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of pending keys.
func (b *Batch) Len() int {
	return len(b.order)
}

func (b *Batch) put(key string, item Item) {
	if b.items == nil {
		b.items = make(map[string]Item)
	}
	if _, exists := b.items[key]; !exists {
		b.order = append(b.order, key)
	}
	b.items[key] = cloneItem(item)
}

type pendingWrite struct {
	key  string
	item Item
}

// take empties the batch and returns its writes in insertion order.
func (b *Batch) take() []pendingWrite {
	writes := make([]pendingWrite, 0, len(b.order))
	for _, key := range b.order {
		writes = append(writes, pendingWrite{key: key, item: b.items[key]})
	}
	b.items = nil
	b.order = nil
	return writes
}

func cloneItem(item Item) Item {
	out := Item{ExpiresAt: item.ExpiresAt}
	if len(item.Records) > 0 {
		out.Records = append([]domain.CachedRecord(nil), item.Records...)
	}
	if len(item.Tags) > 0 {
		out.Tags = append([]string(nil), item.Tags...)
	}
	return out
}
