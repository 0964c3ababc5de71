package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process adapter. It is what a single bouncer process uses
// when no shared backend is configured, and what tests use.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Item
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]Item),
		now:   time.Now,
	}
}

// WithClock replaces the clock used for expiration checks.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *Memory) Get(_ context.Context, key string) (Item, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok || item.Expired(m.now()) {
		return Item{}, false, nil
	}
	return cloneItem(item), true, nil
}

func (m *Memory) SaveDeferred(_ context.Context, batch *Batch, key string, item Item) error {
	batch.put(key, item)
	return nil
}

func (m *Memory) Commit(_ context.Context, batch *Batch) error {
	writes := batch.take()
	if len(writes) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range writes {
		m.items[w.key] = w.item
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]Item)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Prune(_ context.Context) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, item := range m.items {
		if item.Expired(now) {
			delete(m.items, key)
		}
	}
	return nil
}

func (m *Memory) InvalidateTags(_ context.Context, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}
	wanted := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		wanted[tag] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, item := range m.items {
		for _, tag := range item.Tags {
			if _, ok := wanted[tag]; ok {
				delete(m.items, key)
				break
			}
		}
	}
	return nil
}

// Len returns the number of committed items, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
