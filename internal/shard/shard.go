// Package shard hands out one lazily created value per key. Each project owns
// its own shard so writers on different projects never contend on a shared lock.
package shard

import (
	"sort"
	"sync"
)

type Map[T any] struct {
	mu     sync.RWMutex
	items  map[string]*T
	create func(key string) *T
}

func New[T any](create func(key string) *T) *Map[T] {
	return &Map[T]{
		items:  make(map[string]*T),
		create: create,
	}
}

// Get returns the shard for key, creating it on first use.
func (m *Map[T]) Get(key string) *T {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if ok {
		return item
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.items[key]; ok {
		return item
	}
	item = m.create(key)
	m.items[key] = item
	return item
}

// Lookup returns the shard for key without creating it.
func (m *Map[T]) Lookup(key string) (*T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[key]
	return item, ok
}

func (m *Map[T]) Keys() []string {
	m.mu.RLock()
	keys := make([]string, 0, len(m.items))
	for key := range m.items {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}
