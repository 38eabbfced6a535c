package cache

import (
	"context"
	"sync"
)

// MemoryStorage keeps caches in process memory
type MemoryStorage struct {
	mu     sync.RWMutex
	names  []string
	caches map[string]*memoryCache
}

// NewMemoryStorage creates an empty in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: make(map[string]*memoryCache)}
}

// Open implements Storage
func (ms *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if c, ok := ms.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{name: name, entries: make(map[string]*Entry)}
	ms.caches[name] = c
	ms.names = append(ms.names, name)
	return c, nil
}

// Has implements Storage
func (ms *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, ok := ms.caches[name]
	return ok, nil
}

// Delete implements Storage
func (ms *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, ok := ms.caches[name]; !ok {
		return false, nil
	}
	delete(ms.caches, name)
	for i, n := range ms.names {
		if n == name {
			ms.names = append(ms.names[:i], ms.names[i+1:]...)
			break
		}
	}
	return true, nil
}

// Keys implements Storage
func (ms *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]string(nil), ms.names...), nil
}

type memoryCache struct {
	name    string
	mu      sync.RWMutex
	keys    []string
	entries map[string]*Entry
}

func (mc *memoryCache) Name() string { return mc.name }

func (mc *memoryCache) Match(_ context.Context, key string, opts MatchOptions) (*Entry, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if e, ok := mc.entries[key]; ok && !opts.IgnoreSearch {
		return copyEntry(e), nil
	}
	for _, k := range mc.keys {
		if keysMatch(k, key, opts) {
			return copyEntry(mc.entries[k]), nil
		}
	}
	return nil, ErrNotFound
}

func (mc *memoryCache) Put(_ context.Context, key string, entry *Entry) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.entries[key]; !ok {
		mc.keys = append(mc.keys, key)
	}
	mc.entries[key] = copyEntry(entry)
	return nil
}

func (mc *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if _, ok := mc.entries[key]; !ok {
		return false, nil
	}
	delete(mc.entries, key)
	for i, k := range mc.keys {
		if k == key {
			mc.keys = append(mc.keys[:i], mc.keys[i+1:]...)
			break
		}
	}
	return true, nil
}

func (mc *memoryCache) Keys(_ context.Context) ([]string, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return append([]string(nil), mc.keys...), nil
}

// copyEntry isolates callers from stored snapshots
func copyEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}
