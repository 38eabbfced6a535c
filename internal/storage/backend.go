// Package storage selects the cache.Storage backend for a process
package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/devkit/cache"
	"github.com/briangreenhill/devkit/cache/pgcache"
	"github.com/briangreenhill/devkit/internal/config"
)

// Backend opens one kind of cache storage
type Backend interface {
	// Name returns the backend name (e.g., "memory", "postgres")
	Name() string

	// Open returns the storage and a function releasing its resources
	Open(ctx context.Context, cfg *config.Config) (cache.Storage, func(), error)
}

// Registry manages available storage backends
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// DefaultRegistry has the memory, file and postgres backends
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(memoryBackend{})
	r.Register(fileBackend{})
	r.Register(postgresBackend{})
	return r
}

// Register adds a backend, replacing one with the same name
func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

// Get retrieves a backend by name
func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// List returns the registered backend names, sorted
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the backend the configuration selects
func (r *Registry) Open(ctx context.Context, cfg *config.Config) (cache.Storage, func(), error) {
	name := string(cfg.Storage())
	b, ok := r.Get(name)
	if !ok {
		return nil, nil, fmt.Errorf("storage backend %q not registered, available: %v", name, r.List())
	}
	return b.Open(ctx, cfg)
}

// Open opens the configured backend from the default registry
func Open(ctx context.Context, cfg *config.Config) (cache.Storage, func(), error) {
	return DefaultRegistry().Open(ctx, cfg)
}

type memoryBackend struct{}

func (memoryBackend) Name() string { return string(config.StorageMemory) }

func (memoryBackend) Open(context.Context, *config.Config) (cache.Storage, func(), error) {
	return cache.NewMemoryStorage(), func() {}, nil
}

type fileBackend struct{}

func (fileBackend) Name() string { return string(config.StorageFile) }

func (fileBackend) Open(_ context.Context, cfg *config.Config) (cache.Storage, func(), error) {
	st, err := cache.NewFileStorage(cfg.CacheDir)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {}, nil
}

type postgresBackend struct{}

func (postgresBackend) Name() string { return string(config.StoragePostgres) }

func (postgresBackend) Open(ctx context.Context, cfg *config.Config) (cache.Storage, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db error: %w", err)
	}
	st := pgcache.New(pool)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return st, pool.Close, nil
}
