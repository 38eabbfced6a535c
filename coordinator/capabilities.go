package coordinator

import (
	"context"

	"github.com/briangreenhill/devkit/cache"
	"github.com/briangreenhill/devkit/sw"
)

// Workers is a page's view of the worker platform.
// *sw.ClientContainer implements it.
type Workers interface {
	Register(ctx context.Context) (*sw.Registration, error)
	Registration() (*sw.Registration, bool)
	Controller() *sw.Worker
	OnControllerChange(fn func())
	OnMessage(fn func(sw.Message))
}

// Capabilities describes what the page environment supports. Either
// capability may be missing on its own.
type Capabilities struct {
	workers Workers
	caches  cache.Storage
}

// Available returns capabilities backed by workers and caches.
// A nil argument marks that capability as missing.
func Available(workers Workers, caches cache.Storage) Capabilities {
	return Capabilities{workers: workers, caches: caches}
}

// Unavailable returns capabilities with neither workers nor caches
func Unavailable() Capabilities {
	return Capabilities{}
}

// HasWorkers reports whether the worker API is present
func (c Capabilities) HasWorkers() bool { return c.workers != nil }

// HasCaches reports whether cache storage is present
func (c Capabilities) HasCaches() bool { return c.caches != nil }
