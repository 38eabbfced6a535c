// Package cache provides named, versioned response caches keyed by
// normalized request URLs, with in-memory and filesystem backends.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned when no entry matches a key
	ErrNotFound = errors.New("cache entry not found")
)

// ResponseType mirrors the fetch response type of a stored snapshot
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Entry is a stored response snapshot
type Entry struct {
	URL      string       `json:"url"`
	Status   int          `json:"status"`
	Type     ResponseType `json:"type"`
	Header   http.Header  `json:"header,omitempty"`
	Body     []byte       `json:"body"`
	StoredAt time.Time    `json:"stored_at"`
}

// MatchOptions controls how a key is compared against stored keys
type MatchOptions struct {
	// IgnoreSearch drops the query string from both sides before comparing
	IgnoreSearch bool
}

// Cache is a single named generation of entries
type Cache interface {
	// Name returns the cache name
	Name() string

	// Match returns the entry stored under key, or ErrNotFound.
	// With IgnoreSearch the earliest stored entry whose key matches
	// without its query wins.
	Match(ctx context.Context, key string, opts MatchOptions) (*Entry, error)

	// Put stores an entry under key, replacing any previous entry
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry under key and reports whether it existed
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists stored keys in insertion order
	Keys(ctx context.Context) ([]string, error)
}

// Storage manages the set of named caches
type Storage interface {
	// Open returns the named cache, creating it when missing
	Open(ctx context.Context, name string) (Cache, error)

	// Has reports whether the named cache exists
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the named cache and all its entries
	Delete(ctx context.Context, name string) (bool, error)

	// Keys lists cache names in creation order
	Keys(ctx context.Context) ([]string, error)
}
