package cache

import (
	"context"
	"fmt"
	"strings"
)

// GenerationName returns the cache name for a prefix and version
func GenerationName(prefix, version string) string {
	return prefix + "-" + version
}

// IsGeneration reports whether name belongs to prefix
func IsGeneration(prefix, name string) bool {
	return strings.HasPrefix(name, prefix+"-")
}

// Generations lists the cache names owned by prefix, in creation order.
// Caches created by other code are left out.
func Generations(ctx context.Context, s Storage, prefix string) ([]string, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	var owned []string
	for _, name := range names {
		if IsGeneration(prefix, name) {
			owned = append(owned, name)
		}
	}
	return owned, nil
}

// Size sums Entry.Size over every entry of every generation owned by
// prefix. It reads every entry and can be slow on large caches.
func Size(ctx context.Context, s Storage, prefix string) (int64, error) {
	names, err := Generations(ctx, s, prefix)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, name := range names {
		n, _, err := GenerationSize(ctx, s, name)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// GenerationSize returns the accounted byte size and entry count of one cache
func GenerationSize(ctx context.Context, s Storage, name string) (int64, int, error) {
	ok, err := s.Has(ctx, name)
	if err != nil {
		return 0, 0, fmt.Errorf("check cache %s: %w", name, err)
	}
	if !ok {
		return 0, 0, nil
	}

	c, err := s.Open(ctx, name)
	if err != nil {
		return 0, 0, fmt.Errorf("open cache %s: %w", name, err)
	}
	keys, err := c.Keys(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list entries of %s: %w", name, err)
	}

	var total int64
	count := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		e, err := c.Match(ctx, key, MatchOptions{})
		if err != nil {
			// Deleted between Keys and Match
			continue
		}
		total += e.Size()
		count++
	}
	return total, count, nil
}
