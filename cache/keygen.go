package cache

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"strings"
)

// KeyFor builds the request key for a URL: scheme, host, path and query.
// The fragment is never part of a key.
func KeyFor(u *url.URL) string {
	k := url.URL{
		Scheme:   strings.ToLower(u.Scheme),
		Host:     strings.ToLower(u.Host),
		Path:     u.Path,
		RawPath:  u.RawPath,
		RawQuery: u.RawQuery,
	}
	if k.Path == "" && k.Host != "" {
		k.Path = "/"
	}
	return k.String()
}

// KeyForString parses raw and returns its request key
func KeyForString(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse cache key %q: %w", raw, err)
	}
	return KeyFor(u), nil
}

// stripSearch removes the query string from a key
func stripSearch(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		return key[:i]
	}
	return key
}

// keysMatch compares two keys under opts
func keysMatch(a, b string, opts MatchOptions) bool {
	if opts.IgnoreSearch {
		return stripSearch(a) == stripSearch(b)
	}
	return a == b
}

// entryFileName maps a key to a filesystem-safe name
func entryFileName(key string) string {
	hash := md5.Sum([]byte(key))
	return fmt.Sprintf("%x.json", hash)
}

// cacheDirName maps a cache name to a reversible directory name
func cacheDirName(name string) string {
	return url.PathEscape(name)
}

// cacheNameFromDir reverses cacheDirName
func cacheNameFromDir(dir string) (string, error) {
	return url.PathUnescape(dir)
}
