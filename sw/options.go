package sw

import (
	"fmt"
	"net/url"

	"github.com/briangreenhill/devkit/cache"
)

// Options configures a worker generation
type Options struct {
	// Prefix is shared by every cache generation; only caches named
	// "<Prefix>-*" are ever touched
	Prefix string

	// Version completes the generation name "<Prefix>-<Version>"
	Version string

	// Scope is the absolute base URL the worker controls
	Scope *url.URL

	// Paths below are resolved against Scope
	ManifestPath string
	AppShell     string
	OfflinePage  string
	WebManifest  string
	AssetsPath   string

	// SkipWaitingOnInstall activates a freshly installed worker without
	// waiting for existing clients to go away
	SkipWaitingOnInstall bool

	// PrecacheConcurrency bounds parallel precache fetches
	PrecacheConcurrency int
}

// DefaultOptions returns the options used by the edge unless configured
func DefaultOptions(scope *url.URL) Options {
	return Options{
		Prefix:               "devkit-static",
		Scope:                scope,
		ManifestPath:         "precache-manifest.json",
		AppShell:             "index.html",
		OfflinePage:          "offline.html",
		WebManifest:          "manifest.webmanifest",
		AssetsPath:           "assets/",
		SkipWaitingOnInstall: true,
		PrecacheConcurrency:  6,
	}
}

// CacheName returns the generation name for these options
func (o Options) CacheName() string {
	return cache.GenerationName(o.Prefix, o.Version)
}

func (o Options) validate() error {
	if o.Prefix == "" {
		return fmt.Errorf("cache prefix required")
	}
	if o.Scope == nil || !o.Scope.IsAbs() {
		return fmt.Errorf("absolute scope URL required")
	}
	return nil
}

// resolve turns a path relative to the scope into an absolute URL
func (o Options) resolve(p string) (*url.URL, error) {
	ref, err := url.Parse(p)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", p, err)
	}
	return o.Scope.ResolveReference(ref), nil
}
