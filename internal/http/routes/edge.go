package routes

import (
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/devkit/cache"
	"github.com/briangreenhill/devkit/internal/config"
	"github.com/briangreenhill/devkit/sw"
)

// NewContainer builds the worker container for cfg. The returned Fetcher
// reaches the origin for requests addressed to the public base URL.
func NewContainer(cfg *config.Config, store cache.Storage, logger zerolog.Logger) (*sw.Container, sw.Fetcher, error) {
	base, err := cfg.Base()
	if err != nil {
		return nil, nil, err
	}
	origin, err := cfg.Origin()
	if err != nil {
		return nil, nil, err
	}

	network := sw.NewOriginFetcher(base, origin, &http.Client{Timeout: cfg.Worker.FetchTimeout})
	scripts := sw.NewOriginFetcher(base, origin, sw.NewScriptFetcher(nil, cfg.Worker.FetchTimeout))

	opts := sw.DefaultOptions(base)
	opts.Prefix = cfg.Worker.Prefix
	opts.ManifestPath = cfg.Worker.ManifestPath
	opts.AssetsPath = cfg.Worker.AssetsPath
	opts.SkipWaitingOnInstall = cfg.Worker.SkipWaitingOnInstall
	opts.PrecacheConcurrency = cfg.Worker.PrecacheConcurrency

	script := cfg.Worker.Script
	if script == "" {
		script = "sw.js"
	}
	container, err := sw.NewContainer(&url.URL{Path: script}, opts, store, network,
		sw.WithScriptFetcher(scripts),
		sw.WithContainerLogger(logger),
		sw.WithWorkerOptions(sw.WithLogger(logger)),
	)
	if err != nil {
		return nil, nil, err
	}
	return container, network, nil
}
