package sw

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/briangreenhill/devkit/cache"
)

// RequestMode is the fetch mode of an intercepted request
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// Destinations served cache-first
var staticDestinations = map[string]bool{
	"script":   true,
	"style":    true,
	"font":     true,
	"image":    true,
	"manifest": true,
}

// FetchRequest is a request seen by the worker
type FetchRequest struct {
	Request     *http.Request
	Mode        RequestMode
	Destination string
}

// FetchRequestFromHTTP rebuilds an incoming server request as the
// absolute request a page would have issued against base. Mode and
// destination come from Sec-Fetch-* headers; a GET accepting HTML
// without them counts as a navigation.
func FetchRequestFromHTTP(r *http.Request, base *url.URL) *FetchRequest {
	u := *base
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""

	req := r.Clone(r.Context())
	req.URL = &u
	req.Host = u.Host
	req.RequestURI = ""

	mode := RequestMode(r.Header.Get("Sec-Fetch-Mode"))
	dest := r.Header.Get("Sec-Fetch-Dest")
	if mode == "" && r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		mode = ModeNavigate
		dest = "document"
	}

	return &FetchRequest{Request: req, Mode: mode, Destination: dest}
}

// Fetch routes a request through the worker. ok is false when the request
// is not intercepted and should go to the network untouched: non-GET,
// cross-origin, and requests that are neither navigations nor static
// assets.
func (w *Worker) Fetch(ctx context.Context, fr *FetchRequest) (resp *http.Response, ok bool, err error) {
	req := fr.Request
	if req.Method != http.MethodGet || !sameOrigin(req.URL, w.opts.Scope) {
		return nil, false, nil
	}

	switch {
	case fr.Mode == ModeNavigate:
		return w.networkFirst(ctx, req), true, nil
	case w.isStaticAsset(fr):
		resp, err := w.cacheFirst(ctx, req)
		return resp, true, err
	}
	return nil, false, nil
}

func (w *Worker) isStaticAsset(fr *FetchRequest) bool {
	if staticDestinations[fr.Destination] {
		return true
	}
	p := fr.Request.URL.Path
	assets := path.Join(w.opts.Scope.Path, w.opts.AssetsPath) + "/"
	if strings.HasPrefix(p, assets) {
		return true
	}
	return strings.EqualFold(path.Ext(p), ".json")
}

// networkFirst serves navigations: live network, refreshing the cache,
// then the fallback chain when the network is down. It never fails.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request) *http.Response {
	key := cache.KeyFor(req.URL)

	resp, err := w.network.Do(req.WithContext(ctx))
	if err == nil {
		w.storeIfCacheable(ctx, key, req, resp)
		return resp
	}
	w.logger.Debug().Err(err).Str("url", key).Msg("navigation offline, using fallback")

	c, cerr := w.openCache(ctx)
	if cerr != nil {
		if !errors.Is(cerr, errGenerationGone) {
			w.logger.Warn().Err(cerr).Msg("open cache for fallback")
		}
		return offlineResponse(req)
	}

	if e, err := c.Match(ctx, key, cache.MatchOptions{IgnoreSearch: true}); err == nil {
		return e.Response(req)
	}
	for _, p := range []string{w.opts.AppShell, w.opts.OfflinePage} {
		u, err := w.opts.resolve(p)
		if err != nil {
			continue
		}
		if e, err := c.Match(ctx, cache.KeyFor(u), cache.MatchOptions{}); err == nil {
			return e.Response(req)
		}
	}
	return offlineResponse(req)
}

// cacheFirst serves static assets from the cache, filling it on a miss.
// A cached asset is never revalidated.
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := cache.KeyFor(req.URL)

	c, err := w.openCache(ctx)
	if err != nil {
		if !errors.Is(err, errGenerationGone) {
			w.logger.Warn().Err(err).Msg("open cache for asset")
		}
	} else if e, err := c.Match(ctx, key, cache.MatchOptions{}); err == nil {
		return e.Response(req), nil
	}

	resp, err := w.network.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	w.storeIfCacheable(ctx, key, req, resp)
	return resp, nil
}

// storeIfCacheable snapshots resp into the active generation. resp stays
// readable by the caller either way. A redundant worker stores nothing.
func (w *Worker) storeIfCacheable(ctx context.Context, key string, req *http.Request, resp *http.Response) {
	if w.State() == StateRedundant {
		return
	}
	typ := responseType(w.opts.Scope, req, resp)
	if !cache.Cacheable(resp.StatusCode, typ) {
		return
	}

	entry, err := cache.FromResponse(key, resp, typ)
	if err != nil {
		w.logger.Warn().Err(err).Str("url", key).Msg("snapshot response")
		return
	}
	c, err := w.storage.Open(ctx, w.CacheName())
	if err == nil {
		err = c.Put(ctx, key, entry)
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("url", key).Msg("store response")
	}
}

var errGenerationGone = errors.New("cache generation deleted")

// openCache opens the worker's generation. A redundant worker only reads
// a generation that still exists and never recreates one that a newer
// worker's activation deleted.
func (w *Worker) openCache(ctx context.Context) (cache.Cache, error) {
	if w.State() == StateRedundant {
		ok, err := w.storage.Has(ctx, w.CacheName())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errGenerationGone
		}
	}
	return w.storage.Open(ctx, w.CacheName())
}

// offlineResponse is the last resort when nothing is cached
func offlineResponse(req *http.Request) *http.Response {
	const body = "Offline"
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
