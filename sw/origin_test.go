package sw

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/devkit/cache"
)

// testOrigin serves a mutable set of files and counts hits per path
type testOrigin struct {
	srv *httptest.Server

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newTestOrigin(t *testing.T, files map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{files: make(map[string][]byte), hits: make(map[string]int)}
	for p, body := range files {
		o.files[p] = []byte(body)
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.URL.Path]++
	body, ok := o.files[r.URL.Path]
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	etag := fmt.Sprintf(`"%x"`, md5.Sum(body))
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if ct := mime.TypeByExtension(path.Ext(r.URL.Path)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	_, _ = w.Write(body)
}

func (o *testOrigin) set(p string, body []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[p] = body
}

func (o *testOrigin) hitCount(p string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[p]
}

func (o *testOrigin) scope(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(o.srv.URL + "/")
	require.NoError(t, err)
	return u
}

func (o *testOrigin) url(p string) string {
	return o.srv.URL + p
}

var errNetworkDown = errors.New("network down")

// toggleNetwork fails every request while offline and counts calls
type toggleNetwork struct {
	next    Fetcher
	offline atomic.Bool
	calls   atomic.Int32
}

func (n *toggleNetwork) Do(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.offline.Load() {
		return nil, errNetworkDown
	}
	return n.next.Do(req)
}

func shellFiles() map[string]string {
	return map[string]string{
		"/index.html":             "<html>shell</html>",
		"/offline.html":           "<html>offline</html>",
		"/manifest.webmanifest":   `{"name":"devkit"}`,
		"/precache-manifest.json": `["a.js","b.css"]`,
		"/a.js":                   "console.log('a')",
		"/b.css":                  "body{}",
	}
}

func cacheKeys(t *testing.T, s cache.Storage, name string) []string {
	t.Helper()
	ctx := context.Background()
	c, err := s.Open(ctx, name)
	require.NoError(t, err)
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	return keys
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}
