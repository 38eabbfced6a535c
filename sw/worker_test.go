package sw

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/devkit/cache"
)

func newTestWorker(t *testing.T, o *testOrigin, version string, storage cache.Storage, network Fetcher) *Worker {
	t.Helper()
	opts := DefaultOptions(o.scope(t))
	opts.Version = version
	w, err := NewWorker(opts, storage, network)
	require.NoError(t, err)
	return w
}

func TestNewWorkerValidates(t *testing.T) {
	_, err := NewWorker(Options{Prefix: "x"}, cache.NewMemoryStorage(), http.DefaultClient)
	assert.Error(t, err)

	o := newTestOrigin(t, nil)
	opts := DefaultOptions(o.scope(t))
	opts.Prefix = ""
	_, err = NewWorker(opts, cache.NewMemoryStorage(), http.DefaultClient)
	assert.Error(t, err)
}

func TestInstallPrecachesBaseSetAndManifest(t *testing.T) {
	o := newTestOrigin(t, shellFiles())
	storage := cache.NewMemoryStorage()
	w := newTestWorker(t, o, "v1", storage, o.srv.Client())

	result, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Failed)
	assert.Len(t, result.Succeeded, 5)

	assert.Equal(t, "devkit-static-v1", w.CacheName())
	assert.ElementsMatch(t, []string{
		o.url("/index.html"),
		o.url("/offline.html"),
		o.url("/manifest.webmanifest"),
		o.url("/a.js"),
		o.url("/b.css"),
	}, cacheKeys(t, storage, w.CacheName()))
}

func TestInstallToleratesAssetFailures(t *testing.T) {
	files := shellFiles()
	files["/precache-manifest.json"] = `["a.js","missing.js"]`
	o := newTestOrigin(t, files)
	storage := cache.NewMemoryStorage()
	w := newTestWorker(t, o, "v1", storage, o.srv.Client())

	result, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 4)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, o.url("/missing.js"), result.Failed[0].URL)
	assert.Len(t, cacheKeys(t, storage, w.CacheName()), 4)
}

func TestInstallManifestProblemsFallBackToBaseSet(t *testing.T) {
	tests := []struct {
		name     string
		manifest *string
		want     int
	}{
		{name: "missing manifest", manifest: nil, want: 3},
		{name: "not json", manifest: ptr("<html>"), want: 3},
		{name: "object instead of array", manifest: ptr(`{"files":["a.js"]}`), want: 3},
		{name: "empty array", manifest: ptr(`[]`), want: 3},
		{name: "non-string items skipped", manifest: ptr(`["a.js", 5, null, ""]`), want: 4},
		{name: "duplicates of base set", manifest: ptr(`["index.html","/offline.html","a.js","a.js"]`), want: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := shellFiles()
			delete(files, "/precache-manifest.json")
			if tt.manifest != nil {
				files["/precache-manifest.json"] = *tt.manifest
			}
			o := newTestOrigin(t, files)
			storage := cache.NewMemoryStorage()
			w := newTestWorker(t, o, "v1", storage, o.srv.Client())

			result, err := w.Install(context.Background())
			require.NoError(t, err)
			assert.Len(t, result.Succeeded, tt.want)
			assert.Empty(t, result.Failed)
		})
	}
}

func TestInstallFetchesManifestWithoutCache(t *testing.T) {
	o := newTestOrigin(t, shellFiles())
	var seen string
	network := fetcherFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/precache-manifest.json" {
			seen = req.Header.Get("Cache-Control")
		}
		return o.srv.Client().Do(req)
	})
	w := newTestWorker(t, o, "v1", cache.NewMemoryStorage(), network)

	_, err := w.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no-store", seen)
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	ctx := context.Background()
	o := newTestOrigin(t, shellFiles())
	storage := cache.NewMemoryStorage()

	_, err := storage.Open(ctx, "devkit-static-v1")
	require.NoError(t, err)
	_, err = storage.Open(ctx, "other-cache")
	require.NoError(t, err)

	w := newTestWorker(t, o, "v2", storage, o.srv.Client())
	_, err = w.Install(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Activate(ctx))

	names, err := storage.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-cache", "devkit-static-v2"}, names)

	// A second activation has nothing left to delete
	require.NoError(t, w.Activate(ctx))
	gens, err := cache.Generations(ctx, storage, "devkit-static")
	require.NoError(t, err)
	assert.Equal(t, []string{"devkit-static-v2"}, gens)
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	o := newTestOrigin(t, shellFiles())
	w := newTestWorker(t, o, "v1", cache.NewMemoryStorage(), o.srv.Client())

	w.PostMessage(context.Background(), Message{Type: "PING"})
	assert.False(t, w.skipWaitingRequested())

	w.PostMessage(context.Background(), Message{Type: MessageSkipWaiting})
	assert.True(t, w.skipWaitingRequested())
	assert.Equal(t, StateParsed, w.State())
}

func TestStateChangeListeners(t *testing.T) {
	o := newTestOrigin(t, nil)
	w := newTestWorker(t, o, "v1", cache.NewMemoryStorage(), o.srv.Client())

	var seen []State
	w.OnStateChange(func(s State) { seen = append(seen, s) })
	w.setState(StateInstalling)
	w.setState(StateInstalling)
	w.setState(StateInstalled)

	assert.Equal(t, []State{StateInstalling, StateInstalled}, seen)
}

func TestStateChangeListenerRemoved(t *testing.T) {
	o := newTestOrigin(t, nil)
	w := newTestWorker(t, o, "v1", cache.NewMemoryStorage(), o.srv.Client())

	var kept, removed int
	w.OnStateChange(func(State) { kept++ })
	unsubscribe := w.OnStateChange(func(State) { removed++ })
	w.setState(StateInstalling)

	unsubscribe()
	unsubscribe()
	w.setState(StateInstalled)

	assert.Equal(t, 2, kept)
	assert.Equal(t, 1, removed)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func ptr[T any](v T) *T { return &v }

type fetcherFunc func(*http.Request) (*http.Response, error)

func (f fetcherFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
