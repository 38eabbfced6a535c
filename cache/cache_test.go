package cache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	fs, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   fs,
	}
}

func entry(url, body string) *Entry {
	return &Entry{URL: url, Status: http.StatusOK, Type: TypeBasic, Body: []byte(body)}
}

func TestStorageOpenHasDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := s.Has(ctx, "static-v1")
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.Open(ctx, "static-v1")
			require.NoError(t, err)
			_, err = s.Open(ctx, "static-v2")
			require.NoError(t, err)

			ok, err = s.Has(ctx, "static-v1")
			require.NoError(t, err)
			assert.True(t, ok)

			names, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1", "static-v2"}, names)

			deleted, err := s.Delete(ctx, "static-v1")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Delete(ctx, "static-v1")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v2"}, names)
		})
	}
}

func TestCachePutMatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "static-v1")
			require.NoError(t, err)

			require.NoError(t, c.Put(ctx, "https://app.test/tools?tab=json", entry("https://app.test/tools?tab=json", "json")))
			require.NoError(t, c.Put(ctx, "https://app.test/tools?tab=b64", entry("https://app.test/tools?tab=b64", "b64")))

			got, err := c.Match(ctx, "https://app.test/tools?tab=b64", MatchOptions{})
			require.NoError(t, err)
			assert.Equal(t, "b64", string(got.Body))

			_, err = c.Match(ctx, "https://app.test/tools?tab=uuid", MatchOptions{})
			assert.ErrorIs(t, err, ErrNotFound)

			got, err = c.Match(ctx, "https://app.test/tools?tab=uuid", MatchOptions{IgnoreSearch: true})
			require.NoError(t, err)
			assert.Equal(t, "json", string(got.Body), "earliest entry wins when ignoring search")

			// Replacing keeps insertion order
			require.NoError(t, c.Put(ctx, "https://app.test/tools?tab=json", entry("https://app.test/tools?tab=json", "json2")))
			keys, err := c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"https://app.test/tools?tab=json", "https://app.test/tools?tab=b64"}, keys)

			deleted, err := c.Delete(ctx, "https://app.test/tools?tab=json")
			require.NoError(t, err)
			assert.True(t, deleted)
			keys, err = c.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"https://app.test/tools?tab=b64"}, keys)
		})
	}
}

func TestMatchReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	c, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "k", entry("k", "abc")))

	got, err := c.Match(ctx, "k", MatchOptions{})
	require.NoError(t, err)
	got.Body[0] = 'z'

	again, err := c.Match(ctx, "k", MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again.Body))
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := NewFileStorage(dir)
	require.NoError(t, err)
	c, err := s1.Open(ctx, "devkit-static-abc/def")
	require.NoError(t, err)
	e := entry("https://app.test/index.html", "<html>")
	e.Header = http.Header{"Content-Type": []string{"text/html"}}
	require.NoError(t, c.Put(ctx, "https://app.test/index.html", e))

	s2, err := NewFileStorage(dir)
	require.NoError(t, err)
	names, err := s2.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"devkit-static-abc/def"}, names)

	c2, err := s2.Open(ctx, "devkit-static-abc/def")
	require.NoError(t, err)
	got, err := c2.Match(ctx, "https://app.test/index.html", MatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(got.Body))
	assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
}

func TestFilePutIntoDeletedCacheFails(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	c, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "static-v1")
	require.NoError(t, err)

	assert.Error(t, c.Put(ctx, "k", entry("k", "x")))
	ok, err := s.Has(ctx, "static-v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyFor(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
	}{
		{"https://App.Test/a/b?x=1#frag", "https://app.test/a/b?x=1"},
		{"https://app.test", "https://app.test/"},
		{"http://app.test:8080/assets/app.js", "http://app.test:8080/assets/app.js"},
	}

	for _, tt := range tests {
		got, err := KeyForString(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, got, tt.raw)
	}
}

func TestCacheable(t *testing.T) {
	assert.True(t, Cacheable(200, TypeBasic))
	assert.True(t, Cacheable(200, TypeCORS))
	assert.False(t, Cacheable(200, TypeOpaque))
	assert.False(t, Cacheable(404, TypeBasic))
	assert.False(t, Cacheable(206, TypeBasic))
}

func TestFromResponseKeepsBodyReadable(t *testing.T) {
	resp := &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Etag": []string{`"1"`}},
		Body:       io.NopCloser(strings.NewReader("payload")),
	}

	e, err := FromResponse("https://app.test/a.js", resp, TypeBasic)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(e.Body))

	live, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(live))

	u, _ := url.Parse("https://app.test/a.js")
	rebuilt := e.Response(&http.Request{URL: u})
	body, err := io.ReadAll(rebuilt.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, `"1"`, rebuilt.Header.Get("Etag"))
}

func TestSize(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	v1, err := s.Open(ctx, "static-v1")
	require.NoError(t, err)
	withLength := entry("a", "abc")
	withLength.Header = http.Header{"Content-Length": []string{"100"}}
	require.NoError(t, v1.Put(ctx, "a", withLength))

	zeroLength := entry("b", "abcd")
	zeroLength.Header = http.Header{"Content-Length": []string{"0"}}
	require.NoError(t, v1.Put(ctx, "b", zeroLength))

	v2, err := s.Open(ctx, "static-v2")
	require.NoError(t, err)
	require.NoError(t, v2.Put(ctx, "c", entry("c", "12345")))

	other, err := s.Open(ctx, "other-v1")
	require.NoError(t, err)
	require.NoError(t, other.Put(ctx, "d", entry("d", "ignored")))

	total, err := Size(ctx, s, "static")
	require.NoError(t, err)
	assert.Equal(t, int64(100+4+5), total)

	names, err := Generations(ctx, s, "static")
	require.NoError(t, err)
	assert.Equal(t, []string{"static-v1", "static-v2"}, names)
}
