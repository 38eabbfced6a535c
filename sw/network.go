package sw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/briangreenhill/devkit/cache"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Script identifies one version of the worker script
type Script struct {
	URL     string
	Digest  string
	Version string
}

// NewScriptFetcher returns a client for worker script update checks.
// Responses are revalidated through an in-memory HTTP cache so an
// unchanged script costs a conditional request.
func NewScriptFetcher(base http.RoundTripper, timeout time.Duration) *http.Client {
	transport := httpcache.NewMemoryCacheTransport()
	if base != nil {
		transport.Transport = base
	}
	transport.MarkCachedResponses = true
	return &http.Client{Transport: transport, Timeout: timeout}
}

// fetchScript downloads the worker script and digests its bytes
func fetchScript(ctx context.Context, f Fetcher, scriptURL *url.URL) (Script, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL.String(), nil)
	if err != nil {
		return Script{}, nil, err
	}
	// max-age=0 forces revalidation through a caching transport
	req.Header.Set("Cache-Control", "max-age=0")

	resp, err := f.Do(req)
	if err != nil {
		return Script{}, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Script{}, nil, fmt.Errorf("GET %s: %s", scriptURL, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Script{}, nil, err
	}

	sum := sha256.Sum256(body)
	return Script{URL: scriptURL.String(), Digest: hex.EncodeToString(sum[:])}, body, nil
}

// DigestVersion derives a cache version from a script digest
func DigestVersion(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}

// NewOriginFetcher returns a Fetcher that sends requests addressed to the
// public base URL to origin instead. Other requests pass through unchanged.
func NewOriginFetcher(public, origin *url.URL, client *http.Client) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &originFetcher{public: public, origin: origin, client: client}
}

type originFetcher struct {
	public *url.URL
	origin *url.URL
	client *http.Client
}

func (o *originFetcher) Do(req *http.Request) (*http.Response, error) {
	if !sameOrigin(req.URL, o.public) {
		return o.client.Do(req)
	}

	u := *req.URL
	u.Scheme = o.origin.Scheme
	u.Host = o.origin.Host
	rel := strings.TrimPrefix(req.URL.Path, strings.TrimSuffix(o.public.Path, "/"))
	u.Path = strings.TrimSuffix(o.origin.Path, "/") + rel
	u.RawPath = ""

	out := req.Clone(req.Context())
	out.URL = &u
	out.Host = u.Host
	out.RequestURI = ""

	resp, err := o.client.Do(out)
	if err != nil {
		return nil, err
	}
	resp.Request = req
	return resp, nil
}

// sameOrigin compares scheme and host
func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// responseType classifies a network response the way fetch does
func responseType(scope *url.URL, req *http.Request, resp *http.Response) cache.ResponseType {
	if sameOrigin(req.URL, scope) {
		return cache.TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return cache.TypeCORS
	}
	return cache.TypeOpaque
}
