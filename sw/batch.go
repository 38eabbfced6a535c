package sw

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/briangreenhill/devkit/cache"
)

// BatchResult collects the outcome of a best-effort batch
type BatchResult struct {
	Succeeded []string
	Failed    []BatchFailure
}

// BatchFailure is one failed item of a batch
type BatchFailure struct {
	URL string
	Err error
}

// addAll fetches and stores every URL concurrently. Each item settles on
// its own; a failure is recorded and never cancels its siblings.
func (w *Worker) addAll(ctx context.Context, c cache.Cache, urls []string) BatchResult {
	errs := make([]error, len(urls))

	var g errgroup.Group
	g.SetLimit(w.opts.PrecacheConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			errs[i] = w.add(ctx, c, u)
			return nil
		})
	}
	_ = g.Wait()

	var result BatchResult
	for i, u := range urls {
		if errs[i] != nil {
			result.Failed = append(result.Failed, BatchFailure{URL: u, Err: errs[i]})
			continue
		}
		result.Succeeded = append(result.Succeeded, u)
	}
	return result
}

// add fetches one URL and stores it when cacheable
func (w *Worker) add(ctx context.Context, c cache.Cache, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := w.network.Do(req)
	if err != nil {
		return err
	}

	typ := responseType(w.opts.Scope, req, resp)
	if !cache.Cacheable(resp.StatusCode, typ) {
		_ = resp.Body.Close()
		return fmt.Errorf("GET %s: not cacheable (status %d, type %s)", rawURL, resp.StatusCode, typ)
	}

	entry, err := cache.FromResponse(rawURL, resp, typ)
	if err != nil {
		return err
	}
	return c.Put(ctx, rawURL, entry)
}
