package sw

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// maxManifestBytes bounds the precache manifest download
const maxManifestBytes = 4 << 20

// FetchManifest downloads the precache manifest, bypassing HTTP caches.
// Any failure (network, status, decoding, non-array payload) yields an
// empty list; the manifest is a best-effort hint, never a requirement.
// Non-string array items are skipped.
func FetchManifest(ctx context.Context, f Fetcher, manifestURL *url.URL, logger zerolog.Logger) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL.String(), nil)
	if err != nil {
		logger.Debug().Err(err).Str("url", manifestURL.String()).Msg("build manifest request")
		return nil
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := f.Do(req)
	if err != nil {
		logger.Debug().Err(err).Str("url", manifestURL.String()).Msg("manifest unreachable")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Debug().Int("status", resp.StatusCode).Str("url", manifestURL.String()).Msg("manifest not available")
		return nil
	}

	var payload any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxManifestBytes)).Decode(&payload); err != nil {
		logger.Debug().Err(err).Str("url", manifestURL.String()).Msg("manifest is not JSON")
		return nil
	}

	items, ok := payload.([]any)
	if !ok {
		logger.Debug().Str("url", manifestURL.String()).Msg("manifest is not an array")
		return nil
	}

	paths := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			paths = append(paths, s)
		}
	}
	return paths
}
