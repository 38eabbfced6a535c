package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/devkit/cache"
)

// GenerationReport describes one cache generation
type GenerationReport struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// CacheReport summarizes every generation under a prefix
type CacheReport struct {
	Prefix      string             `json:"prefix"`
	Generations []GenerationReport `json:"generations"`
	TotalBytes  int64              `json:"total_bytes"`
}

// BuildCacheReport scans the generations under prefix
func BuildCacheReport(ctx context.Context, s cache.Storage, prefix string) (CacheReport, error) {
	report := CacheReport{Prefix: prefix, Generations: []GenerationReport{}}

	names, err := cache.Generations(ctx, s, prefix)
	if err != nil {
		return report, err
	}
	for _, name := range names {
		size, entries, err := cache.GenerationSize(ctx, s, name)
		if err != nil {
			return report, fmt.Errorf("size %s: %w", name, err)
		}
		report.Generations = append(report.Generations, GenerationReport{Name: name, Entries: entries, Bytes: size})
		report.TotalBytes += size
	}
	return report, nil
}

// Handler runs report tasks against shared cache storage
type Handler struct {
	Storage cache.Storage
	Logger  zerolog.Logger
}

// HandleCacheReport implements asynq.HandlerFunc for TaskCacheReport
func (h *Handler) HandleCacheReport(ctx context.Context, t *asynq.Task) error {
	var p CacheReportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Logger.Error().Err(err).Msg("bad cache report payload")
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.Prefix == "" {
		return fmt.Errorf("empty prefix: %w", asynq.SkipRetry)
	}

	start := time.Now()
	report, err := BuildCacheReport(ctx, h.Storage, p.Prefix)
	if err != nil {
		h.Logger.Warn().Err(err).Str("prefix", p.Prefix).Msg("cache report failed")
		return err
	}

	gens := zerolog.Arr()
	for _, g := range report.Generations {
		gens.Dict(zerolog.Dict().Str("name", g.Name).Int("entries", g.Entries).Int64("bytes", g.Bytes))
	}
	h.Logger.Info().
		Str("prefix", report.Prefix).
		Str("client", p.ClientID).
		Array("generations", gens).
		Int64("total_bytes", report.TotalBytes).
		Dur("duration", time.Since(start)).
		Msg("cache report")
	return nil
}
