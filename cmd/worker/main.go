package main

import (
	"context"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/devkit/internal/config"
	"github.com/briangreenhill/devkit/internal/jobs"
	"github.com/briangreenhill/devkit/internal/logging"
	"github.com/briangreenhill/devkit/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	store, release, err := storage.Open(context.Background(), cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open cache storage")
	}
	defer release()

	redis := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			jobs.QueueReports: 5,
			"default":         1,
		},
	})
	mux := asynq.NewServeMux()

	h := &jobs.Handler{Storage: store, Logger: logger}
	mux.HandleFunc(jobs.TaskCacheReport, h.HandleCacheReport)

	// periodic report over every generation under the configured prefix
	scheduler := asynq.NewScheduler(redis, nil)
	task, err := jobs.NewCacheReportTask(jobs.CacheReportPayload{Prefix: cfg.Worker.Prefix})
	if err != nil {
		logger.Fatal().Err(err).Msg("build report task")
	}
	entryID, err := scheduler.Register("@every "+cfg.ReportInterval.String(), task)
	if err != nil {
		logger.Fatal().Err(err).Msg("schedule cache report")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	defer scheduler.Shutdown()

	logger.Info().
		Str("entry", entryID).
		Dur("interval", cfg.ReportInterval).
		Str("storage", string(cfg.Storage())).
		Msg("worker running")
	if err := srv.Run(mux); err != nil {
		logger.Fatal().Err(err).Msg("run worker")
	}
}
