// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/devkit/internal/config"
	"github.com/briangreenhill/devkit/internal/http/routes"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Cache storage
	store, release, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("storage", string(cfg.Storage())).Msg("open cache storage")
	}
	defer release()

	container, network, err := routes.NewContainer(cfg, store, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("create worker container")
	}
	base := container.Scope()
	origin, _ := cfg.Origin()

	// Sessions
	sess := scs.New()
	sess.Lifetime = 12 * time.Hour
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = base.Scheme == "https"
	sess.Cookie.Path = base.Path

	queue := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn().Err(err).Msg("close queue client")
		}
	}()

	s := routes.New(routes.ServerOptions{
		Sess:      sess,
		Container: container,
		Storage:   store,
		Network:   network,
		Queue:     queue,
		Logger:    logger,
		Cfg:       *cfg,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           sess.LoadAndSave(s.Router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdown); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Stringer("base", base).
		Stringer("origin", origin).
		Bool("production", cfg.Production).
		Str("storage", string(cfg.Storage())).
		Msg("starting edge")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("listen")
	}
}
