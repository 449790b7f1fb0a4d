// Package main is the carecall signaling relay.
//
// Wire-up order:
//  1. Config and logger
//  2. Database (embedded migrations)
//  3. i18n
//  4. Repositories
//  5. WebSocket hub
//  6. Services, rate limiters and the call record worker
//  7. Hub callbacks, then the hub loop
//  8. Handlers and routes
//  9. HTTP server and graceful shutdown
//
// There are no globals besides the zerolog logger; everything is built here
// and handed down by constructor.
package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/config"
	"github.com/akinalp/carecall/database"
	"github.com/akinalp/carecall/pkg/i18n"
	"github.com/akinalp/carecall/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)
	log.Info().Int("port", cfg.Server.Port).Bool("dev_tokens", cfg.JWT.DevTokens).Msg("config loaded")

	// ─── 2. Database ───
	migrations, err := fs.Sub(database.EmbeddedMigrations, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open embedded migrations")
	}
	db, err := database.New(cfg.Database.Path, migrations)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	// ─── 3. i18n ───
	locales, err := fs.Sub(i18n.EmbeddedLocales, "locales")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open embedded locales")
	}
	if err := i18n.Load(locales); err != nil {
		log.Fatal().Err(err).Msg("failed to load translations")
	}

	// ─── 4. Repositories ───
	repos := initRepositories(db)

	// ─── 5. WebSocket hub ───
	hub := ws.NewHub(callPolicy(cfg.Call))

	// ─── 6. Services ───
	svcs, limiters, err := initServices(repos, hub, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize services")
	}

	// Close out records a crashed relay left open before new calls arrive.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 30*time.Second)
	if err := svcs.Recorder.Recover(recoverCtx); err != nil {
		log.Error().Err(err).Msg("failed to recover open call records")
	}
	cancelRecover()
	svcs.Recorder.Start()

	// ─── 7. Hub callbacks ───
	initHubCallbacks(hub, svcs, repos)
	go hub.Run()

	// ─── 8. Handlers and routes ───
	h, err := initHandlers(svcs, limiters, hub, db, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize handlers")
	}
	router := initRoutes(h, svcs.Auth, cfg)

	// ─── 9. HTTP server ───
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Server.Addr()).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-done
	log.Info().Msg("shutting down")

	// Live calls are ended first so their records are queued while the
	// worker still runs, then clients are disconnected.
	svcs.Relay.Shutdown()
	hub.Shutdown()
	svcs.Recorder.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}

	limiters.Stop()
	log.Info().Msg("relay stopped")
}

// setupLogger configures the global zerolog logger.
func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	log.Logger = log.With().Str("service", "carecall").Logger()
}

// callPolicy converts the configured timers into the policy sent to clients.
func callPolicy(c config.CallConfig) ws.CallPolicy {
	return ws.CallPolicy{
		RingTimeoutMS:      c.RingTimeout.Milliseconds(),
		ConnectTimeoutMS:   c.ConnectTimeout.Milliseconds(),
		ReconnectTimeoutMS: c.ReconnectTimeout.Milliseconds(),
		GracePeriodMS:      c.GracePeriod.Milliseconds(),
	}
}
