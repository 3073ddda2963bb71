package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/meshcast/internal/adapters/http"
	"github.com/dkeye/meshcast/internal/app"
	"github.com/dkeye/meshcast/internal/app/orch"
	"github.com/dkeye/meshcast/internal/config"
	"github.com/dkeye/meshcast/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config loading can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, v, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.Watch(v)

	var authz core.Authorizer = app.AllowAll{}
	if len(cfg.Auth.Sessions) > 0 {
		authz = app.NewStaticAuthorizer(cfg.Auth.Sessions)
		log.Info().Int("sessions", len(cfg.Auth.Sessions)).Msg("session allow-list enabled")
	}

	sessions := app.NewSessionManager(ctx)
	relay := orch.New(app.NewRegistry(), sessions, app.SimplePolicy{}, authz)

	r := router.SetupRouter(ctx, cfg, relay, sessions)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Meshcast relay started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
