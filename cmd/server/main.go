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

	"github.com/dkeye/Stage/internal/adapters/httpapi"
	"github.com/dkeye/Stage/internal/adapters/memstore"
	"github.com/dkeye/Stage/internal/adapters/redisstore"
	"github.com/dkeye/Stage/internal/adapters/rtc"
	"github.com/dkeye/Stage/internal/app"
	"github.com/dkeye/Stage/internal/config"
	"github.com/dkeye/Stage/internal/core"
)

// defaultGifts seeds the catalog so gift commands resolve server-side unit
// costs from day one.
var defaultGifts = map[string]core.Document{
	"rose":     {"name": "Rose", "unit_cost": "10", "animated": "0"},
	"rocket":   {"name": "Rocket", "unit_cost": "150", "animated": "1"},
	"crown":    {"name": "Crown", "unit_cost": "500", "animated": "1"},
	"confetti": {"name": "Confetti", "unit_cost": "50", "animated": "0"},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var store core.Store
	switch cfg.Storage {
	case "redis":
		store = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis store")
	default:
		store = memstore.New()
		log.Info().Msg("using in-memory store")
	}

	for id, doc := range defaultGifts {
		if err := store.SetFields(ctx, "gifts", id, doc); err != nil {
			log.Warn().Err(err).Str("gift", id).Msg("gift catalog seed failed")
		}
	}

	deps := httpapi.Deps{
		Cfg:      cfg,
		Store:    store,
		Rooms:    app.NewRooms(store, cfg.SeatCount),
		Registry: app.NewRegistry(),
		NewTransport: func() core.VoiceTransport {
			return rtc.NewTransport(cfg.StunServers)
		},
		SessionOpts: app.SessionOptions{
			ClaimTimeout:  cfg.ClaimTimeout,
			ResetAttempts: cfg.VoiceResetAttempts,
		},
	}

	r := httpapi.SetupRouter(ctx, deps)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Stage server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
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
