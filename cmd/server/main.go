// Command server runs the realtime communications backend: the REST message
// store, the websocket dispatch endpoint, and presence tracking, all behind
// one HTTP listener.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/campuslink/comms-backend/internal/config"
	httpapi "github.com/campuslink/comms-backend/internal/http"
	"github.com/campuslink/comms-backend/internal/notify"
	"github.com/campuslink/comms-backend/internal/observability"
	"github.com/campuslink/comms-backend/internal/presence"
	"github.com/campuslink/comms-backend/internal/repo"
	"github.com/campuslink/comms-backend/internal/sysutil"
	"github.com/campuslink/comms-backend/internal/ws"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	// Presence and dispatch reference each other: tracker transitions are
	// broadcast through the hub, so the callback closes over the hub variable
	// assigned right after.
	var hub *ws.Hub
	tracker := presence.NewTracker(presence.Conf{
		HeartbeatTimeout: cfg.WS.HeartbeatTimeout,
		SweepEvery:       cfg.WS.PresenceSweep,
	}, func(userID string, online bool, lastSeen *time.Time) {
		if hub != nil {
			hub.BroadcastPresence(userID, online, lastSeen)
		}
	})
	defer tracker.Close()

	hub = ws.NewHub(tracker, nil,
		func(ctx context.Context, messageID string) (string, error) {
			msg, err := repo.GetMessage(ctx, db, messageID)
			if err != nil {
				return "", err
			}
			return msg.SenderID, nil
		},
		ws.Conf{SendBuffer: cfg.WS.SendBuffer},
	)
	fanout := notify.NewFanout(hub)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, hub, tracker, fanout, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")

		// Give in-flight requests a deadline; websocket read loops observe
		// the listener closing and tear their sessions down.
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed, forcing close")
			_ = srv.Close()
		}
	}

	log.Info().Msg("server stopped")
}
