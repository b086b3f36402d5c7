package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chatvault/chatvault/internal/auth"
	"github.com/chatvault/chatvault/internal/bridge"
	"github.com/chatvault/chatvault/internal/config"
	"github.com/chatvault/chatvault/internal/httpapi"
	"github.com/chatvault/chatvault/internal/protect"
	"github.com/chatvault/chatvault/internal/push"
	"github.com/chatvault/chatvault/internal/store"
	"github.com/chatvault/chatvault/internal/thumbs"
	"github.com/chatvault/chatvault/internal/ws"
)

func main() {
	genVAPID := flag.Bool("gen-vapid", false, "generate a VAPID key pair and exit")
	flag.Parse()

	if *genVAPID {
		priv, pub, err := push.GenerateVAPIDKeys()
		if err != nil {
			fmt.Fprintln(os.Stderr, "generate vapid keys:", err)
			os.Exit(1)
		}
		fmt.Printf("VAPID_PUBLIC_KEY=%s\nVAPID_PRIVATE_KEY=%s\n", pub, priv)
		return
	}

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "chatvault").Logger()

	// .env is a dev convenience; a missing file is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.DatabaseURL != "" {
		st, err = store.OpenPostgres(ctx, cfg.DatabaseURL)
	} else {
		st, err = store.OpenSQLite(ctx, cfg.SQLitePath)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive store")
	}

	// The display filter applies to everyone, master included. IDs given in
	// plain form are corrected to the marked form the archive uses.
	chatExists := func(ctx context.Context, id int64) bool {
		_, err := st.GetChat(ctx, id)
		return err == nil
	}
	masterFilter := auth.NewScope(auth.ResolveChatIDs(ctx, chatExists, cfg.DisplayChatIDs))

	sessions := auth.NewSessionStore(cfg.SessionTTL(), cfg.MaxSessionsPerUser)
	sweepStop := make(chan struct{})
	go sessions.Sweep(15*time.Minute, sweepStop)

	logins := auth.NewLoginLimiter(cfg.LoginRateLimit, cfg.LoginRateWindow())
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logins.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	hub := ws.NewHub()
	go hub.Run()

	dispatcher := push.NewDispatcher(st, cfg.PushMode, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, cfg.VAPIDSubscriber)
	if cfg.PushMode != "off" && !dispatcher.Enabled() {
		log.Warn().Str("mode", cfg.PushMode).Msg("push mode set but VAPID keys missing, push disabled")
	}

	protector := protect.New(cfg.MassOpThreshold, cfg.MassOpWindow(), cfg.MassOpBufferDelay())

	br := bridge.New(st, hub, dispatcher, protector, masterFilter)
	go br.Run(ctx)

	if cfg.ShowStats {
		sched := bridge.NewStatsScheduler(st, cfg.StatsHour, cfg.ViewerTimezone)
		go sched.Run(ctx)
	}

	srv := &httpapi.Server{
		Cfg:          cfg,
		Store:        st,
		Sessions:     sessions,
		Logins:       logins,
		Hub:          hub,
		Push:         dispatcher,
		Protector:    protector,
		Thumbs:       thumbs.NewGenerator(cfg.MediaPath, 4),
		MasterFilter: masterFilter,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // exports and media stream for as long as they need
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Bool("auth", cfg.AuthEnabled()).
			Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	close(sweepStop)
	hub.Stop()
	if err := st.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("store close error")
	}

	log.Info().Msg("server stopped")
}
