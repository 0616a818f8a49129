package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/auth"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/engine"
	"github.com/stemsi/exstem-client/internal/environ"
	"github.com/stemsi/exstem-client/internal/lease"
	"github.com/stemsi/exstem-client/internal/logger"
	"github.com/stemsi/exstem-client/internal/proctor"
)

func main() {
	attemptFlag := flag.String("attempt", "", "attempt id to drive (required)")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("api", cfg.APIBaseURL).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem attempt agent")

	attemptID, err := uuid.Parse(*attemptFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("A valid --attempt id is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Auth Token ────────────────────────────────────────────────────
	tokens := auth.NewTokenSource(cfg.AuthToken)
	if exp, err := tokens.ExpiresAt(); err == nil && time.Until(exp) < time.Hour {
		log.Warn().Time("expires_at", exp).Msg("Auth token expires soon")
	}

	// ─── Server Authority Client ───────────────────────────────────────
	authority := api.NewClient(cfg.APIBaseURL, tokens, log)

	// ─── Tab Lease Store ───────────────────────────────────────────────
	var store lease.Store
	if cfg.RedisURL != "" {
		redisStore, err := lease.NewRedisStore(ctx, cfg.RedisURL, cfg.LeaseStaleTimeout, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis lease store")
		}
		defer redisStore.Close()
		store = redisStore
	} else {
		store = lease.NewMemoryStore()
	}

	// ─── Violation Reporter ────────────────────────────────────────────
	var reporter proctor.ViolationSink
	if cfg.MonitorWSURL != "" {
		wsReporter := proctor.NewReporter(cfg.MonitorWSURL, tokens.Token(), log)
		defer wsReporter.Close()
		reporter = wsReporter
	}

	// ─── Session Engine ────────────────────────────────────────────────
	env := environ.NewHeadless(environ.Desktop)
	done := make(chan struct{})

	eng := engine.New(engine.Options{
		Authority:  authority,
		LeaseStore: store,
		Env:        env,
		Clock:      clockwork.NewRealClock(),
		Log:        log,
		Config:     cfg,
		Reporter:   reporter,
		OnNotice: func(n engine.Notice) {
			log.Info().Str("kind", string(n.Kind)).Msg(n.Message)
		},
		OnNavigateAway: func() { close(done) },
	})

	if err := eng.Load(ctx, attemptID); err != nil {
		log.Fatal().Err(err).Msg("Failed to load attempt")
	}

	snap := eng.Snapshot()
	log.Info().
		Str("lease", string(snap.LeaseState)).
		Int("questions", len(snap.Questions)).
		Int("time_remaining", snap.TimeRemaining).
		Msg("Attempt loaded")

	// ─── Wait for terminal state or shutdown signal ────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
		log.Info().Msg("Attempt reached terminal state")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	eng.Close(shutdownCtx)
}
