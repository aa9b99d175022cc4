// Command server is the entrypoint of the handoff backend.
//
// It loads configuration, opens the SQLite database, wires the event
// store/bus (in-process or Redis streams), the outbound notifier (AMQP or
// noop), the realtime hub, and the HTTP API, then serves until SIGINT/SIGTERM
// and shuts everything down gracefully.
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
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-handoff-backend/internal/config"
	httpapi "github.com/tbourn/go-handoff-backend/internal/http"
	"github.com/tbourn/go-handoff-backend/internal/notify"
	"github.com/tbourn/go-handoff-backend/internal/observability"
	"github.com/tbourn/go-handoff-backend/internal/repo"
	"github.com/tbourn/go-handoff-backend/internal/services"
	"github.com/tbourn/go-handoff-backend/internal/stream"
	"github.com/tbourn/go-handoff-backend/internal/sysutil"
)

const version = "1.0.0"

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	lg := log.With().Str("service", "handoff-backend").Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing (no-op unless enabled).
	shutdownOTel, err := observability.SetupOTel(rootCtx, cfg.OTEL, version)
	if err != nil {
		lg.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		lg.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		lg.Fatal().Err(err).Msg("migrate failed")
	}

	// Event log + bus: Redis streams when configured, in-process otherwise.
	var (
		store stream.Store
		bus   stream.Bus
	)
	if cfg.Stream.RedisEnabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Stream.RedisAddr})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			lg.Fatal().Err(err).Str("addr", cfg.Stream.RedisAddr).Msg("redis unreachable")
		}
		store = stream.NewRedisStore(rdb, cfg.Stream.RetentionPerDialog, cfg.Stream.ReplayTailLimit)
		bus, err = stream.NewRedisBus(rdb, cfg.Stream.RedisGroup, cfg.Stream.RedisConsumer, lg)
		if err != nil {
			lg.Fatal().Err(err).Msg("redis bus setup failed")
		}
	} else {
		store = stream.NewMemoryStore(cfg.Stream.RetentionPerDialog, cfg.Stream.ReplayTailLimit)
		bus = stream.NewChannelBus(lg)
	}
	events := stream.NewLogPublisher(store, bus, lg)

	// Outbound operator notifications: AMQP when configured, noop otherwise.
	var notifier services.Notifier = notify.Noop{}
	if cfg.Notify.AMQPEnabled {
		conn, err := notify.DialWithRetry(rootCtx, notify.ConnectionOptions{
			URL:           cfg.Notify.AMQPURL,
			RetryAttempts: 5,
			Delay:         time.Second,
			Logger:        lg,
		})
		if err != nil {
			lg.Fatal().Err(err).Msg("amqp dial failed")
		}
		defer conn.Close()
		n, err := notify.NewAMQPNotifier(conn, cfg.Notify.AMQPExchange, lg)
		if err != nil {
			lg.Fatal().Err(err).Msg("amqp notifier setup failed")
		}
		notifier = n
	}

	hub := httpapi.NewHub(db, store, bus, events, cfg, lg)
	go func() {
		if err := hub.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error().Err(err).Msg("hub stopped")
		}
	}()
	go hub.Queue().Run(rootCtx)

	// Auto-offline sweep: operators that stop heartbeating release capacity.
	presenceSvc := httpapi.NewPresenceService(db, cfg, lg)
	go func() {
		ticker := time.NewTicker(cfg.Presence.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if _, err := presenceSvc.AutoOfflineSweep(rootCtx); err != nil {
					lg.Error().Err(err).Msg("presence sweep failed")
				}
			}
		}
	}()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, httpapi.Deps{
		Store:    store,
		Events:   events,
		Notifier: notifier,
		Hub:      hub,
		Log:      lg,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout, // 0: SSE connections must not be cut off
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		lg.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-rootCtx.Done()
	lg.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("http shutdown failed")
	}
	if err := bus.Close(); err != nil {
		lg.Error().Err(err).Msg("bus close failed")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("otel shutdown failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	lg.Info().Msg("bye")
}
