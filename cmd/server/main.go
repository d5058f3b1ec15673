// Command server runs the appointment negotiation backend.
//
// Startup order:
//  1. Load .env (best effort) and the typed configuration.
//  2. Configure zerolog (level, optional pretty console output).
//  3. Open the database (sqlite or postgres) and run migrations.
//  4. Wire event sinks: the in-process broker always, AMQP when configured.
//  5. Optionally start the pending-proposal expiry sweep.
//  6. Set up OpenTelemetry when enabled.
//  7. Serve HTTP with sane timeouts and shut down gracefully on SIGINT/SIGTERM.
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

	"github.com/adoptly/go-appointment-backend/internal/config"
	"github.com/adoptly/go-appointment-backend/internal/events"
	httpapi "github.com/adoptly/go-appointment-backend/internal/http"
	"github.com/adoptly/go-appointment-backend/internal/observability"
	"github.com/adoptly/go-appointment-backend/internal/repo"
	"github.com/adoptly/go-appointment-backend/internal/services"
	"github.com/adoptly/go-appointment-backend/internal/sweep"
	"github.com/adoptly/go-appointment-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local development convenience; absence of a .env file is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Info().Str("version", version).Str("port", cfg.Port).Msg("starting appointment backend")

	db, err := repo.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// Event sinks: the broker feeds long-poll watchers; AMQP feeds the
	// notification dispatcher when configured.
	broker := events.NewBroker()
	pub := events.Fanout{broker}
	if cfg.AMQP.URL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			log.Fatal().Err(err).Msg("connect AMQP")
		}
		defer func() { _ = amqpPub.Close() }()
		pub = append(pub, amqpPub)
		log.Info().Str("exchange", cfg.AMQP.Exchange).Msg("AMQP publisher enabled")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional expiry sweep for unanswered proposals.
	if cfg.PendingTTLDays > 0 {
		sw := &sweep.Sweeper{
			DB:       db,
			Svc:      services.NewAppointmentService(db, cfg.HorizonDays, pub),
			TTL:      time.Duration(cfg.PendingTTLDays) * 24 * time.Hour,
			Interval: cfg.SweepInterval,
		}
		go sw.Run(rootCtx)
		log.Info().Int("ttl_days", cfg.PendingTTLDays).Dur("interval", cfg.SweepInterval).Msg("expiry sweep enabled")
	}

	// Tracing (no-op unless enabled).
	if cfg.OTEL.Enabled {
		shutdown, err := observability.SetupOTel(rootCtx, cfg.OTEL, version)
		if err != nil {
			log.Fatal().Err(err).Msg("setup OpenTelemetry")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("OpenTelemetry shutdown")
			}
		}()
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, db, broker, pub, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	// Give in-flight requests (including parked watches) time to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("stopped")
}
