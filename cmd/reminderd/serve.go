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
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-reminder-worker/internal/clock"
	"github.com/tbourn/go-reminder-worker/internal/config"
	"github.com/tbourn/go-reminder-worker/internal/delivery"
	httpapi "github.com/tbourn/go-reminder-worker/internal/http"
	"github.com/tbourn/go-reminder-worker/internal/http/handlers"
	"github.com/tbourn/go-reminder-worker/internal/observability"
	"github.com/tbourn/go-reminder-worker/internal/realtime"
	"github.com/tbourn/go-reminder-worker/internal/recovery"
	"github.com/tbourn/go-reminder-worker/internal/scheduler"
	"github.com/tbourn/go-reminder-worker/internal/services"
	"github.com/tbourn/go-reminder-worker/internal/store"
)

const shutdownGrace = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker with its HTTP and WebSocket endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newStore(cfg config.Config) *store.Store {
	return store.New(store.NewSQLiteBackend(cfg.DBPath), store.NewFileBackend(cfg.FallbackPath))
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	st := newStore(cfg)
	hub := realtime.NewHub(realtime.Options{AllowedOrigins: cfg.WSOrigins, SendBuffer: cfg.WSSendBuffer})
	router := delivery.NewRouter(hub, hub, delivery.Options{
		BaseURL:      cfg.AppBaseURL,
		DefaultIcon:  cfg.DefaultIcon,
		DefaultBadge: cfg.DefaultBadge,
	})
	sched := scheduler.New(st, router, scheduler.Options{
		Clock:         clock.Real(),
		MaxTimerDelay: cfg.MaxTimerDelay,
		FireTimeout:   cfg.FireTimeout,
	})
	reminders := services.NewReminderService(sched)
	reminders.TestDelay = cfg.TestReminderDelay
	worker := services.NewWorker(st, recovery.New(st, sched), router, reminders, sched)
	hub.SetHandler(worker.HandleInbound)

	if err := worker.Install(ctx); err != nil {
		return err
	}
	defer func() {
		hub.Close()
		if err := worker.Shutdown(); err != nil {
			log.Error().Err(err).Msg("worker shutdown")
		}
	}()
	rep, err := worker.Activate(ctx)
	if err != nil {
		log.Error().Err(err).Msg("initial recovery failed; reminders will be re-armed on next activation")
	} else {
		log.Info().Int("rearmed", rep.Rearmed).Int("expired", rep.Expired).Int("failed", rep.Failed).Msg("recovery complete")
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	httpapi.RegisterRoutes(engine, handlers.New(reminders, worker), hub.ServeWS, cfg)

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
		log.Info().Str("addr", srv.Addr).Str("version", version()).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	return nil
}
